package router

import (
	"time"

	"github.com/hewenyu/kong-orchestrator/internal/core/model"
)

// tracer 记录处理链路上每一步的耗时与结果
type tracer struct {
	now   func() time.Time
	steps []model.ProcessingStep
}

// run 执行一步并记录
func (t *tracer) run(name string, fn func() error) error {
	start := t.now()
	err := fn()
	step := model.ProcessingStep{
		Name:       name,
		DurationMs: float64(t.now().Sub(start)) / float64(time.Millisecond),
		Success:    err == nil,
	}
	if err != nil {
		step.Detail = err.Error()
	}
	t.steps = append(t.steps, step)
	return err
}

// note 记录一个不计时的标记步骤
func (t *tracer) note(name, detail string) {
	t.steps = append(t.steps, model.ProcessingStep{Name: name, Success: true, Detail: detail})
}
