package metrics

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hewenyu/kong-orchestrator/internal/core/model"
)

// 每个序列最多保留的样本数
const maxSamplesPerSeries = 100000

type sample struct {
	at    time.Time
	value float64
}

// Recorder 进程内滚动样本记录器，供本地告警评估使用
type Recorder struct {
	mu        sync.Mutex
	series    map[string][]sample
	retention time.Duration
	now       func() time.Time
}

// NewRecorder 创建记录器，now为nil时使用time.Now
func NewRecorder(retention time.Duration, now func() time.Time) *Recorder {
	if retention <= 0 {
		retention = time.Hour
	}
	if now == nil {
		now = time.Now
	}
	return &Recorder{
		series:    make(map[string][]sample),
		retention: retention,
		now:       now,
	}
}

// Record 追加一个样本
func (r *Recorder) Record(name string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	samples := append(r.series[name], sample{at: now, value: value})
	r.series[name] = prune(samples, now.Add(-r.retention))
}

// Incr 追加一个值为1的样本
func (r *Recorder) Incr(name string) {
	r.Record(name, 1)
}

// prune 丢弃过期样本；样本按时间追加，因此只需从头部裁剪
func prune(samples []sample, cutoff time.Time) []sample {
	i := 0
	for i < len(samples) && samples[i].at.Before(cutoff) {
		i++
	}
	if over := len(samples) - i - maxSamplesPerSeries; over > 0 {
		i += over
	}
	if i == 0 {
		return samples
	}
	return append(samples[:0:0], samples[i:]...)
}

// Query 计算metric在最近window内的聚合值；窗口内无样本时返回0
func (r *Recorder) Query(ctx context.Context, metric string, window time.Duration, agg model.Aggregation) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	r.mu.Lock()
	now := r.now()
	cutoff := now.Add(-window)
	var values []float64
	for _, s := range r.series[metric] {
		if window > 0 && s.at.Before(cutoff) {
			continue
		}
		values = append(values, s.value)
	}
	r.mu.Unlock()

	return Aggregate(values, agg)
}

// Aggregate 按聚合方式归约样本
func Aggregate(values []float64, agg model.Aggregation) (float64, error) {
	switch agg {
	case model.AggCount:
		return float64(len(values)), nil
	case model.AggSum, model.AggAvg:
		sum := 0.0
		for _, v := range values {
			sum += v
		}
		if agg == model.AggAvg {
			if len(values) == 0 {
				return 0, nil
			}
			return sum / float64(len(values)), nil
		}
		return sum, nil
	case model.AggMin, model.AggMax:
		if len(values) == 0 {
			return 0, nil
		}
		result := values[0]
		for _, v := range values[1:] {
			if agg == model.AggMin {
				result = math.Min(result, v)
			} else {
				result = math.Max(result, v)
			}
		}
		return result, nil
	default:
		return 0, fmt.Errorf("不支持的聚合方式: %s", agg)
	}
}

// Series 返回当前已记录的序列名
func (r *Recorder) Series() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.series))
	for name := range r.series {
		names = append(names, name)
	}
	return names
}
