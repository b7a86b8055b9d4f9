package registry

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/hewenyu/kong-orchestrator/internal/core/model"
)

// serviceBreaker 单个服务的熔断器，由所属serviceEntry的锁保护
// 状态机由gobreaker维护，这里只记录快照需要的计数与时间
type serviceBreaker struct {
	cb              *gobreaker.TwoStepCircuitBreaker
	threshold       int
	recoveryTimeout time.Duration
	failureCount    int
	lastFailureTime time.Time
	nextAttemptTime time.Time
	// Select占用的完成回调，按端点键排队
	pending map[string][]func(success bool)
	// onChange 状态变化通知，在gobreaker内部锁中调用，不能再访问cb
	onChange func(b *serviceBreaker, from, to model.CircuitState)
}

func newServiceBreaker(name string, threshold int, recoveryTimeout time.Duration, onChange func(b *serviceBreaker, from, to model.CircuitState)) *serviceBreaker {
	b := &serviceBreaker{
		threshold:       threshold,
		recoveryTimeout: recoveryTimeout,
		pending:         make(map[string][]func(bool)),
		onChange:        onChange,
	}
	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name: name,
		// 半开状态只放行一个试探请求
		MaxRequests: 1,
		// Interval为0时关闭状态不清零计数，成功不会抵消之前的失败
		Interval: 0,
		Timeout:  recoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.TotalFailures) >= threshold
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			b.stateChanged(circuitState(from), circuitState(to))
		},
	})
	return b
}

func circuitState(s gobreaker.State) model.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return model.CircuitOpen
	case gobreaker.StateHalfOpen:
		return model.CircuitHalfOpen
	}
	return model.CircuitClosed
}

func (b *serviceBreaker) stateChanged(from, to model.CircuitState) {
	switch to {
	case model.CircuitOpen:
		// gobreaker按墙上时钟计算恢复时间
		b.lastFailureTime = time.Now()
		b.nextAttemptTime = b.lastFailureTime.Add(b.recoveryTimeout)
	case model.CircuitClosed:
		b.failureCount = 0
		b.lastFailureTime = time.Time{}
		b.nextAttemptTime = time.Time{}
	}
	if b.onChange != nil {
		b.onChange(b, from, to)
	}
}

func (b *serviceBreaker) state() model.CircuitState {
	return circuitState(b.cb.State())
}

// blocked 判断当前是否应快速失败，不占用试探名额
func (b *serviceBreaker) blocked() bool {
	switch b.cb.State() {
	case gobreaker.StateOpen:
		return true
	case gobreaker.StateHalfOpen:
		return b.cb.Counts().Requests >= 1
	}
	return false
}

// reserve 为endpointKey占用一次调用名额，结果由report上报
func (b *serviceBreaker) reserve(endpointKey string) bool {
	done, err := b.cb.Allow()
	if err != nil {
		return false
	}
	b.pending[endpointKey] = append(b.pending[endpointKey], done)
	return true
}

// report 上报一次调用结果；没有对应占用时单独申请一次名额
func (b *serviceBreaker) report(endpointKey string, success bool) {
	if !success {
		b.failureCount++
	}
	if queue := b.pending[endpointKey]; endpointKey != "" && len(queue) > 0 {
		done := queue[0]
		if len(queue) == 1 {
			delete(b.pending, endpointKey)
		} else {
			b.pending[endpointKey] = queue[1:]
		}
		done(success)
		return
	}
	if done, err := b.cb.Allow(); err == nil {
		done(success)
	}
}

func (b *serviceBreaker) snapshot() model.CircuitBreakerSnapshot {
	return model.CircuitBreakerSnapshot{
		State:           b.state(),
		FailureCount:    b.failureCount,
		Threshold:       b.threshold,
		RecoveryTimeout: b.recoveryTimeout,
		LastFailureTime: b.lastFailureTime,
		NextAttemptTime: b.nextAttemptTime,
	}
}
