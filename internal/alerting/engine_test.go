package alerting

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/kong-orchestrator/internal/config"
	"github.com/hewenyu/kong-orchestrator/internal/core/model"
	"github.com/hewenyu/kong-orchestrator/internal/store/cooldown"
)

type fakeSource struct {
	mu      sync.Mutex
	values  map[string]float64
	err     error
	queries int
	// onQuery 每次查询返回前调用，不持有锁
	onQuery func()
}

func (f *fakeSource) set(metric string, v float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[metric] = v
}

func (f *fakeSource) Query(ctx context.Context, metric string, window time.Duration, agg model.Aggregation) (float64, error) {
	f.mu.Lock()
	f.queries++
	hook := f.onQuery
	value, err := f.values[metric], f.err
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	if err != nil {
		return 0, err
	}
	return value, nil
}

// recordingNotifier 记录收到的通知
type recordingNotifier struct {
	mu   sync.Mutex
	sent []Notification
	err  error
}

func (r *recordingNotifier) Send(ctx context.Context, n Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recordingNotifier) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.sent...)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type engineFixture struct {
	engine   *Engine
	source   *fakeSource
	notifier *recordingNotifier
	clock    *testClock
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	clock := &testClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	source := &fakeSource{values: map[string]float64{}}
	notifier := &recordingNotifier{}

	dispatcher := NewDispatcher(time.Second, 1000, config.NopLogger{})
	dispatcher.SetNotifierFactory(func(ch model.NotificationChannel, _ *http.Client) (Notifier, error) {
		return notifier, nil
	})
	require.NoError(t, dispatcher.AddChannel(model.NotificationChannel{ID: "ops", Kind: model.ChannelWebhook, Enabled: true}))

	engine := NewEngine(source, cooldown.NewMemoryStore(), dispatcher, Options{Now: clock.Now, HistorySize: 10}, config.NopLogger{})
	return &engineFixture{engine: engine, source: source, notifier: notifier, clock: clock}
}

func errorRule() model.AlertRule {
	return model.AlertRule{
		ID:       "high-errors",
		Name:     "错误数过高",
		Severity: model.SeverityHigh,
		Conditions: []model.AlertCondition{{
			Metric:      "errors",
			Operator:    model.CondGreaterThan,
			Threshold:   5,
			Window:      60 * time.Second,
			Aggregation: model.AggCount,
		}},
		Cooldown: 300 * time.Second,
		Enabled:  true,
		Channels: []string{"ops"},
	}
}

func TestEvaluateRespectsCooldown(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.AddRule(errorRule()))
	f.source.set("errors", 6)
	ctx := context.Background()

	f.engine.Evaluate(ctx)
	active := f.engine.ActiveAlerts()
	require.Len(t, active, 1)
	assert.Equal(t, "high-errors", active[0].RuleID)
	assert.Equal(t, model.SeverityHigh, active[0].Severity)
	assert.Contains(t, active[0].Message, "errors")

	f.engine.Evaluate(ctx)
	assert.Len(t, f.engine.ActiveAlerts(), 1)
	assert.Len(t, f.engine.History(0), 1, "再次求值不能产生第二个告警")

	sent := f.notifier.all()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Title, "[HIGH]")
	assert.False(t, sent[0].Resolved)
}

func TestRuleRemovedDuringEvaluationDoesNotFire(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.AddRule(errorRule()))
	f.source.set("errors", 6)
	f.source.onQuery = func() {
		assert.NoError(t, f.engine.RemoveRule("high-errors"))
	}

	f.engine.Evaluate(context.Background())

	assert.Empty(t, f.engine.ActiveAlerts(), "已删除的规则不能留下活动告警")
	assert.Empty(t, f.engine.History(0))
	assert.Empty(t, f.notifier.all())
}

func TestCooldownBlocksRetriggerAfterResolve(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.AddRule(errorRule()))
	ctx := context.Background()

	f.source.set("errors", 6)
	f.engine.Evaluate(ctx)
	require.Len(t, f.engine.ActiveAlerts(), 1)

	f.source.set("errors", 0)
	f.clock.Advance(30 * time.Second)
	f.engine.Evaluate(ctx)
	assert.Empty(t, f.engine.ActiveAlerts())

	// 冷却期内再次满足条件
	f.source.set("errors", 9)
	f.clock.Advance(30 * time.Second)
	f.engine.Evaluate(ctx)
	assert.Empty(t, f.engine.ActiveAlerts())

	f.clock.Advance(300 * time.Second)
	f.engine.Evaluate(ctx)
	assert.Len(t, f.engine.ActiveAlerts(), 1)
	assert.Len(t, f.engine.History(0), 2)
}

func TestAutoResolveExactlyOnce(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.AddRule(errorRule()))
	ctx := context.Background()

	f.source.set("errors", 6)
	f.engine.Evaluate(ctx)
	f.source.set("errors", 1)
	f.clock.Advance(time.Minute)
	f.engine.Evaluate(ctx)
	f.engine.Evaluate(ctx)
	f.engine.Evaluate(ctx)

	history := f.engine.History(0)
	require.Len(t, history, 1)
	assert.True(t, history[0].Resolved)
	require.NotNil(t, history[0].ResolvedAt)
	assert.Equal(t, f.clock.Now(), *history[0].ResolvedAt)

	resolved := 0
	for _, n := range f.notifier.all() {
		if n.Resolved {
			resolved++
			assert.Contains(t, n.Title, "[RESOLVED]")
		}
	}
	assert.Equal(t, 1, resolved)
}

func TestAllConditionsMustHold(t *testing.T) {
	f := newEngineFixture(t)
	rule := errorRule()
	rule.Conditions = append(rule.Conditions, model.AlertCondition{
		Metric:      "latency_ms",
		Operator:    model.CondGreaterOrEqual,
		Threshold:   500,
		Aggregation: model.AggAvg,
	})
	require.NoError(t, f.engine.AddRule(rule))
	ctx := context.Background()

	f.source.set("errors", 6)
	f.source.set("latency_ms", 100)
	f.engine.Evaluate(ctx)
	assert.Empty(t, f.engine.ActiveAlerts())

	f.source.set("latency_ms", 500)
	f.engine.Evaluate(ctx)
	assert.Len(t, f.engine.ActiveAlerts(), 1)
}

func TestDisabledRuleAndSourceErrors(t *testing.T) {
	f := newEngineFixture(t)
	rule := errorRule()
	rule.Enabled = false
	require.NoError(t, f.engine.AddRule(rule))
	f.source.set("errors", 100)

	f.engine.Evaluate(context.Background())
	assert.Empty(t, f.engine.ActiveAlerts())
	assert.Equal(t, 0, f.source.queries)

	rule.Enabled = true
	require.NoError(t, f.engine.AddRule(rule))
	f.source.err = errors.New("prometheus unavailable")
	f.engine.Evaluate(context.Background())
	assert.Empty(t, f.engine.ActiveAlerts(), "查询失败时不触发")
}

func TestConcurrentEvaluationSingleAlert(t *testing.T) {
	f := newEngineFixture(t)
	rule := errorRule()
	rule.Cooldown = 0
	require.NoError(t, f.engine.AddRule(rule))
	f.source.set("errors", 6)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.engine.Evaluate(context.Background())
		}()
	}
	wg.Wait()

	assert.Len(t, f.engine.ActiveAlerts(), 1)
	assert.Len(t, f.engine.History(0), 1)
}

func TestTriggerManual(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.AddRule(errorRule()))
	ctx := context.Background()

	_, err := f.engine.TriggerManual(ctx, ManualInput{})
	assert.Equal(t, model.ErrCodeValidation, model.CodeOf(err))

	_, err = f.engine.TriggerManual(ctx, ManualInput{RuleID: "missing", Message: "x"})
	assert.True(t, model.IsNotFound(err))

	// 条件不成立也能触发，且不受冷却限制
	a1, err := f.engine.TriggerManual(ctx, ManualInput{RuleID: "high-errors", Message: "人工演练"})
	require.NoError(t, err)
	assert.True(t, a1.Manual)
	assert.Equal(t, model.SeverityHigh, a1.Severity)

	a2, err := f.engine.TriggerManual(ctx, ManualInput{Message: "第二次", Severity: model.SeverityCritical})
	require.NoError(t, err)
	assert.NotEqual(t, a1.ID, a2.ID)
	assert.Len(t, f.engine.ActiveAlerts(), 2)
	assert.Len(t, f.notifier.all(), 2)

	// 人工告警不会被自动恢复
	f.engine.Evaluate(ctx)
	assert.Len(t, f.engine.ActiveAlerts(), 2)

	require.NoError(t, f.engine.ResolveAlert(ctx, a1.ID))
	assert.True(t, model.IsNotFound(f.engine.ResolveAlert(ctx, a1.ID)))
	assert.Len(t, f.engine.ActiveAlerts(), 1)

	_, err = f.engine.TriggerManual(ctx, ManualInput{Message: "x", Severity: "urgent"})
	assert.Equal(t, model.ErrCodeValidation, model.CodeOf(err))
}

func TestRuleManagement(t *testing.T) {
	f := newEngineFixture(t)

	bad := []model.AlertRule{
		{},
		{ID: "no-conditions"},
		{ID: "severity", Severity: "urgent", Conditions: errorRule().Conditions},
		{ID: "op", Conditions: []model.AlertCondition{{Metric: "m", Operator: "=~"}}},
		{ID: "agg", Conditions: []model.AlertCondition{{Metric: "m", Operator: ">", Aggregation: "p99"}}},
		{ID: "metric", Conditions: []model.AlertCondition{{Operator: ">"}}},
		{ID: "cooldown", Cooldown: -time.Second, Conditions: errorRule().Conditions},
	}
	for _, r := range bad {
		assert.Equal(t, model.ErrCodeValidation, model.CodeOf(f.engine.AddRule(r)), "规则 %q", r.ID)
	}

	rule := model.AlertRule{ID: "r", Enabled: true, Conditions: []model.AlertCondition{{Metric: "m", Operator: ">"}}}
	require.NoError(t, f.engine.AddRule(rule))
	got, err := f.engine.GetRule("r")
	require.NoError(t, err)
	assert.Equal(t, "r", got.Name)
	assert.Equal(t, model.SeverityMedium, got.Severity)
	assert.Equal(t, model.AggAvg, got.Conditions[0].Aggregation)
	assert.Equal(t, time.Minute, got.Conditions[0].Window)
	assert.Len(t, f.engine.ListRules(), 1)

	// 删除规则时关闭其活动告警
	f.source.set("m", 1)
	f.engine.Evaluate(context.Background())
	require.Len(t, f.engine.ActiveAlerts(), 1)
	require.NoError(t, f.engine.RemoveRule("r"))
	assert.Empty(t, f.engine.ActiveAlerts())
	assert.True(t, model.IsNotFound(f.engine.RemoveRule("r")))
	_, err = f.engine.GetRule("r")
	assert.True(t, model.IsNotFound(err))
}

func TestHistoryCapped(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	for i := 0; i < 15; i++ {
		_, err := f.engine.TriggerManual(ctx, ManualInput{Message: "m"})
		require.NoError(t, err)
		f.clock.Advance(time.Second)
	}
	history := f.engine.History(0)
	assert.Len(t, history, 10)
	assert.True(t, history[0].Timestamp.After(history[9].Timestamp), "最新的在前")
	assert.Len(t, f.engine.History(3), 3)
}

func TestRunStopsOnCancel(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.AddRule(errorRule()))
	f.source.set("errors", 6)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.engine.Run(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool { return len(f.engine.ActiveAlerts()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run未在取消后退出")
	}
}
