package alerting

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/hewenyu/kong-orchestrator/internal/config"
	"github.com/hewenyu/kong-orchestrator/internal/core/model"
	"github.com/hewenyu/kong-orchestrator/internal/metrics"
)

const (
	defaultChannelTimeout = 5 * time.Second
	// 每个渠道每秒允许的通知数
	defaultChannelRate = 1.0
	defaultChannelBurst = 5
)

// NotifierFactory 根据渠道配置创建适配器
type NotifierFactory func(ch model.NotificationChannel, client *http.Client) (Notifier, error)

type channelState struct {
	cfg      model.NotificationChannel
	notifier Notifier
	breaker  *gobreaker.CircuitBreaker
	limiter  *rate.Limiter
}

// Dispatcher 把通知并发投递到多个渠道，单个渠道的失败或超时不影响其他渠道
type Dispatcher struct {
	mu       sync.RWMutex
	channels map[string]*channelState

	client    *http.Client
	factory   NotifierFactory
	timeout   time.Duration
	rateLimit float64
	logger    config.Logger
}

// NewDispatcher 创建通知分发器
func NewDispatcher(timeout time.Duration, rateLimit float64, logger config.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = defaultChannelTimeout
	}
	if rateLimit <= 0 {
		rateLimit = defaultChannelRate
	}
	return &Dispatcher{
		channels:  make(map[string]*channelState),
		client:    &http.Client{},
		factory:   NewNotifier,
		timeout:   timeout,
		rateLimit: rateLimit,
		logger:    logger,
	}
}

// SetNotifierFactory 替换适配器工厂，只影响之后添加的渠道
func (d *Dispatcher) SetNotifierFactory(f NotifierFactory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.factory = f
}

// AddChannel 添加或替换通知渠道
func (d *Dispatcher) AddChannel(ch model.NotificationChannel) error {
	if strings.TrimSpace(ch.ID) == "" {
		return model.NewValidationError("渠道ID不能为空")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	notifier, err := d.factory(ch, d.client)
	if err != nil {
		return err
	}

	cfg := ch
	cfg.Config = make(map[string]string, len(ch.Config))
	for k, v := range ch.Config {
		cfg.Config[k] = v
	}

	d.channels[ch.ID] = &channelState{
		cfg:      cfg,
		notifier: notifier,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "notify-" + ch.ID,
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				d.logger.Warn("通知渠道熔断状态变化",
					zap.String("channel", name),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		}),
		limiter: rate.NewLimiter(rate.Limit(d.rateLimit), defaultChannelBurst),
	}
	d.logger.Info("通知渠道已添加",
		zap.String("channelId", ch.ID),
		zap.String("kind", string(ch.Kind)),
		zap.Bool("enabled", ch.Enabled))
	return nil
}

// RemoveChannel 删除通知渠道
func (d *Dispatcher) RemoveChannel(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.channels[id]; !ok {
		return model.NewNotFoundError("通知渠道 %s 不存在", id)
	}
	delete(d.channels, id)
	return nil
}

// ListChannels 返回所有渠道配置，按ID排序
func (d *Dispatcher) ListChannels() []model.NotificationChannel {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]model.NotificationChannel, 0, len(d.channels))
	for _, st := range d.channels {
		out = append(out, st.cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// resolve 取出目标渠道；ids为空时取所有已启用渠道，禁用的渠道被跳过
func (d *Dispatcher) resolve(ids []string) (map[string]*channelState, map[string]error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	targets := make(map[string]*channelState)
	missing := make(map[string]error)
	if len(ids) == 0 {
		for id, st := range d.channels {
			if st.cfg.Enabled {
				targets[id] = st
			}
		}
		return targets, missing
	}
	for _, id := range ids {
		st, ok := d.channels[id]
		if !ok {
			missing[id] = model.NewNotFoundError("通知渠道 %s 不存在", id)
			continue
		}
		if st.cfg.Enabled {
			targets[id] = st
		}
	}
	return targets, missing
}

// Dispatch 向渠道并发发送通知，返回每个渠道的结果（nil表示成功）
func (d *Dispatcher) Dispatch(ctx context.Context, ids []string, n Notification) map[string]error {
	targets, results := d.resolve(ids)

	var mu sync.Mutex
	var g errgroup.Group
	for id, st := range targets {
		id, st := id, st
		g.Go(func() error {
			err := d.send(ctx, st, n)
			mu.Lock()
			results[id] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for id, err := range results {
		metrics.ObserveNotification(id, err)
		if err != nil {
			d.logger.Warn("通知发送失败",
				zap.String("channelId", id),
				zap.String("alertId", n.AlertID),
				zap.Error(err))
		}
	}
	return results
}

func (d *Dispatcher) send(ctx context.Context, st *channelState, n Notification) error {
	sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	if err := st.limiter.Wait(sendCtx); err != nil {
		return model.NewTimeoutError("渠道 %s 限流等待超时: %v", st.cfg.ID, err)
	}
	_, err := st.breaker.Execute(func() (interface{}, error) {
		return nil, st.notifier.Send(sendCtx, n)
	})
	return err
}
