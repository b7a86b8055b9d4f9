package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/kong-orchestrator/internal/config"
	"github.com/hewenyu/kong-orchestrator/internal/core/model"
	"github.com/hewenyu/kong-orchestrator/internal/metrics"
	"github.com/hewenyu/kong-orchestrator/internal/registry"
)

func newRegistry() *registry.Registry {
	return registry.NewRegistry(registry.Options{FailureThreshold: 3, MaxHealthErrors: 5}, config.NopLogger{})
}

func TestProbeHealthyEndpoint(t *testing.T) {
	var gotMethod, gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	reg := newRegistry()
	require.NoError(t, reg.Register(context.Background(), &model.ServiceDescriptor{
		ID: "S",
		Endpoints: []model.Endpoint{{
			BaseURL: server.URL,
			HealthCheck: model.HealthCheckSpec{
				Path:           "/status",
				Method:         "head",
				ExpectedStatus: http.StatusNoContent,
			},
		}},
	}))

	prober := NewProber(reg, time.Minute, time.Second, config.NopLogger{})
	prober.ProbeAll(context.Background())

	health, err := reg.Health("S")
	require.NoError(t, err)
	assert.Equal(t, model.HealthStatusHealthy, health.Status)
	assert.Equal(t, http.MethodHead, gotMethod)
	assert.Equal(t, "/status", gotPath)
	assert.Equal(t, 1.0, health.Uptime)
}

func TestProbeUnexpectedStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	reg := newRegistry()
	require.NoError(t, reg.Register(context.Background(), &model.ServiceDescriptor{
		ID:        "S",
		Endpoints: []model.Endpoint{{BaseURL: server.URL}},
	}))

	prober := NewProber(reg, time.Minute, time.Second, config.NopLogger{})
	prober.ProbeAll(context.Background())

	health, err := reg.Health("S")
	require.NoError(t, err)
	assert.Equal(t, model.HealthStatusUnhealthy, health.Status)
	require.Len(t, health.Errors, 1)
	assert.Contains(t, health.Errors[0].Message, "503")
}

func TestProbeStopsAtFirstSuccess(t *testing.T) {
	reg := newRegistry()
	require.NoError(t, reg.Register(context.Background(), &model.ServiceDescriptor{
		ID: "S",
		Endpoints: []model.Endpoint{
			{BaseURL: "http://down"},
			{BaseURL: "http://up"},
			{BaseURL: "http://never"},
		},
	}))

	var mu sync.Mutex
	var called []string
	prober := NewProber(reg, time.Minute, time.Second, config.NopLogger{})
	prober.SetCheckFunc(func(ctx context.Context, ep model.Endpoint) error {
		mu.Lock()
		called = append(called, ep.BaseURL)
		mu.Unlock()
		if ep.BaseURL == "http://down" {
			return errors.New("connection refused")
		}
		return nil
	})
	prober.ProbeAll(context.Background())

	assert.Equal(t, []string{"http://down", "http://up"}, called)
	health, _ := reg.Health("S")
	assert.Equal(t, model.HealthStatusHealthy, health.Status)
}

func TestProbeRecoversFromPanic(t *testing.T) {
	reg := newRegistry()
	require.NoError(t, reg.Register(context.Background(), &model.ServiceDescriptor{
		ID:        "S",
		Endpoints: []model.Endpoint{{BaseURL: "http://a"}},
	}))

	prober := NewProber(reg, time.Minute, time.Second, config.NopLogger{})
	prober.SetCheckFunc(func(ctx context.Context, ep model.Endpoint) error {
		panic("boom")
	})

	assert.NotPanics(t, func() { prober.ProbeAll(context.Background()) })
	health, _ := reg.Health("S")
	assert.Equal(t, model.HealthStatusUnhealthy, health.Status)
}

func TestProbeHonorsEndpointInterval(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	reg := registry.NewRegistry(registry.Options{Now: func() time.Time { return now }}, config.NopLogger{})
	require.NoError(t, reg.Register(context.Background(), &model.ServiceDescriptor{
		ID: "S",
		Endpoints: []model.Endpoint{{
			BaseURL:     "http://a",
			HealthCheck: model.HealthCheckSpec{Interval: 2 * time.Minute},
		}},
	}))

	calls := 0
	prober := NewProber(reg, 30*time.Second, time.Second, config.NopLogger{})
	prober.SetClock(func() time.Time { return now })
	prober.SetCheckFunc(func(ctx context.Context, ep model.Endpoint) error {
		calls++
		return nil
	})

	prober.ProbeAll(context.Background())
	now = now.Add(time.Minute)
	prober.ProbeAll(context.Background())
	assert.Equal(t, 1, calls, "端点声明的间隔未到")

	now = now.Add(time.Minute)
	prober.ProbeAll(context.Background())
	assert.Equal(t, 2, calls)
}

func TestProbeRecordsUnhealthyCount(t *testing.T) {
	reg := newRegistry()
	require.NoError(t, reg.Register(context.Background(), &model.ServiceDescriptor{
		ID:        "S",
		Endpoints: []model.Endpoint{{BaseURL: "http://a"}},
	}))
	recorder := metrics.NewRecorder(time.Hour, nil)

	prober := NewProber(reg, time.Minute, time.Second, config.NopLogger{})
	prober.SetMetricSink(recorder)
	prober.SetCheckFunc(func(ctx context.Context, ep model.Endpoint) error {
		return errors.New("down")
	})
	prober.ProbeAll(context.Background())

	v, err := recorder.Query(context.Background(), "unhealthy_services", time.Minute, model.AggMax)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
}

func TestRunStopsOnCancel(t *testing.T) {
	reg := newRegistry()
	prober := NewProber(reg, 10*time.Millisecond, time.Second, config.NopLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- prober.Run(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("探测器未在取消后退出")
	}
}
