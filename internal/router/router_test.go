package router

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hewenyu/kong-orchestrator/internal/config"
	"github.com/hewenyu/kong-orchestrator/internal/core/model"
	"github.com/hewenyu/kong-orchestrator/internal/metrics"
	"github.com/hewenyu/kong-orchestrator/internal/registry"
)

func newTestRegistry(threshold int) *registry.Registry {
	return registry.NewRegistry(registry.Options{
		FailureThreshold: threshold,
		RecoveryTimeout:  time.Minute,
	}, config.NopLogger{})
}

func register(t *testing.T, reg *registry.Registry, id string, ep model.Endpoint) {
	t.Helper()
	require.NoError(t, reg.Register(context.Background(), &model.ServiceDescriptor{
		ID:        id,
		Version:   "1.0.0",
		Endpoints: []model.Endpoint{ep},
	}))
}

func stepNames(resp *model.OrchestrationResponse) []string {
	var names []string
	for _, s := range resp.Metadata.ProcessingSteps {
		names = append(names, s.Name)
	}
	return names
}

func TestProcessRequestSuccess(t *testing.T) {
	var gotHeaders http.Header
	var gotPath string
	var gotBody map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header.Clone()
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"user":"alice","score":42}`))
	}))
	defer server.Close()

	reg := newTestRegistry(3)
	register(t, reg, "user-service", model.Endpoint{BaseURL: server.URL, Method: "POST", Path: "/api/{action}", Timeout: time.Second})
	recorder := metrics.NewRecorder(time.Hour, nil)
	router := NewRouter(reg, config.NopLogger{})
	router.SetMetricSink(recorder)

	resp := router.ProcessRequest(context.Background(), &model.OrchestrationRequest{
		ID:        "req-1",
		ServiceID: "user-service",
		Action:    "profile",
		Payload:   model.Fields{"id": model.Number(7)},
		CallerID:  "gateway",
		SessionID: "sess-9",
		Priority:  3,
	})

	require.True(t, resp.Success, "%+v", resp.Error)
	assert.Nil(t, resp.Error)
	assert.Equal(t, "req-1", resp.RequestID)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, "user-service", resp.Metadata.ServiceID)
	assert.Equal(t, "1.0.0", resp.Metadata.Version)
	assert.Equal(t, []string{"user-service"}, resp.Metadata.UpstreamServices)
	assert.Equal(t, []string{"validate", "lookup", "circuit-check", "select", "execute", "report"}, stepNames(resp))

	data, ok := resp.Data.AsMap()
	require.True(t, ok)
	score, _ := data["score"].AsNumber()
	assert.Equal(t, 42.0, score)

	assert.Equal(t, "/api/profile", gotPath)
	assert.Equal(t, "req-1", gotHeaders.Get(HeaderRequestID))
	assert.Equal(t, "gateway", gotHeaders.Get(HeaderCallerID))
	assert.Equal(t, "sess-9", gotHeaders.Get(HeaderSessionID))
	assert.Equal(t, "3", gotHeaders.Get(HeaderPriority))
	assert.Equal(t, 7.0, gotBody["id"])

	stats, err := router.Stats("user-service")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalRequests)
	assert.Equal(t, int64(1), stats.SuccessCount)

	n, err := recorder.Query(context.Background(), "requests.user-service", time.Minute, model.AggCount)
	require.NoError(t, err)
	assert.Equal(t, 1.0, n)
}

func TestProcessRequestValidation(t *testing.T) {
	router := NewRouter(newTestRegistry(3), config.NopLogger{})

	resp := router.ProcessRequest(context.Background(), &model.OrchestrationRequest{Action: "x"})
	assert.False(t, resp.Success)
	require.NotNil(t, resp.Error)
	assert.Equal(t, model.ErrCodeValidation, resp.Error.Code)
	assert.Equal(t, []string{"validate"}, stepNames(resp))

	resp = router.ProcessRequest(context.Background(), nil)
	assert.Equal(t, model.ErrCodeValidation, resp.Error.Code)
}

func TestProcessRequestServiceNotFound(t *testing.T) {
	router := NewRouter(newTestRegistry(3), config.NopLogger{})

	resp := router.ProcessRequest(context.Background(), &model.OrchestrationRequest{ServiceID: "ghost", Action: "x"})
	assert.False(t, resp.Success)
	assert.Equal(t, model.ErrCodeNotFound, resp.Error.Code)
	assert.Equal(t, []string{"validate", "lookup"}, stepNames(resp))
	assert.NotEmpty(t, resp.RequestID, "缺失的请求ID应被生成")
}

func TestProcessRequestCircuitOpenFailsFast(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	reg := newTestRegistry(1)
	register(t, reg, "S", model.Endpoint{BaseURL: server.URL, Timeout: time.Second})
	router := NewRouter(reg, config.NopLogger{})

	first := router.ProcessRequest(context.Background(), &model.OrchestrationRequest{ServiceID: "S", Action: "run"})
	assert.False(t, first.Success)
	assert.Equal(t, model.ErrCodeDownstream, first.Error.Code)

	second := router.ProcessRequest(context.Background(), &model.OrchestrationRequest{ServiceID: "S", Action: "run"})
	assert.False(t, second.Success)
	assert.Equal(t, model.ErrCodeCircuitOpen, second.Error.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "熔断打开后不应再调用下游")
	assert.NotContains(t, stepNames(second), "execute")

	stats, err := router.Stats("S")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.FailCount)
}

// panicTransport 在往返时panic的传输层
type panicTransport struct{}

func (panicTransport) RoundTrip(*http.Request) (*http.Response, error) {
	panic("transport exploded")
}

func TestPanicDuringCallStillReportsOutcome(t *testing.T) {
	reg := newTestRegistry(3)
	register(t, reg, "S", model.Endpoint{BaseURL: "http://downstream.invalid", Timeout: time.Second})
	router := NewRouter(reg, config.NopLogger{})
	router.SetHTTPClient(&http.Client{Transport: panicTransport{}})

	resp := router.ProcessRequest(context.Background(), &model.OrchestrationRequest{ServiceID: "S", Action: "run"})
	require.False(t, resp.Success)
	assert.Equal(t, model.ErrCodeInternal, resp.Error.Code)
	assert.Contains(t, stepNames(resp), "report")

	health, err := reg.Health("S")
	require.NoError(t, err)
	assert.Equal(t, 0, health.Metrics.ActiveConnections, "panic后应释放连接")

	snap, err := reg.Breaker("S")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.FailureCount)
	assert.Equal(t, model.CircuitClosed, snap.State)
}

func TestProcessRequestTimeoutCancelsCall(t *testing.T) {
	cancelled := make(chan struct{}, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			cancelled <- struct{}{}
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	reg := newTestRegistry(5)
	register(t, reg, "slow", model.Endpoint{BaseURL: server.URL, Timeout: 50 * time.Millisecond})
	router := NewRouter(reg, config.NopLogger{})

	resp := router.ProcessRequest(context.Background(), &model.OrchestrationRequest{ServiceID: "slow", Action: "run"})
	assert.False(t, resp.Success)
	assert.Equal(t, model.ErrCodeTimeout, resp.Error.Code)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("超时后出站请求应被取消")
	}

	snap, err := reg.Breaker("slow")
	require.NoError(t, err)
	assert.Equal(t, 1, snap.FailureCount)
}

func TestProcessRequestRetriesServerErrors(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, "ok")
	}))
	defer server.Close()

	reg := newTestRegistry(10)
	register(t, reg, "S", model.Endpoint{BaseURL: server.URL, Retries: 2, Timeout: time.Second})
	router := NewRouter(reg, config.NopLogger{})

	resp := router.ProcessRequest(context.Background(), &model.OrchestrationRequest{ServiceID: "S", Action: "run"})
	require.True(t, resp.Success)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
	text, ok := resp.Data.AsString()
	assert.True(t, ok)
	assert.Equal(t, "ok", text)

	executes := 0
	for _, name := range stepNames(resp) {
		if name == "execute" {
			executes++
		}
	}
	assert.Equal(t, 3, executes)
}

func TestProcessRequestDoesNotRetryClientErrors(t *testing.T) {
	var hits int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	reg := newTestRegistry(10)
	register(t, reg, "S", model.Endpoint{BaseURL: server.URL, Retries: 2, Timeout: time.Second})
	router := NewRouter(reg, config.NopLogger{})

	resp := router.ProcessRequest(context.Background(), &model.OrchestrationRequest{ServiceID: "S", Action: "run"})
	assert.False(t, resp.Success)
	assert.Equal(t, model.ErrCodeDownstream, resp.Error.Code)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestProcessRequestFailover(t *testing.T) {
	backup := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"from":"backup"}`)
	}))
	defer backup.Close()

	reg := newTestRegistry(1)
	register(t, reg, "primary", model.Endpoint{BaseURL: "http://127.0.0.1:1"})
	register(t, reg, "backup", model.Endpoint{BaseURL: backup.URL, Timeout: time.Second})
	require.NoError(t, reg.SetLoadBalancerConfig("primary", model.LoadBalancerConfig{
		Strategy: model.StrategyRoundRobin,
		Failover: model.FailoverPolicy{Enabled: true, BackupServices: []string{"backup"}},
	}))
	require.NoError(t, reg.RecordFailure("primary"))

	router := NewRouter(reg, config.NopLogger{})
	resp := router.ProcessRequest(context.Background(), &model.OrchestrationRequest{ServiceID: "primary", Action: "run"})

	require.True(t, resp.Success, "%+v", resp.Error)
	assert.Equal(t, "backup", resp.Metadata.ServiceID)
	assert.Equal(t, []string{"primary", "backup"}, resp.Metadata.UpstreamServices)
	assert.Contains(t, stepNames(resp), "failover")
}

func TestProcessRequestGetUsesQuery(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	reg := newTestRegistry(3)
	register(t, reg, "S", model.Endpoint{BaseURL: server.URL, Method: "get", Timeout: time.Second})
	router := NewRouter(reg, config.NopLogger{})

	resp := router.ProcessRequest(context.Background(), &model.OrchestrationRequest{
		ServiceID: "S",
		Action:    "lookup",
		Payload:   model.Fields{"q": model.String("go"), "page": model.Number(2)},
	})
	require.True(t, resp.Success)
	assert.True(t, resp.Data.IsNull())
	assert.Equal(t, "page=2&q=go", gotQuery)
}

// panicRegistry 查找时panic，用于验证路由器不向外抛出异常
type panicRegistry struct {
	*registry.Registry
}

func (panicRegistry) Get(serviceID string) (*model.ServiceDescriptor, error) {
	panic("registry corrupted")
}

func TestProcessRequestRecoversPanic(t *testing.T) {
	router := NewRouter(panicRegistry{newTestRegistry(3)}, config.NopLogger{})

	var resp *model.OrchestrationResponse
	assert.NotPanics(t, func() {
		resp = router.ProcessRequest(context.Background(), &model.OrchestrationRequest{ServiceID: "S", Action: "x"})
	})
	require.NotNil(t, resp)
	assert.False(t, resp.Success)
	assert.Equal(t, model.ErrCodeInternal, resp.Error.Code)
}

func TestEndpointPath(t *testing.T) {
	assert.Equal(t, "/orders/create", endpointPath("/orders/{action}", "create"))
	assert.Equal(t, "/create", endpointPath("", "create"))
	assert.Equal(t, "/fixed", endpointPath("fixed", "create"))
	assert.Equal(t, "/a%2Fb", endpointPath("/{action}", "a/b"))
}
