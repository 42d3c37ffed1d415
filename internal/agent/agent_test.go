package agent

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/picklr-io/fleetform/internal/autoscale"
	"github.com/picklr-io/fleetform/internal/ir"
	"github.com/picklr-io/fleetform/providers/null"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func spec(name string) autoscale.FleetSpec {
	return autoscale.FleetSpec{
		Name:             name,
		Provider:         "null",
		Capacity:         autoscale.Capacity{Min: 1, Desired: 1, Max: 3},
		Metric:           "cpu",
		FailureThreshold: 1,
		Alarms: []autoscale.AlarmSpec{
			{Name: "high", Threshold: 70, Operator: autoscale.GreaterOrEqual, Periods: 1},
		},
		Policies: []autoscale.PolicySpec{
			{Name: "up", Alarm: "high", Adjustment: 1, Cooldown: time.Minute},
		},
	}
}

type fixture struct {
	agent  *Agent
	prov   *null.Provider
	web    *autoscale.Controller
	broken *autoscale.Controller
	reg    *prometheus.Registry
}

// newFixture builds an agent with two fleets. "broken" is not known to the
// provider, so every scaling action against it fails.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	p := null.New()
	p.AddFleet("web", 1)
	reg := prometheus.NewRegistry()
	metrics := autoscale.NewMetrics(reg)

	web, err := autoscale.NewController(spec("web"), p, autoscale.WithMetrics(metrics))
	require.NoError(t, err)
	broken, err := autoscale.NewController(spec("broken"), p, autoscale.WithMetrics(metrics))
	require.NoError(t, err)

	a, err := New(Options{Gatherer: reg}, web, broken)
	require.NoError(t, err)
	return &fixture{agent: a, prov: p, web: web, broken: broken, reg: reg}
}

func (f *fixture) tripFailsafe(t *testing.T) {
	t.Helper()
	f.broken.Observe(ir.MetricSample{Timestamp: time.Now(), Value: 95})
	f.broken.EvaluatePeriod(context.Background())
	require.False(t, f.broken.Healthy())
	f.agent.refreshHealth()
}

func (f *fixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	req, err := http.NewRequest(method, path, nil)
	require.NoError(t, err)
	f.agent.Handler().ServeHTTP(w, req)
	return w
}

func TestNew_RejectsDuplicateFleets(t *testing.T) {
	p := null.New()
	a, err := autoscale.NewController(spec("web"), p)
	require.NoError(t, err)
	b, err := autoscale.NewController(spec("web"), p)
	require.NoError(t, err)

	_, err = New(Options{}, a, b)
	assert.ErrorContains(t, err, "duplicate")
}

func TestHandler_ListFleets(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/fleets")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Fleets []autoscale.Status `json:"fleets"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Fleets, 2)
	assert.Equal(t, "broken", body.Fleets[0].Name)
	assert.Equal(t, "web", body.Fleets[1].Name)
}

func TestHandler_GetFleet(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/fleets/web")
	require.Equal(t, http.StatusOK, w.Code)
	var st autoscale.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "web", st.Name)
	assert.Equal(t, 1, st.Capacity.Desired)
	require.Len(t, st.Alarms, 1)
	assert.Equal(t, autoscale.StatusInsufficientData, st.Alarms[0].Status)

	w = f.do(t, http.MethodGet, "/v1/fleets/ghost")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_Healthz(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ok")

	f.tripFailsafe(t)
	w = f.do(t, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "broken")
}

func TestHandler_ResetFailsafe(t *testing.T) {
	f := newFixture(t)
	f.tripFailsafe(t)

	w := f.do(t, http.MethodPost, "/v1/fleets/broken/failsafe/reset")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, f.broken.Healthy())

	w = f.do(t, http.MethodPost, "/v1/fleets/ghost/failsafe/reset")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_Metrics(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "fleetform_autoscale_desired_capacity")
}

func TestHealthServer_ReflectsFailsafe(t *testing.T) {
	f := newFixture(t)
	hs := f.agent.HealthServer()
	ctx := context.Background()

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		resp, err := hs.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
		require.NoError(t, err)
		return resp.GetStatus()
	}

	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(HealthServicePrefix+"broken"))

	f.tripFailsafe(t)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(""))
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(HealthServicePrefix+"broken"))
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(HealthServicePrefix+"web"))
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	f.agent.opts.HTTPAddr = freeAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.agent.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + f.agent.opts.HTTPAddr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop")
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())
	return addr
}
