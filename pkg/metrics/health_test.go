package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetHealth(t *testing.T) {
	t.Helper()
	registry = NewRegistry()
}

func TestRegisterComponent(t *testing.T) {
	resetHealth(t)

	RegisterComponent("store", true, "opened")

	comp, ok := GetComponent("store")
	require.True(t, ok)
	assert.Equal(t, StateHealthy, comp.State)
	assert.Equal(t, "opened", comp.Message)
}

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		components map[string]ComponentState
		want       string
	}{
		{
			name:       "all healthy",
			components: map[string]ComponentState{"store": StateHealthy, "poll": StateHealthy},
			want:       "healthy",
		},
		{
			name:       "one degraded",
			components: map[string]ComponentState{"store": StateHealthy, "reconciler": StateDegraded},
			want:       "degraded",
		},
		{
			name:       "unhealthy wins over degraded",
			components: map[string]ComponentState{"poll": StateUnhealthy, "reconciler": StateDegraded},
			want:       "unhealthy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			for name, state := range tt.components {
				SetComponentState(name, state, "msg")
			}

			health := GetHealth()
			assert.Equal(t, tt.want, health.Status)
			assert.Len(t, health.Components, len(tt.components))
		})
	}
}

func TestGetReadiness(t *testing.T) {
	t.Run("all critical components ready", func(t *testing.T) {
		resetHealth(t)
		RegisterComponent("store", true, "")
		RegisterComponent("poll", true, "")
		SetComponentState("reconciler", StateDegraded, "3 consecutive failures")

		assert.Equal(t, "ready", GetReadiness().Status)
	})

	t.Run("missing critical component", func(t *testing.T) {
		resetHealth(t)
		RegisterComponent("store", true, "")

		readiness := GetReadiness()
		assert.Equal(t, "not_ready", readiness.Status)
		assert.NotEmpty(t, readiness.Message)
		assert.Equal(t, "not registered", readiness.Components["poll"])
	})

	t.Run("unhealthy critical component", func(t *testing.T) {
		resetHealth(t)
		RegisterComponent("store", false, "database locked")
		RegisterComponent("poll", true, "")
		RegisterComponent("reconciler", true, "")

		readiness := GetReadiness()
		assert.Equal(t, "not_ready", readiness.Status)
		assert.Equal(t, "not ready: database locked", readiness.Components["store"])
	})
}

func TestHandlers(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		setup    func()
		wantCode int
		wantBody string
	}{
		{
			name:     "health ok",
			handler:  HealthHandler(),
			setup:    func() { RegisterComponent("store", true, "") },
			wantCode: http.StatusOK,
			wantBody: "healthy",
		},
		{
			name:     "health unhealthy",
			handler:  HealthHandler(),
			setup:    func() { RegisterComponent("store", false, "broken") },
			wantCode: http.StatusServiceUnavailable,
			wantBody: "unhealthy",
		},
		{
			name:    "ready",
			handler: ReadyHandler(),
			setup: func() {
				for _, name := range CriticalComponents {
					RegisterComponent(name, true, "")
				}
			},
			wantCode: http.StatusOK,
			wantBody: "ready",
		},
		{
			name:     "not ready",
			handler:  ReadyHandler(),
			setup:    func() {},
			wantCode: http.StatusServiceUnavailable,
			wantBody: "not_ready",
		},
		{
			name:     "liveness",
			handler:  LivenessHandler(),
			setup:    func() {},
			wantCode: http.StatusOK,
			wantBody: "alive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resetHealth(t)
			tt.setup()

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			w := httptest.NewRecorder()
			tt.handler(w, req)

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

			var body map[string]any
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, tt.wantBody, body["status"])
		})
	}
}

type fakeLedger int

func (f fakeLedger) Len() int { return int(f) }

type fakePending struct {
	count int
	err   error
}

func (f fakePending) PendingCount(ctx context.Context) (int, error) { return f.count, f.err }

func TestCollectorCollect(t *testing.T) {
	c := NewCollector(fakeLedger(4), fakePending{count: 7}, 0)
	c.collect()

	assert.Equal(t, float64(4), gaugeValue(t, LedgerSize))
	assert.Equal(t, float64(7), gaugeValue(t, PendingNodeStates))
}
