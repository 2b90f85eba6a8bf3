package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReadinessWaitsOnCriticalComponents(t *testing.T) {
	SetCriticalComponents("database", "queue")

	RegisterComponent("database", true, "")
	readiness := GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)
	assert.Contains(t, readiness.Message, "queue")

	RegisterComponent("queue", false, "connecting")
	readiness = GetReadiness()
	assert.Equal(t, "not_ready", readiness.Status)

	UpdateComponent("queue", true, "")
	readiness = GetReadiness()
	assert.Equal(t, "ready", readiness.Status)
}

func TestHealthReflectsUnhealthyComponent(t *testing.T) {
	RegisterComponent("executor", true, "")
	health := GetHealth()
	assert.Equal(t, "healthy", health.Status)

	UpdateComponent("executor", false, "worker stalled")
	health = GetHealth()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Contains(t, health.Components["executor"], "worker stalled")

	UpdateComponent("executor", true, "")
}

func TestReadyHandlerStatusCode(t *testing.T) {
	SetCriticalComponents("database")
	RegisterComponent("database", false, "down")

	rec := httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, 503, rec.Code)

	UpdateComponent("database", true, "")
	rec = httptest.NewRecorder()
	ReadyHandler()(rec, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, 200, rec.Code)
}
