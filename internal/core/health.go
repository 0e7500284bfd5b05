package core

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/e7canasta/beatlamp/internal/dispatch"
	"github.com/e7canasta/beatlamp/internal/eventstore"
	"github.com/e7canasta/beatlamp/internal/messaging"
)

// HealthStatus represents the health state of the service
type HealthStatus struct {
	Status        string           `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64            `json:"uptime_seconds"`
	MQTTConnected bool             `json:"mqtt_connected"`
	Connection    string           `json:"connection"`
	WSClients     int              `json:"ws_clients"`
	MQTT          messaging.Stats  `json:"mqtt"`
	Store         eventstore.Stats `json:"store"`
	Dispatch      dispatch.Stats   `json:"dispatch"`
}

// HealthCheck returns the current health status. It reads only counters and
// atomics, so it never waits on the UI goroutine.
func (a *App) HealthCheck() HealthStatus {
	a.mu.RLock()
	running := a.isRunning
	started := a.started
	a.mu.RUnlock()

	status := HealthStatus{
		Status:        "healthy",
		MQTTConnected: a.mqtt.IsConnected(),
		Connection:    a.mqtt.State().String(),
		WSClients:     a.hub.ClientCount(),
		MQTT:          a.mqtt.Stats(),
		Store:         a.store.Stats(),
		Dispatch:      a.queue.Stats(),
	}
	if running {
		status.UptimeSeconds = int64(time.Since(started).Seconds())
	}

	if !running {
		status.Status = "unhealthy"
	} else if !status.MQTTConnected || status.Store.Failed > 0 {
		status.Status = "degraded"
	}
	return status
}

// LivenessHandler handles /health (simple liveness check)
func (a *App) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	a.mu.RLock()
	started := a.started
	a.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "alive",
		"uptime": int64(time.Since(started).Seconds()),
	})
}

// ReadinessHandler handles /readiness. Degraded is still ready.
func (a *App) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := a.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
