package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"pandapi-streams/internal/broadcast"
)

// Health returns basic health check
func Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"status": "ok",
	})
}

// HealthCheckResult represents the result of a health check
type HealthCheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Pinger is a store that can report whether its backend answers
type Pinger interface {
	Ping(ctx context.Context) error
}

// ClosedChecker is a broadcast transport that knows whether its
// connection dropped
type ClosedChecker interface {
	IsClosed() bool
}

// Ready returns readiness of the store and the broadcast transport.
// transport may be nil when cross-context delivery is disabled.
func Ready(store Pinger, transport broadcast.Transport) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		storeResult := make(chan HealthCheckResult, 1)
		go func() {
			storeResult <- checkStore(ctx, store)
		}()
		transportCheck := checkTransport(transport)
		storeCheck := <-storeResult

		response := map[string]interface{}{
			"timestamp": time.Now().Format(time.RFC3339),
			"checks": map[string]HealthCheckResult{
				"store":     storeCheck,
				"broadcast": transportCheck,
			},
		}

		status := http.StatusOK
		response["status"] = "ready"
		if storeCheck.Status != "up" || transportCheck.Status == "down" {
			status = http.StatusServiceUnavailable
			response["status"] = "not_ready"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(response)
	}
}

func checkStore(ctx context.Context, store Pinger) HealthCheckResult {
	start := time.Now()
	err := store.Ping(ctx)
	latency := time.Since(start)

	if err != nil {
		return HealthCheckResult{
			Status:    "down",
			LatencyMs: latency.Milliseconds(),
			Error:     err.Error(),
		}
	}
	return HealthCheckResult{Status: "up", LatencyMs: latency.Milliseconds()}
}

// checkTransport reports "disabled" without a transport. Transports that
// cannot tell whether they are connected count as up.
func checkTransport(transport broadcast.Transport) HealthCheckResult {
	if transport == nil {
		return HealthCheckResult{Status: "disabled"}
	}
	if c, ok := transport.(ClosedChecker); ok && c.IsClosed() {
		return HealthCheckResult{Status: "down", Error: "connection closed"}
	}
	return HealthCheckResult{Status: "up"}
}
