package app

import (
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/helm-home/bridge/internal"
)

// StatusSource reports the connectivity facts the health endpoints expose.
type StatusSource interface {
	HubConnected() bool
	CloudConnected() bool
	Paired() bool
}

// HealthManager manages the health status of the bridge. The hub link is the
// readiness criterion: a bridge that cannot reach the hub serves nothing.
type HealthManager struct {
	healthy int64 // Use atomic for thread-safe access
	hub     int64
	cloud   int64
	paired  int64
}

// NewHealthManager creates a new health manager
func NewHealthManager() *HealthManager {
	return &HealthManager{healthy: 0}
}

// UpdateHealthStatus samples the status source and updates metrics
func (h *HealthManager) UpdateHealthStatus(source StatusSource) {
	var healthStatus int64 = 1
	if !source.HubConnected() {
		healthStatus = 0
	}

	atomic.StoreInt64(&h.healthy, healthStatus)
	storeBool(&h.hub, source.HubConnected())
	storeBool(&h.cloud, source.CloudConnected())
	storeBool(&h.paired, source.Paired())

	HealthMetric.Set(float64(healthStatus))
	ReadyMetric.Set(float64(healthStatus))
	PairedMetric.Set(float64(atomic.LoadInt64(&h.paired)))
}

func storeBool(addr *int64, v bool) {
	if v {
		atomic.StoreInt64(addr, 1)
	} else {
		atomic.StoreInt64(addr, 0)
	}
}

// StartHealthMonitoring starts a background goroutine to monitor health
func (h *HealthManager) StartHealthMonitoring(source StatusSource, stop <-chan struct{}) {
	// Initial health check
	h.UpdateHealthStatus(source)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.UpdateHealthStatus(source)
		case <-stop:
			return
		}
	}
}

// HealthHandler returns HTTP handler for health endpoints
func (h *HealthManager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Build-Commit", internal.BridgeVersionRevision)

	healthy := atomic.LoadInt64(&h.healthy)
	status := "ok"
	if healthy == 0 {
		status = "unhealthy"
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	body := fmt.Sprintf(`{"status":"%s","hubConnected":%t,"cloudConnected":%t,"paired":%t}`,
		status,
		atomic.LoadInt64(&h.hub) == 1,
		atomic.LoadInt64(&h.cloud) == 1,
		atomic.LoadInt64(&h.paired) == 1)
	_, err := fmt.Fprintf(w, "%s\n", body)
	if err != nil {
		log.Errorf("health response write error: %v", err)
	}
}

// VersionHandler returns HTTP handler for version endpoint
func VersionHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Build-Commit", internal.BridgeVersionRevision)

	w.WriteHeader(http.StatusOK)
	response := fmt.Sprintf(`{"version":"%s"}`, internal.BridgeVersionRevision)
	_, err := fmt.Fprintf(w, "%s", response+"\n")
	if err != nil {
		log.Errorf("version response write error: %v", err)
	}
}
