package handlers

import (
	"net/http"

	"github.com/parcelworks/server/internal/jobs"
	"github.com/rs/zerolog"
)

// MonitorHandler exposes the job-health sweep for operators; the same sweep
// also runs on the periodic schedule.
type MonitorHandler struct {
	monitor *jobs.Monitor
	logger  zerolog.Logger
}

func NewMonitorHandler(monitor *jobs.Monitor, logger zerolog.Logger) *MonitorHandler {
	return &MonitorHandler{monitor: monitor, logger: logger}
}

// Sweep handles POST /api/v1/monitor/sweep. Always returns 200 with the
// sweep summary; per-check failures are reported in the body.
func (h *MonitorHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	result := h.monitor.Sweep(r.Context())
	writeJSON(w, http.StatusOK, result)
}
