package api

import (
	"context"
	"net/http"
	"time"
)

// Pinger is a dependency that can report liveness. *database.DB and
// *redisclient.Client both satisfy it.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// HealthResponse is returned by /api/v1/health.
type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

// HealthHandler answers liveness checks with per-dependency detail.
type HealthHandler struct {
	db        Pinger
	redis     Pinger
	version   string
	startTime time.Time
}

func NewHealthHandler(db, redis Pinger, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{db: db, redis: redis, version: version, startTime: startTime}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:        "healthy",
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        make(map[string]string),
	}

	check := func(name string, p Pinger) {
		if p == nil {
			resp.Checks[name] = "not configured"
			return
		}
		if err := p.HealthCheck(ctx); err != nil {
			resp.Checks[name] = "unhealthy: " + err.Error()
			resp.Status = "unhealthy"
			return
		}
		resp.Checks[name] = "healthy"
	}

	check("database", h.db)
	check("redis", h.redis)

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, resp)
}
