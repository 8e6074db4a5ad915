package server

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"keydrop/internal/blob"
)

// HealthStatus represents the overall health of the system
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusDegraded  HealthStatus = "degraded"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// ComponentStatus represents the health of an individual component
type ComponentStatus string

const (
	ComponentStatusUp       ComponentStatus = "up"
	ComponentStatusDown     ComponentStatus = "down"
	ComponentStatusDegraded ComponentStatus = "degraded"
)

// Health represents the complete health check response
type Health struct {
	Status     HealthStatus               `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version,omitempty"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth represents the health of a single system component
type ComponentHealth struct {
	Status    ComponentStatus `json:"status"`
	Message   string          `json:"message,omitempty"`
	LatencyMs float64         `json:"latency_ms,omitempty"`
	Details   any             `json:"details,omitempty"`
}

// breakerReporter is implemented by blob stores guarded by a circuit breaker.
type breakerReporter interface {
	Breaker() *blob.CircuitBreaker
}

// HandleHealth reports every component. Degraded still answers 200.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.checkHealth(r.Context())

	statusCode := http.StatusOK
	if health.Status == HealthStatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

// HandleReady answers 200 once the metadata store responds.
func (s *Server) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.cfg.Metadata.Ping(ctx); err != nil {
		logger.Warningf("readiness: metadata store unavailable: %v", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":  "not_ready",
			"message": "database unavailable",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": s.cfg.Clock.Now().UTC().Format(time.RFC3339),
	})
}

// HandleLive answers as long as the process serves requests.
func (s *Server) HandleLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

type statusResponse struct {
	Message  string  `json:"message"`
	Uptime   float64 `json:"uptime"`
	Platform string  `json:"platform"`
	CPUCount int     `json:"cpuCount"`
	Version  string  `json:"version"`
	Commit   string  `json:"commit"`
}

// handleStatus serves GET /.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Message:  "Server is running",
		Uptime:   s.cfg.Clock.Now().Sub(s.started).Seconds(),
		Platform: runtime.GOOS,
		CPUCount: runtime.NumCPU(),
		Version:  s.cfg.Build.Version,
		Commit:   s.cfg.Build.Commit,
	})
}

func (s *Server) checkHealth(ctx context.Context) Health {
	health := Health{
		Timestamp: s.cfg.Clock.Now().UTC(),
		Version:   s.cfg.Build.Version,
		Components: map[string]ComponentHealth{
			"database": s.checkDatabaseHealth(ctx),
			"blob":     s.checkBlobHealth(ctx),
		},
	}
	health.Status = determineOverallHealth(health.Components)
	return health
}

// checkDatabaseHealth pings the metadata store and counts its records.
func (s *Server) checkDatabaseHealth(ctx context.Context) ComponentHealth {
	start := s.cfg.Clock.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.cfg.Metadata.Ping(ctx); err != nil {
		logger.Warningf("health: database ping: %v", err)
		return ComponentHealth{
			Status:  ComponentStatusDown,
			Message: "database ping failed",
		}
	}

	counts, err := s.cfg.Metadata.Counts(ctx)
	if err != nil {
		logger.Warningf("health: database counts: %v", err)
		return ComponentHealth{
			Status:  ComponentStatusDegraded,
			Message: "database query failed",
		}
	}

	latency := s.cfg.Clock.Now().Sub(start).Milliseconds()

	status := ComponentStatusUp
	message := "database healthy"
	if latency > 1000 {
		status = ComponentStatusDegraded
		message = "database latency high"
	}

	return ComponentHealth{
		Status:    status,
		Message:   message,
		LatencyMs: float64(latency),
		Details: map[string]int64{
			"owners": counts.Owners,
			"files":  counts.Files,
		},
	}
}

// checkBlobHealth pings the blob backend and reports its breaker, if any.
func (s *Server) checkBlobHealth(ctx context.Context) ComponentHealth {
	start := s.cfg.Clock.Now()
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var details any
	breakerOpen := false
	if br, ok := s.cfg.Blobs.(breakerReporter); ok {
		stats := br.Breaker().Stats()
		details = stats
		breakerOpen = br.Breaker().State() != blob.StateClosed
	}

	if err := s.cfg.Blobs.Ping(ctx); err != nil {
		logger.Warningf("health: blob ping: %v", err)
		return ComponentHealth{
			Status:  ComponentStatusDown,
			Message: "blob storage unavailable",
			Details: details,
		}
	}

	latency := s.cfg.Clock.Now().Sub(start).Milliseconds()

	status := ComponentStatusUp
	message := "blob storage healthy"
	switch {
	case breakerOpen:
		status = ComponentStatusDegraded
		message = "blob storage circuit breaker not closed"
	case latency > 2000:
		status = ComponentStatusDegraded
		message = "blob storage latency high"
	}

	return ComponentHealth{
		Status:    status,
		Message:   message,
		LatencyMs: float64(latency),
		Details:   details,
	}
}

// determineOverallHealth calculates overall health from component statuses
func determineOverallHealth(components map[string]ComponentHealth) HealthStatus {
	var downCount, degradedCount int

	for _, component := range components {
		switch component.Status {
		case ComponentStatusDown:
			downCount++
		case ComponentStatusDegraded:
			degradedCount++
		}
	}

	if downCount > 0 {
		return HealthStatusUnhealthy
	}
	if degradedCount > 0 {
		return HealthStatusDegraded
	}
	return HealthStatusHealthy
}
