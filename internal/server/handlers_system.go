package server

import (
	"net/http"

	"github.com/thijssvd/sommos/internal/domain"
)

// handleReady is the readiness probe: unlike handleHealth, a database
// outage fails the check outright rather than reporting "degraded", so
// a process supervisor stops routing traffic to this instance.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		s.writeError(w, domain.NewError(domain.KindStorage, "database not ready", err))
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}

// handleHealth is the unauthenticated liveness probe: a bare ping against
// the database, no MetricsTracker detail. Used by load balancers and the
// deployment collaborator's readiness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.db.PingContext(r.Context()); err != nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "degraded", "database": "unreachable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok"})
}

// handleSystemHealth aggregates MetricsTracker's category summaries with
// the realtime connection count and a database check. Each section is
// independent so a subsystem outage degrades its own section rather than
// failing the whole response.
func (s *Server) handleSystemHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{}

	if err := s.db.PingContext(r.Context()); err != nil {
		resp["database"] = map[string]interface{}{"status": "unreachable", "error": err.Error()}
	} else {
		resp["database"] = map[string]interface{}{"status": "ok"}
	}

	if s.metrics != nil {
		resp["metrics"] = s.metrics.Summary()
	}

	if s.hub != nil {
		resp["realtime"] = map[string]interface{}{"connections": s.hub.Count()}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// handleSystemMetrics returns MetricsTracker's Summary on its own:
// per-category rolling-window stats, confidence histograms, and host
// CPU/RAM. handleSystemHealth embeds the same Summary alongside the
// database check and the realtime connection count.
func (s *Server) handleSystemMetrics(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{})
		return
	}
	s.writeJSON(w, http.StatusOK, s.metrics.Summary())
}

// handleBackupStatus reports the most recent opportunistic backup, or an
// explicit disabled state when no backup service is configured.
func (s *Server) handleBackupStatus(w http.ResponseWriter, r *http.Request) {
	if s.backup == nil {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
		return
	}

	backups, err := s.backup.List(r.Context())
	if err != nil {
		s.writeError(w, domain.NewError(domain.KindStorage, "failed to list backups", err))
		return
	}
	if len(backups) == 0 {
		s.writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": true, "last_backup": nil})
		return
	}

	latest := backups[0]
	for _, b := range backups[1:] {
		if b.Timestamp.After(latest.Timestamp) {
			latest = b
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled": true,
		"last_backup": map[string]interface{}{
			"key":        latest.Key,
			"timestamp":  latest.Timestamp,
			"age_hours":  latest.AgeHours,
			"size_bytes": latest.SizeBytes,
		},
	})
}
