package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/thijssvd/sommos/internal/domain"
)

type experimentAssignRequest struct {
	SubjectID string `json:"subject_id"`
}

// handleExperimentAssign assigns (or reuses) a sticky variant for
// {experiment, subject_id}. Routes under /api/experiment are only
// registered when an Allocator is configured.
func (s *Server) handleExperimentAssign(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req experimentAssignRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.SubjectID == "" {
		s.writeError(w, domain.NewError(domain.KindInvalidArgument, "subject_id is required", nil))
		return
	}

	variant, err := s.allocator.Assign(name, req.SubjectID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"experiment": name, "variant": variant})
}

type experimentOutcomeRequest struct {
	SubjectID string `json:"subject_id"`
	Variant   string `json:"variant"`
	Outcome   string `json:"outcome"`
}

func (s *Server) handleExperimentOutcome(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var req experimentOutcomeRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.SubjectID == "" || req.Variant == "" || req.Outcome == "" {
		s.writeError(w, domain.NewError(domain.KindInvalidArgument, "subject_id, variant and outcome are required", nil))
		return
	}

	if err := s.allocator.RecordOutcome(name, req.SubjectID, req.Variant, req.Outcome); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"recorded": true})
}
