package server

import (
	"encoding/json"
	"net/http"

	"github.com/thijssvd/sommos/internal/domain"
	"github.com/thijssvd/sommos/internal/sync"
)

// syncOperationRequest is one element of POST /api/sync/apply's
// operations array.
type syncOperationRequest struct {
	OpID      string          `json:"op_id"`
	UpdatedAt int64           `json:"updated_at"`
	UpdatedBy string          `json:"updated_by"`
	Origin    string          `json:"origin"`
	Kind      sync.OpKind     `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

type syncApplyRequest struct {
	Operations []syncOperationRequest `json:"operations"`
}

// handleSyncApply applies a batch of client-originated mutations. Each
// operation is its own transaction; a rejected op never blocks the rest
// of the batch, so the response is always 200 with a per-op outcome list
// even when individual operations report inventory_conflict.
func (s *Server) handleSyncApply(w http.ResponseWriter, r *http.Request) {
	var req syncApplyRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if len(req.Operations) == 0 {
		s.writeError(w, domain.NewError(domain.KindInvalidArgument, "operations must not be empty", nil))
		return
	}

	ops := make([]sync.Operation, 0, len(req.Operations))
	for _, o := range req.Operations {
		ops = append(ops, sync.Operation{
			Envelope: sync.Envelope{
				OpID:      o.OpID,
				UpdatedAt: o.UpdatedAt,
				UpdatedBy: o.UpdatedBy,
				Origin:    o.Origin,
			},
			Kind:    o.Kind,
			Payload: o.Payload,
		})
	}

	outcomes := s.reconciler.ApplyBatch(ops)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"outcomes": outcomes})
}
