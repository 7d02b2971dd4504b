package server

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/thijssvd/sommos/internal/domain"
	"github.com/thijssvd/sommos/internal/pairing"
)

// candidatePoolSize bounds how many available stock rows are offered to
// the provider chain. The orchestrator trims this down to the top 10 by
// bottle count itself before folding candidates into a fingerprint's
// inventory signature; the larger pool here just gives providers more
// to choose from.
const candidatePoolSize = 50

type pairingOptionsRequest struct {
	MaxRecommendations int  `json:"max_recommendations"`
	IncludeReasoning   bool `json:"include_reasoning"`
}

type pairingRecommendRequest struct {
	Dish        string                `json:"dish"`
	Context     pairing.Context       `json:"context"`
	Preferences string                `json:"preferences"`
	Options     pairingOptionsRequest `json:"options"`
}

// handlePairingRecommend resolves the current available-stock candidate
// pool itself (the orchestrator never queries storage) and delegates to
// PairingOrchestrator, so every returned vintage_id is guaranteed to have
// come from a candidate this handler just confirmed has available > 0.
func (s *Server) handlePairingRecommend(w http.ResponseWriter, r *http.Request) {
	var req pairingRecommendRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Dish == "" {
		s.writeError(w, domain.NewError(domain.KindInvalidArgument, "dish is required", nil))
		return
	}

	candidates, err := s.loadCandidates(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	maxRecs := req.Options.MaxRecommendations
	if maxRecs <= 0 {
		maxRecs = 5
	}

	result, err := s.pairing.Recommend(r.Context(), pairing.Request{
		Dish:               req.Dish,
		Context:            req.Context,
		Preferences:        req.Preferences,
		MaxRecommendations: maxRecs,
		IncludeReasoning:   req.Options.IncludeReasoning,
		Candidates:         candidates,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}

	selections := result.Selections
	if len(selections) > maxRecs {
		selections = selections[:maxRecs]
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"provider":        result.Provider,
		"wine_selections": selections,
	})
}

// loadCandidates reads the current available-stock pool, joined with the
// wine/vintage attributes the provider chain scores against.
func (s *Server) loadCandidates(ctx context.Context) ([]pairing.CandidateWine, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT s.vintage_id, w.wine_type, w.region, w.style, w.tasting_notes, w.food_pairings,
		        v.quality_score, (s.quantity - s.reserved_quantity) AS available
		 FROM stock s
		 JOIN vintages v ON v.id = s.vintage_id
		 JOIN wines w ON w.id = v.wine_id
		 WHERE (s.quantity - s.reserved_quantity) > 0
		 ORDER BY available DESC
		 LIMIT ?`, candidatePoolSize,
	)
	if err != nil {
		return nil, domain.NewError(domain.KindStorage, "failed to load pairing candidates", err)
	}
	defer rows.Close()

	var out []pairing.CandidateWine
	for rows.Next() {
		var c pairing.CandidateWine
		var wineType, foodPairingsJSON string
		if err := rows.Scan(&c.VintageID, &wineType, &c.Region, &c.Style, &c.TastingNotes, &foodPairingsJSON,
			&c.QualityScore, &c.Available); err != nil {
			return nil, domain.NewError(domain.KindStorage, "failed to scan pairing candidate", err)
		}
		c.WineType = domain.WineType(wineType)
		c.FoodPairings = decodeStringList(foodPairingsJSON)
		out = append(out, c)
	}
	return out, nil
}

// decodeStringList decodes a JSON-encoded []string column, tolerating an
// empty or malformed value by returning nil rather than failing the read.
func decodeStringList(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

type pairingFeedbackRequest struct {
	RecommendationID  int64  `json:"recommendation_id"`
	Overall           *int   `json:"overall,omitempty"`
	FlavorHarmony     *int   `json:"flavor_harmony,omitempty"`
	TextureBalance    *int   `json:"texture_balance,omitempty"`
	AcidityMatch      *int   `json:"acidity_match,omitempty"`
	TanninBalance     *int   `json:"tannin_balance,omitempty"`
	BodyMatch         *int   `json:"body_match,omitempty"`
	RegionalTradition *int   `json:"regional_tradition,omitempty"`
	Selected          bool   `json:"selected"`
	TimeToSelectMs    int64  `json:"time_to_select_ms"`
	Notes             string `json:"notes"`
}

func (s *Server) handlePairingFeedback(w http.ResponseWriter, r *http.Request) {
	var req pairingFeedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.RecommendationID <= 0 {
		s.writeError(w, domain.NewError(domain.KindInvalidArgument, "recommendation_id is required", nil))
		return
	}

	err := s.pairing.RecordFeedback(req.RecommendationID, domain.PairingFeedback{
		RecommendationID:  req.RecommendationID,
		Overall:           req.Overall,
		FlavorHarmony:     req.FlavorHarmony,
		TextureBalance:    req.TextureBalance,
		AcidityMatch:      req.AcidityMatch,
		TanninBalance:     req.TanninBalance,
		BodyMatch:         req.BodyMatch,
		RegionalTradition: req.RegionalTradition,
		Selected:          req.Selected,
		TimeToSelectMs:    req.TimeToSelectMs,
		Notes:             req.Notes,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]interface{}{"recorded": true})
}
