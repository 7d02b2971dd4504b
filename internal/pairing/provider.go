package pairing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/thijssvd/sommos/internal/domain"
)

// CandidateWine is one inventory item the orchestrator offers a provider
// to choose among; Available must already reflect available > 0 at
// request time (the orchestrator never offers a provider a candidate it
// wouldn't be able to honor).
type CandidateWine struct {
	VintageID    int64           `json:"vintage_id"`
	WineType     domain.WineType `json:"wine_type"`
	Region       string          `json:"region"`
	Style        string          `json:"style"`
	TastingNotes string          `json:"tasting_notes"`
	FoodPairings []string        `json:"food_pairings"`
	QualityScore float64         `json:"quality_score"`
	Available    int             `json:"available"`
}

// Request is one pairing request, already resolved to a concrete
// candidate set by the caller (the server layer reads current stock).
type Request struct {
	Dish               string          `json:"dish"`
	Context            Context         `json:"context"`
	Preferences        string          `json:"preferences"`
	MaxRecommendations int             `json:"max_recommendations"`
	IncludeReasoning   bool            `json:"include_reasoning"`
	Candidates         []CandidateWine `json:"candidates"`
}

// Result is a provider's (or the cache's) output.
type Result struct {
	Selections []domain.WineSelection `json:"wine_selections"`
	Provider   domain.PairingProvider `json:"provider"`
}

// Provider produces pairing selections for a Request.
type Provider interface {
	Name() domain.PairingProvider
	Recommend(ctx context.Context, req Request) (Result, error)
}

// aiResponse is the expected shape of a provider's HTTP JSON body.
type aiResponse struct {
	Selections []domain.WineSelection `json:"wine_selections"`
}

// AIProvider calls an external AI pairing endpoint over HTTP with a plain
// marshal-request/decode-response round trip. It backs both primary_ai and
// secondary_ai — which one is which is just a matter of which base URL and
// key the orchestrator constructs it with.
type AIProvider struct {
	name       domain.PairingProvider
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewAIProvider builds an AIProvider with a hard request timeout.
func NewAIProvider(name domain.PairingProvider, baseURL, apiKey string, timeout time.Duration) *AIProvider {
	return &AIProvider{
		name:       name,
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Name implements Provider.
func (p *AIProvider) Name() domain.PairingProvider { return p.name }

// Recommend implements Provider by POSTing req as JSON and decoding the
// response into selections.
func (p *AIProvider) Recommend(ctx context.Context, req Request) (Result, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return Result{}, domain.NewError(domain.KindInvalidArgument, "failed to encode pairing request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL, bytes.NewReader(body))
	if err != nil {
		return Result{}, domain.NewError(domain.KindInvalidArgument, "failed to build provider request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return Result{}, domain.NewError(domain.KindProviderTimeout, fmt.Sprintf("%s timed out", p.name), err)
		}
		return Result{}, domain.NewError(domain.KindProviderError, fmt.Sprintf("%s request failed", p.name), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return Result{}, domain.NewError(domain.KindProviderError, fmt.Sprintf("%s returned status %d", p.name, resp.StatusCode), nil)
	}

	var parsed aiResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return Result{}, domain.NewError(domain.KindProviderError, fmt.Sprintf("%s returned malformed response", p.name), err)
	}

	return Result{Selections: parsed.Selections, Provider: p.name}, nil
}
