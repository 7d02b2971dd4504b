// Package pairing implements PairingOrchestrator: fingerprint-keyed
// caching, an ordered primary_ai/secondary_ai/heuristic provider chain
// under hard timeouts, and at-most-one-concurrent-build per fingerprint.
package pairing

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/thijssvd/sommos/internal/domain"
	"github.com/thijssvd/sommos/internal/events"
)

// Options configures an Orchestrator.
type Options struct {
	CacheMaxEntries int
	CacheTTL        time.Duration
	ProviderTimeout time.Duration
	HeuristicBudget time.Duration
}

func (o Options) withDefaults() Options {
	if o.CacheMaxEntries <= 0 {
		o.CacheMaxEntries = 10000
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 15 * time.Minute
	}
	if o.ProviderTimeout <= 0 {
		o.ProviderTimeout = 30 * time.Second
	}
	if o.HeuristicBudget <= 0 {
		o.HeuristicBudget = 1 * time.Second
	}
	return o
}

// Orchestrator implements the PairingOrchestrator contract.
type Orchestrator struct {
	db        *sql.DB
	bus       *events.Bus
	realtime  domain.Publisher
	metrics   domain.MetricsSink
	opts      Options
	cache     *ttlCache
	flights   *flightGroup
	providers []Provider // ordered: primary_ai, secondary_ai (if configured), heuristic
}

// New builds an Orchestrator. providers is the ordered attempt chain;
// callers construct it as [primary_ai?, secondary_ai?, heuristic] per
// which keys are configured.
func New(db *sql.DB, bus *events.Bus, realtime domain.Publisher, metrics domain.MetricsSink, opts Options, providers []Provider) *Orchestrator {
	opts = opts.withDefaults()
	return &Orchestrator{
		db:        db,
		bus:       bus,
		realtime:  realtime,
		metrics:   metrics,
		opts:      opts,
		cache:     newTTLCache(opts.CacheMaxEntries, opts.CacheTTL),
		flights:   newFlightGroup(),
		providers: providers,
	}
}

// Recommend produces an ordered list of wine selections for req. Every
// returned vintage_id is guaranteed to have come from a candidate with
// Available > 0 at the time req.Candidates was built by the caller.
func (o *Orchestrator) Recommend(ctx context.Context, req Request) (Result, error) {
	sig := make([]inventorySignature, 0, len(req.Candidates))
	for _, c := range req.Candidates {
		sig = append(sig, inventorySignature{VintageID: c.VintageID, Available: c.Available})
	}
	sig = topNByAvailable(sig, fingerprintTopN)
	fingerprint, err := fingerprintOf(req.Dish, req.Context, req.Preferences, sig)
	if err != nil {
		return Result{}, domain.NewError(domain.KindInvalidArgument, "failed to fingerprint pairing request", err)
	}

	if cached, ok := o.cache.get(fingerprint); ok {
		o.emitCompleted(fingerprint, cached.Provider, true, len(cached.Selections))
		return cached, nil
	}

	result, err, _ := o.flights.do(fingerprint, func() (Result, error) {
		return o.build(ctx, fingerprint, req)
	})
	return result, err
}

// build attempts each configured provider in order, recording a metrics
// sample per attempt and persisting + caching the first success.
func (o *Orchestrator) build(ctx context.Context, fingerprint string, req Request) (Result, error) {
	for _, p := range o.providers {
		start := time.Now()
		timeout := o.opts.ProviderTimeout
		if p.Name() == domain.ProviderHeuristic {
			timeout = o.opts.HeuristicBudget
		}

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		result, err := p.Recommend(attemptCtx, req)
		cancel()

		elapsed := time.Since(start)
		if err != nil {
			o.record(string(p.Name()), false, elapsed, 0)
			continue
		}

		result.Selections = sanitizeSelections(result.Selections, req.Candidates)
		if len(result.Selections) == 0 && len(req.Candidates) > 0 {
			// Every selection named an unavailable or unknown vintage; the
			// response is as useless as a malformed one, so try the next
			// provider instead of caching an empty result.
			o.record(string(p.Name()), false, elapsed, 0)
			continue
		}

		confidence := avgConfidence(result.Selections)
		o.record(string(p.Name()), true, elapsed, confidence)

		result = sortByConfidenceDescending(result)
		o.cache.set(fingerprint, result)
		o.persist(fingerprint, req, result)
		o.emitCompleted(fingerprint, result.Provider, false, len(result.Selections))
		return result, nil
	}

	return Result{}, domain.NewError(domain.KindPairingFailed, "all pairing providers exhausted", nil)
}

func (o *Orchestrator) record(category string, success bool, elapsed time.Duration, confidence float64) {
	if o.metrics != nil {
		o.metrics.RecordSample(category, success, elapsed.Milliseconds(), confidence)
	}
}

func (o *Orchestrator) emitCompleted(fingerprint string, provider domain.PairingProvider, cacheHit bool, count int) {
	data := events.PairingCompletedData{
		Fingerprint: fingerprint,
		Provider:    string(provider),
		CacheHit:    cacheHit,
		ResultCount: count,
	}
	if o.bus != nil {
		o.bus.Emit("pairing", data)
	}
	if o.realtime != nil {
		o.realtime.Publish("pairing_updates", string(data.EventType()), data)
	}
}

func (o *Orchestrator) persist(fingerprint string, req Request, result Result) {
	ctxJSON, err := json.Marshal(req.Context)
	if err != nil {
		return
	}
	selectionsJSON, err := json.Marshal(result.Selections)
	if err != nil {
		return
	}

	_, _ = o.db.Exec(
		`INSERT INTO pairing_recommendations (fingerprint, dish, context, wine_selections, provider, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		fingerprint, req.Dish, string(ctxJSON), string(selectionsJSON), string(result.Provider), time.Now().Unix(),
	)
}

// RecordFeedback stores a PairingFeedback row for an existing recommendation.
func (o *Orchestrator) RecordFeedback(recommendationID int64, fb domain.PairingFeedback) error {
	_, err := o.db.Exec(
		`INSERT INTO pairing_feedback
		 (recommendation_id, overall, flavor_harmony, texture_balance, acidity_match, tannin_balance, body_match, regional_tradition, selected, time_to_select_ms, notes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		recommendationID, fb.Overall, fb.FlavorHarmony, fb.TextureBalance, fb.AcidityMatch,
		fb.TanninBalance, fb.BodyMatch, fb.RegionalTradition, fb.Selected, fb.TimeToSelectMs, fb.Notes,
	)
	if err != nil {
		return domain.NewError(domain.KindStorage, "failed to record pairing feedback", err)
	}
	return nil
}

// sanitizeSelections drops any selection naming a vintage that is not an
// available candidate, and clamps confidences into [0, 1]. The heuristic
// provider only ever selects from the candidate set, but the AI providers
// return whatever the external endpoint sent — the orchestrator must not
// invent availability, so selections are intersected against the pool the
// caller confirmed had available > 0.
func sanitizeSelections(selections []domain.WineSelection, candidates []CandidateWine) []domain.WineSelection {
	available := make(map[int64]bool, len(candidates))
	for _, c := range candidates {
		if c.Available > 0 {
			available[c.VintageID] = true
		}
	}

	out := make([]domain.WineSelection, 0, len(selections))
	for _, s := range selections {
		if !available[s.VintageID] {
			continue
		}
		if s.Confidence < 0 {
			s.Confidence = 0
		}
		if s.Confidence > 1 {
			s.Confidence = 1
		}
		out = append(out, s)
	}
	return out
}

func avgConfidence(selections []domain.WineSelection) float64 {
	if len(selections) == 0 {
		return 0
	}
	var total float64
	for _, s := range selections {
		total += s.Confidence
	}
	return total / float64(len(selections))
}

func sortByConfidenceDescending(result Result) Result {
	selections := make([]domain.WineSelection, len(result.Selections))
	copy(selections, result.Selections)
	for i := 1; i < len(selections); i++ {
		for j := i; j > 0 && selections[j].Confidence > selections[j-1].Confidence; j-- {
			selections[j], selections[j-1] = selections[j-1], selections[j]
		}
	}
	result.Selections = selections
	return result
}
