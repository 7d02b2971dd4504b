package pairing_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thijssvd/sommos/internal/domain"
	"github.com/thijssvd/sommos/internal/events"
	"github.com/thijssvd/sommos/internal/pairing"
	sommostesting "github.com/thijssvd/sommos/internal/testing"
)

func candidates() []pairing.CandidateWine {
	return []pairing.CandidateWine{
		{VintageID: 1, WineType: domain.WineTypeRed, Region: "Bordeaux", QualityScore: 90, Available: 5},
		{VintageID: 2, WineType: domain.WineTypeWhite, Region: "Chablis", QualityScore: 85, Available: 3},
		{VintageID: 3, WineType: domain.WineTypeRed, Region: "Rioja", QualityScore: 70, Available: 0},
	}
}

func baseRequest() pairing.Request {
	return pairing.Request{
		Dish:               "grilled beef with cheese",
		Context:            pairing.Context{Occasion: "dinner", GuestCount: 4, Season: "summer"},
		Preferences:        "bold reds preferred",
		MaxRecommendations: 3,
		IncludeReasoning:   true,
		Candidates:         candidates(),
	}
}

func TestOrchestrator_HeuristicFallbackExcludesZeroAvailability(t *testing.T) {
	db, cleanup := sommostesting.NewTestDB(t)
	defer cleanup()

	o := pairing.New(db.Conn(), events.NewBus(), nil, nil, pairing.Options{}, []pairing.Provider{
		pairing.NewHeuristicProvider(),
	})

	result, err := o.Recommend(context.Background(), baseRequest())
	require.NoError(t, err)
	require.NotEmpty(t, result.Selections)

	for _, s := range result.Selections {
		require.NotEqual(t, int64(3), s.VintageID, "vintage with zero availability must never be recommended")
		require.GreaterOrEqual(t, s.Confidence, 0.0)
		require.LessOrEqual(t, s.Confidence, 1.0)
	}
}

func TestOrchestrator_ResultsSortedByConfidenceDescending(t *testing.T) {
	db, cleanup := sommostesting.NewTestDB(t)
	defer cleanup()

	o := pairing.New(db.Conn(), events.NewBus(), nil, nil, pairing.Options{}, []pairing.Provider{
		pairing.NewHeuristicProvider(),
	})

	result, err := o.Recommend(context.Background(), baseRequest())
	require.NoError(t, err)

	for i := 1; i < len(result.Selections); i++ {
		require.GreaterOrEqual(t, result.Selections[i-1].Confidence, result.Selections[i].Confidence)
	}
}

func TestOrchestrator_IdenticalRequestsProduceCacheHitOnSecondCall(t *testing.T) {
	db, cleanup := sommostesting.NewTestDB(t)
	defer cleanup()

	var calls int32
	counting := countingProvider{inner: pairing.NewHeuristicProvider(), calls: &calls}

	o := pairing.New(db.Conn(), events.NewBus(), nil, nil, pairing.Options{}, []pairing.Provider{counting})

	req := baseRequest()
	_, err := o.Recommend(context.Background(), req)
	require.NoError(t, err)
	_, err = o.Recommend(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, int32(1), atomic.LoadInt32(&calls), "second identical request should be served from cache")
}

func TestOrchestrator_SingleFlightDedupesConcurrentIdenticalRequests(t *testing.T) {
	db, cleanup := sommostesting.NewTestDB(t)
	defer cleanup()

	var calls int32
	blocking := blockingProvider{calls: &calls, release: make(chan struct{})}

	o := pairing.New(db.Conn(), events.NewBus(), nil, nil, pairing.Options{}, []pairing.Provider{blocking})

	var wg sync.WaitGroup
	n := 5
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _ = o.Recommend(context.Background(), baseRequest())
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(blocking.release)
	wg.Wait()

	require.Equal(t, int32(1), atomic.LoadInt32(&calls), "concurrent identical requests must share one provider call")
}

func TestOrchestrator_SanitizesProviderSelectionsAgainstCandidates(t *testing.T) {
	db, cleanup := sommostesting.NewTestDB(t)
	defer cleanup()

	// A misbehaving AI endpoint: names a vintage that was never offered,
	// one with zero availability, and confidences outside [0, 1].
	rogue := staticProvider{
		name: domain.ProviderPrimaryAI,
		selections: []domain.WineSelection{
			{VintageID: 999, Confidence: 0.9, Reasoning: "hallucinated bottle"},
			{VintageID: 3, Confidence: 0.8, Reasoning: "zero availability"},
			{VintageID: 1, Confidence: 1.5, Reasoning: "overconfident"},
			{VintageID: 2, Confidence: -0.2, Reasoning: "underconfident"},
		},
	}

	o := pairing.New(db.Conn(), events.NewBus(), nil, nil, pairing.Options{}, []pairing.Provider{rogue})

	result, err := o.Recommend(context.Background(), baseRequest())
	require.NoError(t, err)
	require.Len(t, result.Selections, 2, "only selections naming available candidates may survive")

	for _, s := range result.Selections {
		require.Contains(t, []int64{1, 2}, s.VintageID)
		require.GreaterOrEqual(t, s.Confidence, 0.0)
		require.LessOrEqual(t, s.Confidence, 1.0)
	}
}

func TestOrchestrator_FallsThroughToHeuristicWhenPrimaryFails(t *testing.T) {
	db, cleanup := sommostesting.NewTestDB(t)
	defer cleanup()

	o := pairing.New(db.Conn(), events.NewBus(), nil, nil, pairing.Options{}, []pairing.Provider{
		failingProvider{name: domain.ProviderPrimaryAI},
		pairing.NewHeuristicProvider(),
	})

	result, err := o.Recommend(context.Background(), baseRequest())
	require.NoError(t, err)
	require.Equal(t, domain.ProviderHeuristic, result.Provider)
}

func TestOrchestrator_AllProvidersFailingSurfacesPairingFailed(t *testing.T) {
	db, cleanup := sommostesting.NewTestDB(t)
	defer cleanup()

	o := pairing.New(db.Conn(), events.NewBus(), nil, nil, pairing.Options{}, []pairing.Provider{
		failingProvider{name: domain.ProviderPrimaryAI},
		failingProvider{name: domain.ProviderSecondaryAI},
	})

	_, err := o.Recommend(context.Background(), baseRequest())
	require.Error(t, err)
	require.Equal(t, domain.KindPairingFailed, domain.KindOf(err))
}

type countingProvider struct {
	inner pairing.Provider
	calls *int32
}

func (c countingProvider) Name() domain.PairingProvider { return c.inner.Name() }

func (c countingProvider) Recommend(ctx context.Context, req pairing.Request) (pairing.Result, error) {
	atomic.AddInt32(c.calls, 1)
	return c.inner.Recommend(ctx, req)
}

type blockingProvider struct {
	calls   *int32
	release chan struct{}
}

func (blockingProvider) Name() domain.PairingProvider { return domain.ProviderHeuristic }

func (b blockingProvider) Recommend(ctx context.Context, req pairing.Request) (pairing.Result, error) {
	atomic.AddInt32(b.calls, 1)
	<-b.release
	return pairing.NewHeuristicProvider().Recommend(ctx, req)
}

type staticProvider struct {
	name       domain.PairingProvider
	selections []domain.WineSelection
}

func (s staticProvider) Name() domain.PairingProvider { return s.name }

func (s staticProvider) Recommend(ctx context.Context, req pairing.Request) (pairing.Result, error) {
	return pairing.Result{Selections: s.selections, Provider: s.name}, nil
}

type failingProvider struct {
	name domain.PairingProvider
}

func (f failingProvider) Name() domain.PairingProvider { return f.name }

func (f failingProvider) Recommend(ctx context.Context, req pairing.Request) (pairing.Result, error) {
	return pairing.Result{}, domain.NewError(domain.KindProviderError, "simulated provider failure", nil)
}
