package weather_test

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/thijssvd/sommos/internal/clientdata"
	sommostesting "github.com/thijssvd/sommos/internal/testing"
	"github.com/thijssvd/sommos/internal/weather"
)

func newEnricher(t *testing.T) (*weather.Enricher, func()) {
	t.Helper()
	db, cleanup := sommostesting.NewTestDB(t)
	repo := clientdata.NewRepository(db.Conn())
	e := weather.New(db.Conn(), repo, nil, nil, weather.Options{ExternalCallsDisabled: true}, zerolog.Nop())
	return e, cleanup
}

func TestEnricher_ExternalCallsDisabledProducesLowConfidenceFallback(t *testing.T) {
	e, cleanup := newEnricher(t)
	defer cleanup()

	wv, err := e.EnrichRegionYear(context.Background(), "Unrecognized Region", "Nowhereland", 2020)
	require.NoError(t, err)
	require.Less(t, wv.Confidence, 0.8, "fallback entries must remain recomputable")
}

func TestEnricher_BuiltInRegionResolvesWithoutNetwork(t *testing.T) {
	e, cleanup := newEnricher(t)
	defer cleanup()

	wv, err := e.EnrichRegionYear(context.Background(), "Bordeaux", "France", 2018)
	require.NoError(t, err)
	require.Equal(t, "bordeaux", wv.RegionNormalized)
	require.Equal(t, 2018, wv.Year)
}

func TestEnricher_EnrichVintageUpdatesWeatherScoreAndNotes(t *testing.T) {
	db, cleanup := sommostesting.NewTestDB(t)
	defer cleanup()
	sommostesting.InsertWineAndVintage(t, db, 1, "Test Wine", 2015)

	repo := clientdata.NewRepository(db.Conn())
	e := weather.New(db.Conn(), repo, nil, nil, weather.Options{ExternalCallsDisabled: true}, zerolog.Nop())

	wv, err := e.EnrichVintage(context.Background(), 1)
	require.NoError(t, err)
	require.NotZero(t, wv.Confidence)

	var score float64
	var notes string
	err = db.Conn().QueryRow(`SELECT weather_score, production_notes FROM vintages WHERE id = ?`, 1).Scan(&score, &notes)
	require.NoError(t, err)
	require.Equal(t, wv.OverallScore, score)
	require.Contains(t, notes, "growing season")
}

func TestEnricher_HighConfidenceEntryIsNeverRecomputed(t *testing.T) {
	db, cleanup := sommostesting.NewTestDB(t)
	defer cleanup()

	_, err := db.Conn().Exec(
		`INSERT INTO weather_vintages
		 (region_normalized, year, gdd, huglin_index, diurnal_range, heatwave_days, frost_days,
		  precipitation_total, wet_day_count, ripeness_score, acidity_score, tannin_score,
		  disease_pressure_score, overall_score, confidence, retrieved_at)
		 VALUES ('bordeaux', 2019, 1400, 2000, 12, 3, 0, 450, 60, 4, 3, 3, 2, 82, 0.95, 0)`,
	)
	require.NoError(t, err)

	repo := clientdata.NewRepository(db.Conn())
	e := weather.New(db.Conn(), repo, nil, nil, weather.Options{ExternalCallsDisabled: true}, zerolog.Nop())

	wv, err := e.EnrichRegionYear(context.Background(), "Bordeaux", "France", 2019)
	require.NoError(t, err)
	require.Equal(t, 82.0, wv.OverallScore, "a confidently cached entry must be returned unchanged, not recomputed")
}

func TestEnricher_BatchEnrichProcessesPendingVintages(t *testing.T) {
	db, cleanup := sommostesting.NewTestDB(t)
	defer cleanup()
	sommostesting.InsertWineAndVintage(t, db, 1, "Wine A", 2016)
	sommostesting.InsertWineAndVintage(t, db, 2, "Wine B", 2017)

	repo := clientdata.NewRepository(db.Conn())
	e := weather.New(db.Conn(), repo, nil, nil, weather.Options{ExternalCallsDisabled: true}, zerolog.Nop())

	count, err := e.BatchEnrich(context.Background(), 5, 0)
	require.NoError(t, err)
	require.Equal(t, 2, count)
}
