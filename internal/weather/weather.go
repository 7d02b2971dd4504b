// Package weather implements WeatherEnricher: it resolves a wine region
// to coordinates through a confidence-tiered fallback chain, fetches
// historical growing-season data, derives a vintage's weather_score and
// narrative, and persists the result keyed by (region, year) subject to
// a confidence-gated immutability rule — once a (region, year) entry
// reaches the high-confidence threshold it is never recomputed.
package weather

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/thijssvd/sommos/internal/clientdata"
	"github.com/thijssvd/sommos/internal/database"
	"github.com/thijssvd/sommos/internal/domain"
	"github.com/thijssvd/sommos/internal/events"
)

// Options configures an Enricher.
type Options struct {
	GeocodeBaseURL string
	HistoryBaseURL string
	RequestTimeout time.Duration
	ExternalCallsDisabled bool
}

// Enricher implements the WeatherEnricher contract.
type Enricher struct {
	db       *sql.DB
	bus      *events.Bus
	realtime domain.Publisher
	client   *client
	opts     Options
	log      zerolog.Logger
}

// New builds an Enricher. repo backs the geocode/raw-data caches (see
// internal/clientdata); db is the core schema holding wines, vintages,
// and weather_vintages.
func New(db *sql.DB, repo *clientdata.Repository, bus *events.Bus, realtime domain.Publisher, opts Options, log zerolog.Logger) *Enricher {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	return &Enricher{
		db:       db,
		bus:      bus,
		realtime: realtime,
		client:   newClient(repo, opts.GeocodeBaseURL, opts.HistoryBaseURL, opts.RequestTimeout),
		opts:     opts,
		log:      log.With().Str("component", "weather_enricher").Logger(),
	}
}

// EnrichVintage computes (or reuses, if already confidently cached)
// weather data for vintageID's (region, year) and writes the result back
// to vintages.weather_score and production_notes.
func (e *Enricher) EnrichVintage(ctx context.Context, vintageID int64) (domain.WeatherVintage, error) {
	var region, country string
	var year int
	err := e.db.QueryRowContext(ctx,
		`SELECT w.region, w.country, v.year
		 FROM vintages v JOIN wines w ON w.id = v.wine_id
		 WHERE v.id = ?`, vintageID,
	).Scan(&region, &country, &year)
	if err == sql.ErrNoRows {
		return domain.WeatherVintage{}, domain.NewError(domain.KindNotFound, "vintage not found", err)
	}
	if err != nil {
		return domain.WeatherVintage{}, domain.NewError(domain.KindStorage, "failed to load vintage for enrichment", err)
	}

	wv, err := e.EnrichRegionYear(ctx, region, country, year)
	if err != nil {
		return domain.WeatherVintage{}, err
	}

	if err := e.applyToVintage(ctx, vintageID, wv); err != nil {
		return wv, err
	}
	return wv, nil
}

// EnrichRegionYear computes or reuses the cached weather derivation for
// (region, year). A cached entry with Confidence >= 0.8 is returned as-is
// per the confidence-gated immutability rule; anything below that is
// recomputed on every call since it may improve as upstream data settles.
func (e *Enricher) EnrichRegionYear(ctx context.Context, region, country string, year int) (domain.WeatherVintage, error) {
	key := normalizeKey(region)

	existing, err := e.loadCached(key, year)
	if err == nil && existing.Confidence >= 0.8 {
		return existing, nil
	}

	coord, err := e.resolveCoordinate(ctx, region, country)
	if err != nil {
		return domain.WeatherVintage{}, err
	}

	if e.opts.ExternalCallsDisabled {
		return e.fallbackVintage(key, year, coord), nil
	}

	start, end := growingSeasonWindow(year, coord.Lat)
	records, err := e.client.fetchGrowingSeason(ctx, coord, start, end)
	if err != nil {
		e.log.Warn().Err(err).Str("region", region).Int("year", year).Msg("falling back after history fetch failure")
		return e.fallbackVintage(key, year, coord), nil
	}

	agg := deriveAggregates(records, coord.Lat)
	scores := deriveSubScores(agg)

	wv := domain.WeatherVintage{
		RegionNormalized:     key,
		Year:                 year,
		GDD:                  agg.GDD,
		HuglinIndex:          agg.HuglinIndex,
		DiurnalRange:         agg.DiurnalRangeAvg,
		HeatwaveDays:         agg.HeatwaveDays,
		FrostDays:            agg.FrostDays,
		PrecipitationTotal:   agg.PrecipitationTotal,
		WetDayCount:          agg.WetDayCount,
		RipenessScore:        float64(scores.Ripeness),
		AcidityScore:         float64(scores.Acidity),
		TanninScore:          float64(scores.Tannin),
		DiseasePressureScore: float64(scores.DiseasePressure),
		OverallScore:         overallScore(scores),
		Confidence:           coord.Confidence,
		RetrievedAt:          time.Now().Unix(),
	}

	if err := e.persist(wv); err != nil {
		return wv, err
	}

	data := events.WeatherEnrichedData{Region: key, Year: year, OverallScore: wv.OverallScore, Confidence: wv.Confidence}
	if e.bus != nil {
		e.bus.Emit("weather", data)
	}
	if e.realtime != nil {
		e.realtime.Publish("weather_updates", string(data.EventType()), data)
	}

	return wv, nil
}

// fallbackVintage produces a low-confidence, narrative-only entry when
// external calls are disabled or the history fetch failed. It is never
// persisted at high confidence, so it remains eligible for recomputation.
func (e *Enricher) fallbackVintage(region string, year int, coord coordinate) domain.WeatherVintage {
	return domain.WeatherVintage{
		RegionNormalized: region,
		Year:             year,
		OverallScore:     50,
		Confidence:       coord.Confidence * 0.5,
		RetrievedAt:      time.Now().Unix(),
	}
}

// CachedVintage returns a previously computed WeatherVintage for
// (region, year) without triggering a fetch, for read paths that must
// not block on an external call. ok is false if nothing has been
// enriched for this key yet.
func (e *Enricher) CachedVintage(region string, year int) (domain.WeatherVintage, bool) {
	wv, err := e.loadCached(normalizeKey(region), year)
	return wv, err == nil
}

func (e *Enricher) loadCached(region string, year int) (domain.WeatherVintage, error) {
	var wv domain.WeatherVintage
	err := e.db.QueryRow(
		`SELECT region_normalized, year, gdd, huglin_index, diurnal_range, heatwave_days, frost_days,
		        precipitation_total, wet_day_count, ripeness_score, acidity_score, tannin_score,
		        disease_pressure_score, overall_score, confidence, retrieved_at
		 FROM weather_vintages WHERE region_normalized = ? AND year = ?`,
		region, year,
	).Scan(&wv.RegionNormalized, &wv.Year, &wv.GDD, &wv.HuglinIndex, &wv.DiurnalRange, &wv.HeatwaveDays,
		&wv.FrostDays, &wv.PrecipitationTotal, &wv.WetDayCount, &wv.RipenessScore, &wv.AcidityScore,
		&wv.TanninScore, &wv.DiseasePressureScore, &wv.OverallScore, &wv.Confidence, &wv.RetrievedAt)
	return wv, err
}

func (e *Enricher) persist(wv domain.WeatherVintage) error {
	_, err := e.db.Exec(
		`INSERT INTO weather_vintages
		 (region_normalized, year, gdd, huglin_index, diurnal_range, heatwave_days, frost_days,
		  precipitation_total, wet_day_count, ripeness_score, acidity_score, tannin_score,
		  disease_pressure_score, overall_score, confidence, retrieved_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (region_normalized, year) DO UPDATE SET
		   gdd = excluded.gdd, huglin_index = excluded.huglin_index, diurnal_range = excluded.diurnal_range,
		   heatwave_days = excluded.heatwave_days, frost_days = excluded.frost_days,
		   precipitation_total = excluded.precipitation_total, wet_day_count = excluded.wet_day_count,
		   ripeness_score = excluded.ripeness_score, acidity_score = excluded.acidity_score,
		   tannin_score = excluded.tannin_score, disease_pressure_score = excluded.disease_pressure_score,
		   overall_score = excluded.overall_score, confidence = excluded.confidence, retrieved_at = excluded.retrieved_at`,
		wv.RegionNormalized, wv.Year, wv.GDD, wv.HuglinIndex, wv.DiurnalRange, wv.HeatwaveDays, wv.FrostDays,
		wv.PrecipitationTotal, wv.WetDayCount, wv.RipenessScore, wv.AcidityScore, wv.TanninScore,
		wv.DiseasePressureScore, wv.OverallScore, wv.Confidence, wv.RetrievedAt,
	)
	if err != nil {
		return domain.NewError(domain.KindStorage, "failed to persist weather vintage", err)
	}
	return nil
}

// applyToVintage updates vintages.weather_score and merges a narrative
// summary into production_notes, preserving any existing narrative and
// procurement note already present.
func (e *Enricher) applyToVintage(ctx context.Context, vintageID int64, wv domain.WeatherVintage) error {
	return database.WithTransaction(e.db, func(tx *sql.Tx) error {
		var raw sql.NullString
		err := tx.QueryRowContext(ctx, `SELECT production_notes FROM vintages WHERE id = ?`, vintageID).Scan(&raw)
		if err != nil {
			return fmt.Errorf("failed to load production notes: %w", err)
		}

		var notes domain.ProductionNotes
		if raw.Valid && raw.String != "" {
			_ = json.Unmarshal([]byte(raw.String), &notes)
		}
		notes.WeatherSummary = narrativeSummary(wv)

		encoded, err := json.Marshal(notes)
		if err != nil {
			return fmt.Errorf("failed to encode production notes: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE vintages SET weather_score = ?, production_notes = ? WHERE id = ?`,
			wv.OverallScore, string(encoded), vintageID,
		)
		if err != nil {
			return fmt.Errorf("failed to update vintage weather score: %w", err)
		}
		return nil
	})
}

// narrativeSummary renders a deterministic template fallback. This is the
// only narrative SommOS core produces for weather; any AI-authored prose
// layered on top happens at the API boundary, not here.
func narrativeSummary(wv domain.WeatherVintage) string {
	quality := "average"
	switch {
	case wv.OverallScore >= 80:
		quality = "excellent"
	case wv.OverallScore >= 65:
		quality = "good"
	case wv.OverallScore < 40:
		quality = "challenging"
	}
	return fmt.Sprintf(
		"%s growing season (score %.0f/100): %d GDD, %d heatwave day(s), %d frost day(s), %.0fmm total precipitation.",
		quality, wv.OverallScore, int(wv.GDD), wv.HeatwaveDays, wv.FrostDays, wv.PrecipitationTotal,
	)
}

// resolveCoordinate runs the fallback chain: built-in region table,
// geocode API, country centroid, reference region — in that order,
// stopping at the first rung that resolves.
func (e *Enricher) resolveCoordinate(ctx context.Context, region, country string) (coordinate, error) {
	if c, ok := resolveBuiltIn(region); ok {
		return c, nil
	}

	if !e.opts.ExternalCallsDisabled {
		if c, ok, err := e.client.geocode(ctx, region); err == nil && ok {
			return c, nil
		} else if err != nil {
			e.log.Warn().Err(err).Str("region", region).Msg("geocode lookup failed, falling through")
		}
	}

	if country != "" {
		if c, ok := resolveCountryCenter(country); ok {
			return c, nil
		}
	}

	return referenceRegion, nil
}

// growingSeasonWindow returns the [start, end] date range for the
// growing season of year at the given latitude: April-October in the
// northern hemisphere, the calendar-mirrored October-April spanning into
// year+1 in the southern hemisphere.
func growingSeasonWindow(year int, latitude float64) (time.Time, time.Time) {
	if latitude >= 0 {
		return time.Date(year, time.April, 1, 0, 0, 0, 0, time.UTC),
			time.Date(year, time.October, 31, 0, 0, 0, 0, time.UTC)
	}
	return time.Date(year, time.October, 1, 0, 0, 0, 0, time.UTC),
		time.Date(year+1, time.April, 30, 0, 0, 0, 0, time.UTC)
}

// BatchEnrich enriches vintages lacking a confident weather score, in
// groups of groupSize with a pause between groups to stay polite to the
// upstream APIs. Intended to be invoked by a scheduled job.
func (e *Enricher) BatchEnrich(ctx context.Context, groupSize int, pause time.Duration) (int, error) {
	if groupSize <= 0 {
		groupSize = 5
	}

	rows, err := e.db.QueryContext(ctx,
		`SELECT v.id FROM vintages v
		 LEFT JOIN wines w ON w.id = v.wine_id
		 LEFT JOIN weather_vintages wv ON wv.region_normalized = lower(trim(w.region)) AND wv.year = v.year
		 WHERE wv.confidence IS NULL OR wv.confidence < 0.8`)
	if err != nil {
		return 0, domain.NewError(domain.KindStorage, "failed to list vintages pending enrichment", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return 0, domain.NewError(domain.KindStorage, "failed to scan pending vintage id", err)
		}
		ids = append(ids, id)
	}

	enriched := 0
	for i, id := range ids {
		if ctx.Err() != nil {
			return enriched, domain.NewError(domain.KindCancelled, "batch enrichment cancelled", ctx.Err())
		}
		if _, err := e.EnrichVintage(ctx, id); err != nil {
			e.log.Warn().Err(err).Int64("vintage_id", id).Msg("failed to enrich vintage in batch")
			continue
		}
		enriched++
		if (i+1)%groupSize == 0 && i+1 < len(ids) {
			select {
			case <-ctx.Done():
				return enriched, domain.NewError(domain.KindCancelled, "batch enrichment cancelled", ctx.Err())
			case <-time.After(pause):
			}
		}
	}

	return enriched, nil
}
