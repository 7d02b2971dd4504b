package server

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/thijssvd/sommos/internal/domain"
)

// vintageAnalysisRow is one vintage of the requested wine, with its
// cached weather-derived scores joined in when available.
type vintageAnalysisRow struct {
	VintageID       int64                   `json:"vintage_id"`
	Year            int                     `json:"year"`
	QualityScore    float64                 `json:"quality_score"`
	CriticScore     float64                 `json:"critic_score"`
	WeatherScore    float64                 `json:"weather_score"`
	ProductionNotes domain.ProductionNotes  `json:"production_notes"`
	Weather         *weatherAnalysisSection `json:"weather,omitempty"`
}

type weatherAnalysisSection struct {
	GDD                  float64 `json:"gdd"`
	HuglinIndex          float64 `json:"huglin_index"`
	HeatwaveDays         int     `json:"heatwave_days"`
	FrostDays            int     `json:"frost_days"`
	PrecipitationTotal   float64 `json:"precipitation_total"`
	RipenessScore        float64 `json:"ripeness_score"`
	AcidityScore         float64 `json:"acidity_score"`
	TanninScore          float64 `json:"tannin_score"`
	DiseasePressureScore float64 `json:"disease_pressure_score"`
	Confidence           float64 `json:"confidence"`
}

// handleVintageAnalysis returns every vintage of a wine with its weather
// enrichment, when one has been computed. WeatherEnricher runs best-effort
// and off the request path; a vintage without a cached WeatherVintage row
// still returns, just without a weather section.
func (s *Server) handleVintageAnalysis(w http.ResponseWriter, r *http.Request) {
	wineID, err := strconv.ParseInt(chi.URLParam(r, "wineID"), 10, 64)
	if err != nil {
		s.writeError(w, domain.NewError(domain.KindInvalidArgument, "invalid wine id", err))
		return
	}

	var region string
	if err := s.db.QueryRowContext(r.Context(), `SELECT region FROM wines WHERE id = ?`, wineID).Scan(&region); err != nil {
		if err == sql.ErrNoRows {
			s.writeError(w, domain.NewError(domain.KindNotFound, "wine not found", err))
			return
		}
		s.writeError(w, domain.NewError(domain.KindStorage, "failed to load wine", err))
		return
	}

	rows, err := s.db.QueryContext(r.Context(),
		`SELECT id, year, quality_score, critic_score, weather_score, production_notes
		 FROM vintages WHERE wine_id = ? ORDER BY year`, wineID,
	)
	if err != nil {
		s.writeError(w, domain.NewError(domain.KindStorage, "failed to load vintages", err))
		return
	}
	defer rows.Close()

	var out []vintageAnalysisRow
	for rows.Next() {
		var v vintageAnalysisRow
		var notesRaw sql.NullString
		if err := rows.Scan(&v.VintageID, &v.Year, &v.QualityScore, &v.CriticScore, &v.WeatherScore, &notesRaw); err != nil {
			s.writeError(w, domain.NewError(domain.KindStorage, "failed to scan vintage", err))
			return
		}
		if notesRaw.Valid && notesRaw.String != "" {
			_ = json.Unmarshal([]byte(notesRaw.String), &v.ProductionNotes)
		}
		v.Weather = s.loadWeatherSection(region, v.Year)
		out = append(out, v)
	}

	s.writeJSON(w, http.StatusOK, out)
}

// loadWeatherSection reads a previously cached WeatherVintage, never
// triggering a fetch: weather enrichment runs best-effort off the
// request path (the scheduler's batch job, or an explicit enrich call),
// not inline with a read of vintage analysis.
func (s *Server) loadWeatherSection(region string, year int) *weatherAnalysisSection {
	if s.weather == nil {
		return nil
	}
	wv, ok := s.weather.CachedVintage(region, year)
	if !ok {
		return nil
	}
	return &weatherAnalysisSection{
		GDD:                  wv.GDD,
		HuglinIndex:          wv.HuglinIndex,
		HeatwaveDays:         wv.HeatwaveDays,
		FrostDays:            wv.FrostDays,
		PrecipitationTotal:   wv.PrecipitationTotal,
		RipenessScore:        wv.RipenessScore,
		AcidityScore:         wv.AcidityScore,
		TanninScore:          wv.TanninScore,
		DiseasePressureScore: wv.DiseasePressureScore,
		Confidence:           wv.Confidence,
	}
}
