package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/thijssvd/sommos/internal/clientdata"
)

// client wraps the two upstream Open-Meteo endpoints behind a cache-first
// Repository: build the request, check the cache, fall through to the
// network only on a miss, then persist the response.
type client struct {
	httpClient  *http.Client
	repo        *clientdata.Repository
	geocodeURL  string
	historyURL  string
}

func newClient(repo *clientdata.Repository, geocodeURL, historyURL string, timeout time.Duration) *client {
	return &client{
		httpClient: &http.Client{Timeout: timeout},
		repo:       repo,
		geocodeURL: geocodeURL,
		historyURL: historyURL,
	}
}

type geocodeResponse struct {
	Results []struct {
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Country   string  `json:"country"`
	} `json:"results"`
}

// geocode resolves region to a coordinate via the geocoding API, caching
// the result for clientdata's geocode TTL (180 days).
func (c *client) geocode(ctx context.Context, region string) (coordinate, bool, error) {
	key := "geocode:" + normalizeKey(region)

	if cached, err := c.repo.GetIfFresh("geocode_cache", key); err == nil && cached != nil {
		var coord coordinate
		if err := json.Unmarshal(cached, &coord); err == nil {
			return coord, true, nil
		}
	}

	q := url.Values{}
	q.Set("name", region)
	q.Set("count", "1")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.geocodeURL+"?"+q.Encode(), nil)
	if err != nil {
		return coordinate{}, false, fmt.Errorf("failed to build geocode request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return coordinate{}, false, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return coordinate{}, false, fmt.Errorf("geocode API returned status %d", resp.StatusCode)
	}

	var parsed geocodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return coordinate{}, false, fmt.Errorf("failed to decode geocode response: %w", err)
	}
	if len(parsed.Results) == 0 {
		return coordinate{}, false, nil
	}

	coord := coordinate{
		Lat:        parsed.Results[0].Latitude,
		Lon:        parsed.Results[0].Longitude,
		Source:     "geocode_api",
		Confidence: 0.75,
	}

	_ = c.repo.Store("geocode_cache", key, coord, clientdata.TTLGeocode)
	return coord, true, nil
}

// dailyRecord is one day of historical data from the archive API.
type dailyRecord struct {
	Date          string
	TempMax       float64
	TempMin       float64
	Precipitation float64
}

type historyResponse struct {
	Daily struct {
		Time               []string  `json:"time"`
		Temperature2mMax   []float64 `json:"temperature_2m_max"`
		Temperature2mMin   []float64 `json:"temperature_2m_min"`
		PrecipitationSum   []float64 `json:"precipitation_sum"`
	} `json:"daily"`
}

// fetchGrowingSeason returns daily max/min temperature and precipitation
// for the growing season window [start, end] at the given coordinate,
// caching the raw response since a closed historical season never changes.
func (c *client) fetchGrowingSeason(ctx context.Context, coord coordinate, start, end time.Time) ([]dailyRecord, error) {
	key := fmt.Sprintf("history:%.4f,%.4f:%s:%s", coord.Lat, coord.Lon, start.Format("2006-01-02"), end.Format("2006-01-02"))

	if cached, err := c.repo.GetIfFresh("weather_raw_cache", key); err == nil && cached != nil {
		var records []dailyRecord
		if err := json.Unmarshal(cached, &records); err == nil {
			return records, nil
		}
	}

	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(coord.Lat, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(coord.Lon, 'f', 4, 64))
	q.Set("start_date", start.Format("2006-01-02"))
	q.Set("end_date", end.Format("2006-01-02"))
	q.Set("daily", "temperature_2m_max,temperature_2m_min,precipitation_sum")
	q.Set("timezone", "UTC")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.historyURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build history request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather archive API returned status %d", resp.StatusCode)
	}

	var parsed historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode weather archive response: %w", err)
	}

	records := make([]dailyRecord, 0, len(parsed.Daily.Time))
	for i := range parsed.Daily.Time {
		rec := dailyRecord{Date: parsed.Daily.Time[i]}
		if i < len(parsed.Daily.Temperature2mMax) {
			rec.TempMax = parsed.Daily.Temperature2mMax[i]
		}
		if i < len(parsed.Daily.Temperature2mMin) {
			rec.TempMin = parsed.Daily.Temperature2mMin[i]
		}
		if i < len(parsed.Daily.PrecipitationSum) {
			rec.Precipitation = parsed.Daily.PrecipitationSum[i]
		}
		records = append(records, rec)
	}

	_ = c.repo.Store("weather_raw_cache", key, records, clientdata.TTLWeatherRaw)
	return records, nil
}
