package clientdata

import "time"

// TTL constants for cached external responses, by volatility.
const (
	// TTLGeocode — region-name to coordinate resolution barely ever changes.
	TTLGeocode = 180 * 24 * time.Hour
	// TTLWeatherRaw — raw historical daily data for a closed growing season
	// never changes once the season has passed.
	TTLWeatherRaw = 365 * 24 * time.Hour
)
