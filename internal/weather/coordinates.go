package weather

import "strings"

// coordinate is a resolved lat/lon pair plus the confidence appropriate
// to how it was obtained.
type coordinate struct {
	Lat, Lon   float64
	Source     string
	Confidence float64
}

// regionTable is the built-in lookup for well-known wine regions, the
// first and most confident rung of the resolution fallback chain.
var regionTable = map[string]coordinate{
	"bordeaux":         {44.8378, -0.5792, "built_in_region", 0.95},
	"burgundy":         {47.0379, 4.8357, "built_in_region", 0.95},
	"champagne":        {49.0400, 3.9600, "built_in_region", 0.95},
	"rhone valley":     {44.9300, 4.8900, "built_in_region", 0.95},
	"napa valley":      {38.5025, -122.2654, "built_in_region", 0.95},
	"sonoma":           {38.2919, -122.4580, "built_in_region", 0.95},
	"tuscany":          {43.7711, 11.2486, "built_in_region", 0.95},
	"piedmont":         {44.6953, 8.0350, "built_in_region", 0.95},
	"rioja":            {42.4627, -2.4450, "built_in_region", 0.95},
	"ribera del duero": {41.6167, -3.6900, "built_in_region", 0.95},
	"douro":            {41.1621, -7.7871, "built_in_region", 0.95},
	"mosel":            {49.9700, 6.9800, "built_in_region", 0.95},
	"barossa valley":   {-34.5333, 138.9500, "built_in_region", 0.95},
	"marlborough":      {-41.5133, 173.9500, "built_in_region", 0.95},
	"mendoza":          {-32.8908, -68.8272, "built_in_region", 0.95},
	"stellenbosch":     {-33.9346, 18.8600, "built_in_region", 0.95},
	"willamette valley": {45.2700, -123.1300, "built_in_region", 0.95},
}

// countryCentroids is the third rung: a country-wide centroid used when
// the region name itself is unrecognized and geocoding fails.
var countryCentroids = map[string]coordinate{
	"france":        {46.2276, 2.2137, "country_center", 0.55},
	"united states": {39.8283, -98.5795, "country_center", 0.55},
	"usa":           {39.8283, -98.5795, "country_center", 0.55},
	"italy":         {41.8719, 12.5674, "country_center", 0.55},
	"spain":         {40.4637, -3.7492, "country_center", 0.55},
	"portugal":      {39.3999, -8.2245, "country_center", 0.55},
	"germany":       {51.1657, 10.4515, "country_center", 0.55},
	"australia":     {-25.2744, 133.7751, "country_center", 0.55},
	"new zealand":   {-40.9006, 174.8860, "country_center", 0.55},
	"argentina":     {-38.4161, -63.6167, "country_center", 0.55},
	"chile":         {-35.6751, -71.5430, "country_center", 0.55},
	"south africa":  {-30.5595, 22.9375, "country_center", 0.55},
}

// referenceRegion is the final fallback rung: a fixed, temperate
// reference climate used when nothing else resolves, flagged with low
// confidence so it never poisons a confident (>=0.8) cache entry.
var referenceRegion = coordinate{44.8378, -0.5792, "reference_region", 0.3}

func normalizeKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// resolveBuiltIn looks region up in the built-in table.
func resolveBuiltIn(region string) (coordinate, bool) {
	c, ok := regionTable[normalizeKey(region)]
	return c, ok
}

// resolveCountryCenter looks country up in the centroid table.
func resolveCountryCenter(country string) (coordinate, bool) {
	c, ok := countryCentroids[normalizeKey(country)]
	return c, ok
}
