package weather

// gddBaseC is the base temperature for Growing Degree Days:
// Σ max(0, daily_mean_temp − 10°C), the standard viticultural base.
const gddBaseC = 10.0

// heatwaveThresholdC and frostThresholdC bound the daily extremes counted
// as heatwave/frost days.
const (
	heatwaveThresholdC = 35.0
	frostThresholdC    = 0.0
	wetDayThresholdMM  = 1.0
)

// derived holds every meteorological aggregate computed from a season of
// dailyRecords, before the 1-5 sub-scores and overall score are layered on.
type derived struct {
	GDD                float64
	HuglinIndex        float64
	DiurnalRangeAvg    float64
	HeatwaveDays       int
	FrostDays          int
	PrecipitationTotal float64
	WetDayCount        int
}

// deriveAggregates reduces a season's daily records to the seasonal
// aggregates the scores are built from. Huglin index uses the simplified
// single-station form (no slope/exposure correction, since SommOS has no
// terrain data): Σ ((daily_mean − 10) + (daily_max − 10)) / 2, with a
// day-length coefficient of 1.0.
func deriveAggregates(records []dailyRecord, latitude float64) derived {
	var d derived
	var diurnalSum float64

	for _, r := range records {
		mean := (r.TempMax + r.TempMin) / 2

		if gdd := mean - gddBaseC; gdd > 0 {
			d.GDD += gdd
		}

		huglinDay := ((mean - gddBaseC) + (r.TempMax - gddBaseC)) / 2
		if huglinDay > 0 {
			d.HuglinIndex += huglinDay
		}

		diurnalSum += r.TempMax - r.TempMin

		if r.TempMax > heatwaveThresholdC {
			d.HeatwaveDays++
		}
		if r.TempMin < frostThresholdC {
			d.FrostDays++
		}

		d.PrecipitationTotal += r.Precipitation
		if r.Precipitation >= wetDayThresholdMM {
			d.WetDayCount++
		}
	}

	if len(records) > 0 {
		d.DiurnalRangeAvg = diurnalSum / float64(len(records))
	}

	return d
}

// subScores are the 1-5 ratings the narrative layer reports. Each score
// buckets a single aggregate into quintiles at commonly cited
// viticultural rule-of-thumb boundaries (e.g. ~1200-1500 GDD as the
// temperate-to-warm band); the bands live in DESIGN.md so they can be
// replaced with a cited source if one turns up.
type subScores struct {
	Ripeness        int
	Acidity         int
	Tannin          int
	DiseasePressure int
}

// deriveSubScores buckets d into the four 1-5 ratings.
func deriveSubScores(d derived) subScores {
	return subScores{
		Ripeness:        bucketAscending(d.GDD, 900, 1200, 1500, 1800),
		Acidity:         bucketDescending(d.GDD, 900, 1200, 1500, 1800),
		Tannin:          bucketAscending(d.HuglinIndex, 1500, 1900, 2300, 2700),
		DiseasePressure: bucketAscending(float64(d.WetDayCount), 10, 20, 35, 50),
	}
}

// bucketAscending maps v to 1-5 using ascending thresholds: below t1 is 1,
// at or above t4 is 5.
func bucketAscending(v float64, t1, t2, t3, t4 float64) int {
	switch {
	case v < t1:
		return 1
	case v < t2:
		return 2
	case v < t3:
		return 3
	case v < t4:
		return 4
	default:
		return 5
	}
}

// bucketDescending is bucketAscending with the scale inverted, for
// aggregates where a higher raw value implies a lower score (more heat
// means less retained acidity).
func bucketDescending(v float64, t1, t2, t3, t4 float64) int {
	return 6 - bucketAscending(v, t1, t2, t3, t4)
}

// weights apply to the four sub-scores (each 1-5, so max 5) to produce a
// 0-100 overall score. Ripeness is weighted heaviest (0.35), acidity and
// tannin equally (0.25 each); disease pressure is subtracted as a
// penalty rather than averaged in, since high disease pressure degrades
// quality regardless of how ripe or tannic the fruit got.
func overallScore(s subScores) float64 {
	const maxSub = 5.0
	positive := (float64(s.Ripeness)*0.35 + float64(s.Acidity)*0.25 + float64(s.Tannin)*0.25) / maxSub
	penalty := float64(s.DiseasePressure) / maxSub * 0.15
	score := (positive - penalty + 0.15) * 100
	return clampScore(score, 0, 100)
}

func clampScore(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
