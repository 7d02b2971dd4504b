package metrics_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/thijssvd/sommos/internal/domain"
	"github.com/thijssvd/sommos/internal/metrics"
)

func TestTracker_RollingWindowEvictsOldestSample(t *testing.T) {
	tr := metrics.New(3)

	tr.RecordSample("pairing", true, 100, 0.9)
	tr.RecordSample("pairing", true, 200, 0.9)
	tr.RecordSample("pairing", true, 300, 0.9)
	// Fourth sample evicts the 100ms sample; average should shift up.
	tr.RecordSample("pairing", true, 400, 0.9)

	s := tr.CategorySummary("pairing")
	require.Equal(t, 3, s.SampleCount)
	require.InDelta(t, 300, s.AvgResponseTime, 0.001)
}

func TestTracker_Percentiles(t *testing.T) {
	tr := metrics.New(100)
	for i := 1; i <= 100; i++ {
		tr.RecordSample("weather", true, int64(i*10), 0.9)
	}

	s := tr.CategorySummary("weather")
	require.Equal(t, 100, s.SampleCount)
	require.InDelta(t, 500, float64(s.Percentiles.P50), 50)
	require.InDelta(t, 950, float64(s.Percentiles.P95), 50)
	require.InDelta(t, 990, float64(s.Percentiles.P99), 50)
}

func TestTracker_ConfidenceHistogramBuckets(t *testing.T) {
	tr := metrics.New(10)
	tr.RecordSample("pairing", true, 100, 0.9)  // high
	tr.RecordSample("pairing", true, 100, 0.5)  // medium
	tr.RecordSample("pairing", true, 100, 0.39) // low
	tr.RecordSample("pairing", true, 100, 0.70) // high (boundary)

	s := tr.CategorySummary("pairing")
	require.Equal(t, 2, s.Confidence.High)
	require.Equal(t, 1, s.Confidence.Medium)
	require.Equal(t, 1, s.Confidence.Low)
}

func TestTracker_HealthClassification(t *testing.T) {
	healthy := metrics.New(10)
	for i := 0; i < 10; i++ {
		healthy.RecordSample("c", true, 100, 0.9)
	}
	require.Equal(t, metrics.HealthHealthy, healthy.CategorySummary("c").Health)

	degraded := metrics.New(10)
	for i := 0; i < 10; i++ {
		degraded.RecordSample("c", i >= 2, 100, 0.9) // 20% error rate, one breach
	}
	require.Equal(t, metrics.HealthDegraded, degraded.CategorySummary("c").Health)

	unhealthy := metrics.New(10)
	for i := 0; i < 10; i++ {
		unhealthy.RecordSample("c", false, 6000, 0.1) // error rate + response time + confidence all breach
	}
	require.Equal(t, metrics.HealthUnhealthy, unhealthy.CategorySummary("c").Health)
}

func TestTracker_NoConfidenceSamplesDontBreachHealth(t *testing.T) {
	tr := metrics.New(10)
	for i := 0; i < 10; i++ {
		tr.RecordSample("inventory.consume", true, 5, domain.NoConfidence)
	}

	s := tr.CategorySummary("inventory.consume")
	require.Equal(t, metrics.HealthHealthy, s.Health)
	require.Equal(t, float64(0), s.AvgConfidence)
	require.Equal(t, metrics.ConfidenceHistogram{}, s.Confidence)
}

func TestTracker_UnknownCategoryIsHealthyWithNoSamples(t *testing.T) {
	tr := metrics.New(10)
	s := tr.CategorySummary("never-seen")
	require.Equal(t, 0, s.SampleCount)
	require.Equal(t, metrics.HealthHealthy, s.Health)
}

func TestTracker_SummaryListsCategoriesSorted(t *testing.T) {
	tr := metrics.New(10)
	tr.RecordSample("weather", true, 100, 0.9)
	tr.RecordSample("pairing", true, 100, 0.9)

	summary := tr.Summary()
	require.Len(t, summary.Categories, 2)
	require.Equal(t, "pairing", summary.Categories[0].Category)
	require.Equal(t, "weather", summary.Categories[1].Category)
}
