package scoring

import (
	"sort"
	"time"

	"github.com/privyscan/privyscan/internal/models"
)

// DefaultForecastWindow is how far back the forecast input view reaches.
const DefaultForecastWindow = 90 * 24 * time.Hour

// ForecastInput is the downsampled history sequence plus summary statistics.
// The predictor itself is an external collaborator; this view never guesses
// future points.
type ForecastInput struct {
	Bucket   string          `json:"bucket"`
	Points   []ForecastPoint `json:"points"`
	Mean     float64         `json:"mean"`
	Slope    float64         `json:"slope"`
	Variance float64         `json:"variance"`
}

// ForecastPoint is one downsampled bucket: the mean score of all history
// points falling inside it.
type ForecastPoint struct {
	At    time.Time `json:"at"`
	Score float64   `json:"score"`
	Count int       `json:"count"`
}

// BuildForecastInput downsamples raw history into day or hour buckets and
// computes the summary statistics. The slope is a simple linear fit over
// (bucket index, mean score).
func BuildForecastInput(points []models.ComplianceHistoryPoint, bucket string) *ForecastInput {
	truncate := func(t time.Time) time.Time {
		if bucket == "hour" {
			return t.UTC().Truncate(time.Hour)
		}
		return t.UTC().Truncate(24 * time.Hour)
	}
	if bucket != "hour" {
		bucket = "day"
	}

	sums := make(map[time.Time]float64)
	counts := make(map[time.Time]int)
	for _, p := range points {
		key := truncate(p.At)
		sums[key] += p.OverallScore
		counts[key]++
	}

	keys := make([]time.Time, 0, len(sums))
	for k := range sums {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Before(keys[j]) })

	out := &ForecastInput{Bucket: bucket, Points: make([]ForecastPoint, 0, len(keys))}
	for _, k := range keys {
		out.Points = append(out.Points, ForecastPoint{
			At:    k,
			Score: sums[k] / float64(counts[k]),
			Count: counts[k],
		})
	}

	n := float64(len(out.Points))
	if n == 0 {
		return out
	}
	for _, p := range out.Points {
		out.Mean += p.Score
	}
	out.Mean /= n

	for _, p := range out.Points {
		d := p.Score - out.Mean
		out.Variance += d * d
	}
	out.Variance /= n

	if len(out.Points) >= 2 {
		// Least squares over bucket index vs score.
		xMean := (n - 1) / 2
		var num, den float64
		for i, p := range out.Points {
			dx := float64(i) - xMean
			num += dx * (p.Score - out.Mean)
			den += dx * dx
		}
		if den > 0 {
			out.Slope = num / den
		}
	}
	return out
}
