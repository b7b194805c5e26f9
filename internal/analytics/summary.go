package analytics

import (
	"sort"

	experimentdomain "github.com/smallbiznis/headliner/internal/experiment/domain"
)

// Summarize attributes engagement to variants. Platform counters are
// cumulative for the video, so a variant is credited with the growth
// between consecutive snapshots that were both taken while it was live.
// A pair straddling a rotation is credited to nobody.
func Summarize(exp *experimentdomain.Experiment, snapshots []experimentdomain.AnalyticsSnapshot) experimentdomain.Results {
	results := experimentdomain.Results{
		ExperimentID:   exp.ID.String(),
		Status:         exp.Status,
		Variants:       make([]experimentdomain.VariantResult, len(exp.Variants)),
		LeaderPosition: -1,
	}
	index := make(map[string]int, len(exp.Variants))
	for i, v := range exp.Variants {
		results.Variants[i] = experimentdomain.VariantResult{
			VariantID: v.ID.String(),
			Position:  v.Position,
			Text:      v.Text,
		}
		index[v.ID.String()] = i
	}

	ordered := append([]experimentdomain.AnalyticsSnapshot(nil), snapshots...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].PolledAt.Before(ordered[j].PolledAt)
	})

	durations := make([]float64, len(exp.Variants))
	samples := make([]int, len(exp.Variants))
	for i, cur := range ordered {
		at, ok := index[cur.VariantID.String()]
		if !ok {
			continue
		}
		durations[at] += cur.AvgViewDurationSeconds
		samples[at]++

		if i == 0 || ordered[i-1].VariantID != cur.VariantID {
			continue
		}
		prev := ordered[i-1]
		r := &results.Variants[at]
		r.Windows++
		r.Views += growth(prev.Views, cur.Views)
		r.Impressions += growth(prev.Impressions, cur.Impressions)
		r.Clicks += growth(prev.Clicks, cur.Clicks)
	}

	for i := range results.Variants {
		r := &results.Variants[i]
		if samples[i] > 0 {
			r.AvgViewDurationSeconds = durations[i] / float64(samples[i])
		}
		if r.Impressions > 0 {
			r.ClickThroughRate = float64(r.Clicks) / float64(r.Impressions)
		}
	}
	results.LeaderPosition = leader(results.Variants)
	return results
}

// growth clamps counter resets and platform corrections to zero.
func growth(prev, cur int64) int64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

func leader(variants []experimentdomain.VariantResult) int {
	best := -1
	for i, v := range variants {
		if v.Impressions == 0 {
			continue
		}
		if best < 0 {
			best = i
			continue
		}
		b := variants[best]
		if v.ClickThroughRate > b.ClickThroughRate ||
			(v.ClickThroughRate == b.ClickThroughRate && v.Views > b.Views) {
			best = i
		}
	}
	if best < 0 {
		return -1
	}
	return variants[best].Position
}
