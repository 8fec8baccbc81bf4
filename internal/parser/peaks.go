package parser

import (
	"sort"

	"github.com/lab-analyzer/backend/internal/models"
)

const (
	// PeakThreshold is the minimum intensity for a point to count as a peak.
	PeakThreshold = 0.1
	// MaxPeaks is how many peaks are kept after ranking.
	MaxPeaks = 10
)

// DetectPeaks finds local maxima in y. A point is a peak when it is strictly
// greater than both neighbours and above threshold. Peaks are ranked by
// height, highest first, and truncated to limit.
//
// This is a local-maximum filter, not a chromatographic integration: there
// is no baseline correction, smoothing or shoulder handling, and the area
// is a trapezoid between the nearest local minima on either side. Treat the
// result as an approximation for triage, not as quantitation.
func DetectPeaks(x, y []float64, threshold float64, limit int) []models.Peak {
	if len(y) < 3 || limit <= 0 {
		return nil
	}

	var peaks []models.Peak
	for i := 1; i < len(y)-1; i++ {
		if y[i] > y[i-1] && y[i] > y[i+1] && y[i] > threshold {
			peaks = append(peaks, models.Peak{
				Index:    i,
				Position: position(x, i),
				Height:   y[i],
				Area:     peakArea(x, y, i),
			})
		}
	}

	sort.SliceStable(peaks, func(a, b int) bool {
		return peaks[a].Height > peaks[b].Height
	})
	if len(peaks) > limit {
		peaks = peaks[:limit]
	}
	return peaks
}

func position(x []float64, i int) float64 {
	if i < len(x) {
		return x[i]
	}
	return float64(i)
}

// peakArea integrates y over [left, right], the closest points on each side
// of the apex where the signal stops descending.
func peakArea(x, y []float64, apex int) float64 {
	left := apex
	for left > 0 && y[left-1] < y[left] {
		left--
	}
	right := apex
	for right < len(y)-1 && y[right+1] < y[right] {
		right++
	}

	var area float64
	for i := left; i < right; i++ {
		dx := position(x, i+1) - position(x, i)
		area += dx * (y[i] + y[i+1]) / 2
	}
	if area < 0 {
		area = -area
	}
	return area
}
