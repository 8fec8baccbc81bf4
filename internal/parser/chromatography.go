package parser

import (
	"math"
	"strings"

	"github.com/lab-analyzer/backend/internal/models"
)

// ANDI chromatography variable names.
const (
	andiOrdinate         = "ordinate_values"
	andiSamplingInterval = "actual_sampling_interval"
	andiDelayTime        = "actual_delay_time"
	andiRetention        = "raw_data_retention"
)

// maxInstrumentValue bounds metadata strings copied out of the file.
const maxInstrumentValue = 256

// ChromatographyParser reads ANDI/AIA netCDF chromatograms into a
// retention-time series and a peak list.
type ChromatographyParser struct {
	opts Options
}

func NewChromatographyParser(opts Options) *ChromatographyParser {
	return &ChromatographyParser{opts: opts}
}

func (p *ChromatographyParser) Name() string {
	return "chromatography_andi"
}

func (p *ChromatographyParser) Format() string {
	return "cdf"
}

func (p *ChromatographyParser) Parse(content []byte, filename string) (*models.ParsedData, error) {
	f, err := decodeCDF(content)
	if err != nil {
		return nil, newParseError(p.Format(), 0, "unreadable netCDF: %v", err)
	}

	ov, ok := f.variable(andiOrdinate)
	if !ok {
		return nil, newParseError(p.Format(), 0, "missing %s variable", andiOrdinate)
	}
	intensity, err := f.readFloats(andiOrdinate)
	if err != nil {
		return nil, newParseError(p.Format(), 0, "%v", err)
	}
	if len(intensity) == 0 {
		return nil, newParseError(p.Format(), 0, "empty data: %s has no points", andiOrdinate)
	}
	if i := firstNonFinite(intensity); i >= 0 {
		return nil, newParseError(p.Format(), 0, "non-numeric value in %s at point %d", andiOrdinate, i)
	}

	times, err := p.retentionTimes(f, len(intensity))
	if err != nil {
		return nil, err
	}

	series := &models.Series{
		XLabel: "retention_time",
		YLabel: "intensity",
		XUnits: "seconds",
		X:      times,
		Y:      intensity,
	}
	if a, ok := ov.attr("units"); ok && a.typ == cdfChar {
		series.YUnits = a.text
	}
	if v, ok := f.variable(andiSamplingInterval); ok {
		if a, ok := v.attr("units"); ok && a.typ == cdfChar && a.text != "" {
			series.XUnits = a.text
		}
	}

	return &models.ParsedData{
		Headers:    []string{series.XLabel, series.YLabel},
		Rows:       seriesRows(times, intensity),
		Series:     series,
		Peaks:      DetectPeaks(times, intensity, p.opts.PeakThreshold, p.opts.MaxPeaks),
		Instrument: instrumentMetadata(f),
		Metadata:   models.ParseMetadata{ColumnCount: 2},
	}, nil
}

// retentionTimes prefers explicit raw_data_retention values and otherwise
// derives times from the delay and sampling interval.
func (p *ChromatographyParser) retentionTimes(f *cdfFile, n int) ([]float64, error) {
	if _, ok := f.variable(andiRetention); ok {
		rt, err := f.readFloats(andiRetention)
		if err != nil {
			return nil, newParseError(p.Format(), 0, "%v", err)
		}
		if len(rt) == n {
			if i := firstNonFinite(rt); i >= 0 {
				return nil, newParseError(p.Format(), 0, "non-numeric value in %s at point %d", andiRetention, i)
			}
			return rt, nil
		}
	}

	interval, ok := p.scalar(f, andiSamplingInterval)
	if !ok || !(interval > 0) || math.IsInf(interval, 0) {
		return nil, newParseError(p.Format(), 0, "missing or invalid %s", andiSamplingInterval)
	}
	delay, ok := p.scalar(f, andiDelayTime)
	if ok && (math.IsNaN(delay) || math.IsInf(delay, 0)) {
		return nil, newParseError(p.Format(), 0, "non-numeric value in %s", andiDelayTime)
	}

	times := make([]float64, n)
	for i := range times {
		times[i] = delay + float64(i)*interval
	}
	return times, nil
}

// firstNonFinite returns the index of the first NaN or infinite value, or -1.
func firstNonFinite(vals []float64) int {
	for i, v := range vals {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return i
		}
	}
	return -1
}

func (p *ChromatographyParser) scalar(f *cdfFile, name string) (float64, bool) {
	vals, err := f.readFloats(name)
	if err != nil || len(vals) == 0 {
		return 0, false
	}
	return vals[0], true
}

func instrumentMetadata(f *cdfFile) map[string]string {
	if len(f.attrs) == 0 {
		return nil
	}
	out := make(map[string]string, len(f.attrs))
	for _, a := range f.attrs {
		v := strings.TrimSpace(a.String())
		if v == "" {
			continue
		}
		if len(v) > maxInstrumentValue {
			v = v[:maxInstrumentValue]
		}
		out[a.name] = v
	}
	return out
}
