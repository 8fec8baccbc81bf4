package analysis

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/lab-analyzer/backend/internal/models"
)

const (
	// DefaultConfidence is used when the capability omits or garbles the score.
	DefaultConfidence = 50.0

	maxFlags           = 50
	maxRecommendations = 20
	maxTextLen         = 2000
	defaultSummary     = "Analysis completed without a summary."
)

// DecodeVerdict parses a JSON response body and normalizes it. Only a body
// that is not a JSON object is an error; every field is coerced or defaulted.
func DecodeVerdict(body []byte) (*Verdict, error) {
	text := strings.TrimSpace(string(body))
	// models sometimes wrap JSON in a markdown fence
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")

	var raw map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: null body", ErrMalformedResponse)
	}
	return Normalize(raw), nil
}

// Normalize coerces a loosely typed verdict into a Verdict.
func Normalize(raw map[string]any) *Verdict {
	v := &Verdict{
		Summary:         defaultSummary,
		Flags:           []models.Flag{},
		Recommendations: []string{},
		Confidence:      DefaultConfidence,
	}

	if s, ok := raw["summary"].(string); ok && strings.TrimSpace(s) != "" {
		v.Summary = truncate(strings.TrimSpace(s))
	}
	if c, ok := toFloat(raw["confidence"]); ok {
		v.Confidence = ClampConfidence(c)
	}

	if list, ok := raw["flags"].([]any); ok {
		for _, item := range list {
			if len(v.Flags) == maxFlags {
				break
			}
			if f, ok := normalizeFlag(item); ok {
				v.Flags = append(v.Flags, f)
			}
		}
	}

	switch recs := raw["recommendations"].(type) {
	case []any:
		for _, r := range recs {
			if len(v.Recommendations) == maxRecommendations {
				break
			}
			if s, ok := r.(string); ok && strings.TrimSpace(s) != "" {
				v.Recommendations = append(v.Recommendations, truncate(strings.TrimSpace(s)))
			}
		}
	case string:
		if strings.TrimSpace(recs) != "" {
			v.Recommendations = append(v.Recommendations, truncate(strings.TrimSpace(recs)))
		}
	}
	return v
}

// ClampConfidence forces c into [0, 100]. NaN becomes DefaultConfidence.
func ClampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c):
		return DefaultConfidence
	case c < 0:
		return 0
	case c > 100:
		return 100
	}
	return c
}

// NormalizeLevel maps free-form severities onto info, warning and critical.
func NormalizeLevel(level string) models.FlagLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "critical", "error", "severe", "high", "fatal":
		return models.FlagCritical
	case "warning", "warn", "medium", "moderate", "caution":
		return models.FlagWarning
	}
	return models.FlagInfo
}

func normalizeFlag(item any) (models.Flag, bool) {
	m, ok := item.(map[string]any)
	if !ok {
		return models.Flag{}, false
	}
	level, _ := m["level"].(string)
	param, _ := m["parameter"].(string)
	msg, _ := m["message"].(string)
	if strings.TrimSpace(param) == "" && strings.TrimSpace(msg) == "" {
		return models.Flag{}, false
	}
	if param == "" {
		param = "general"
	}

	f := models.Flag{
		Level:     NormalizeLevel(level),
		Parameter: truncate(strings.TrimSpace(param)),
		Message:   truncate(strings.TrimSpace(msg)),
	}
	switch val := m["value"].(type) {
	case string:
		f.Value = truncate(val)
	case float64, bool:
		f.Value = val
	}
	if r, ok := m["expectedRange"].(string); ok {
		f.ExpectedRange = truncate(r)
	}
	return f, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(n), "%"), 64)
		return f, err == nil && !math.IsNaN(f)
	}
	return 0, false
}

func truncate(s string) string {
	if len(s) <= maxTextLen {
		return s
	}
	return strings.ToValidUTF8(s[:maxTextLen], "")
}
