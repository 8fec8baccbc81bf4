package models

import "time"

// FlagLevel is the severity of a report flag.
type FlagLevel string

const (
	FlagInfo     FlagLevel = "info"
	FlagWarning  FlagLevel = "warning"
	FlagCritical FlagLevel = "critical"
)

// Flag is a single severity-tagged observation about a parameter.
type Flag struct {
	Level         FlagLevel `json:"level" msgpack:"level"`
	Parameter     string    `json:"parameter" msgpack:"parameter"`
	Message       string    `json:"message" msgpack:"message"`
	Value         any       `json:"value,omitempty" msgpack:"value,omitempty"`
	ExpectedRange string    `json:"expectedRange,omitempty" msgpack:"expectedRange,omitempty"`
}

// Report is the scientific verdict for a completed experiment.
// It exists if and only if the experiment is completed, and is never mutated.
type Report struct {
	ExperimentID     string    `json:"experimentId" msgpack:"experimentId"`
	Summary          string    `json:"summary" msgpack:"summary"`
	Flags            []Flag    `json:"flags" msgpack:"flags"`
	Recommendations  []string  `json:"recommendations" msgpack:"recommendations"`
	Confidence       float64   `json:"confidence" msgpack:"confidence"` // 0-100
	ProcessingTimeMs int64     `json:"processingTimeMs" msgpack:"processingTimeMs"`
	Analyzer         string    `json:"analyzer,omitempty" msgpack:"analyzer,omitempty"`
	CreatedAt        time.Time `json:"createdAt" msgpack:"createdAt"`
}
