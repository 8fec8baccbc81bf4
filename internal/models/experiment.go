// Package models contains domain types for the lab data ingestion service.
package models

import "time"

// ExperimentStatus represents the lifecycle state of an experiment.
type ExperimentStatus string

const (
	StatusPending    ExperimentStatus = "pending"
	StatusProcessing ExperimentStatus = "processing"
	StatusCompleted  ExperimentStatus = "completed"
	StatusFailed     ExperimentStatus = "failed"
)

// IsTerminal reports whether no further transition is legal from s.
func (s ExperimentStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is a legal step.
// pending -> processing -> completed|failed is the only path.
func (s ExperimentStatus) CanTransition(next ExperimentStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// Category is the analysis category derived from the detected file type.
type Category string

const (
	CategoryChromatography     Category = "chromatography"
	CategorySpectroscopy       Category = "spectroscopy"
	CategoryTabularCSV         Category = "tabular_csv"
	CategoryTabularSpreadsheet Category = "tabular_spreadsheet"
)

// UploadInfoVersion is bumped whenever UploadInfo changes shape.
const UploadInfoVersion = 1

// FailureInfoVersion is bumped whenever FailureInfo changes shape.
const FailureInfoVersion = 1

// UploadInfo records where an upload came from and how it was vetted.
type UploadInfo struct {
	Version    int        `json:"version" msgpack:"version"`
	UploadedAt time.Time  `json:"uploadedAt" msgpack:"uploadedAt"`
	MIMEType   string     `json:"mimeType" msgpack:"mimeType"`
	Size       int64      `json:"size" msgpack:"size"`
	SHA256     string     `json:"sha256" msgpack:"sha256"`
	Scan       ScanResult `json:"scan" msgpack:"scan"`
}

// ScanResult is the outcome of the malicious-content scan.
type ScanResult struct {
	Passed  bool     `json:"passed" msgpack:"passed"`
	Checked []string `json:"checked" msgpack:"checked"`
}

// FailureInfo captures why a pipeline run ended in StatusFailed.
// Message is safe to show to the uploading user.
type FailureInfo struct {
	Version int       `json:"version" msgpack:"version"`
	Kind    string    `json:"kind" msgpack:"kind"`
	Stage   string    `json:"stage" msgpack:"stage"`
	Message string    `json:"message" msgpack:"message"`
	At      time.Time `json:"at" msgpack:"at"`
}

// Experiment tracks one uploaded file through validation, parsing and analysis.
type Experiment struct {
	ID               string           `json:"id"`
	OwnerID          string           `json:"ownerId"`
	ProjectID        string           `json:"projectId,omitempty"`
	FileName         string           `json:"fileName"` // original name, metadata only
	DeclaredFileType string           `json:"declaredFileType"`
	DetectedFileType string           `json:"detectedFileType"`
	Category         Category         `json:"analysisCategory"`
	Status           ExperimentStatus `json:"status"`
	StagedName       string           `json:"-"`
	ProcessedData    *ParsedData      `json:"processedData,omitempty"`
	Upload           UploadInfo       `json:"upload"`
	Failure          *FailureInfo     `json:"failure,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
	CompletedAt      *time.Time       `json:"completedAt,omitempty"`
}

// NewExperiment creates an Experiment in pending status.
func NewExperiment(id, ownerID, fileName string) *Experiment {
	now := time.Now().UTC()
	return &Experiment{
		ID:        id,
		OwnerID:   ownerID,
		FileName:  fileName,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
