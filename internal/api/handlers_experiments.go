// handlers_experiments.go - Experiment upload, status and report download
package api

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/lab-analyzer/backend/internal/models"
)

const (
	// maxFieldBytes bounds non-file form fields.
	maxFieldBytes = 1024
	maxStemLength = 100
)

var requestValidate = validator.New()

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// ExperimentHandlerImpl implements the ExperimentHandler interface
type ExperimentHandlerImpl struct {
	svc ExperimentService
}

// NewExperimentHandler creates a new experiment handler
func NewExperimentHandler(svc ExperimentService) ExperimentHandler {
	return &ExperimentHandlerImpl{svc: svc}
}

type uploadForm struct {
	ProjectID string `validate:"omitempty,max=128,printascii"`
}

type uploadResponse struct {
	ExperimentID string                  `json:"experimentId"`
	Status       models.ExperimentStatus `json:"status"`
}

// HandleUpload accepts one file in a multipart body and queues it for
// processing. The file part is buffered in memory up to the upload limit
// so nothing reaches the disk before the filename has been checked.
func (h *ExperimentHandlerImpl) HandleUpload(c echo.Context) error {
	mr, err := c.Request().MultipartReader()
	if err != nil {
		return NewBadRequestError("expected a multipart/form-data body", err)
	}

	limit := h.svc.MaxUploadSize()
	form := uploadForm{ProjectID: c.QueryParam("projectId")}
	var (
		filename string
		content  []byte
		files    int
	)
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return bodyError(err)
		}

		name := partFileName(part)
		switch {
		case part.FormName() == "file" || name != "":
			files++
			if files > 1 {
				part.Close()
				return NewValidationError("exactly one file per request")
			}
			filename = name
			content, err = io.ReadAll(io.LimitReader(part, limit+1))
			if err != nil {
				return bodyError(err)
			}
			if int64(len(content)) > limit {
				return NewPayloadTooLargeError(limit)
			}
		case part.FormName() == "projectId":
			b, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
			if err != nil {
				return bodyError(err)
			}
			if len(b) > maxFieldBytes {
				return NewValidationError("projectId is too long")
			}
			form.ProjectID = string(b)
		}
		part.Close()
	}
	if files == 0 {
		return NewValidationError("a file part is required")
	}

	form.ProjectID = strings.TrimSpace(form.ProjectID)
	if err := requestValidate.Struct(form); err != nil {
		return err
	}

	exp, err := h.svc.AcceptUpload(c.Request().Context(), PrincipalFrom(c),
		bytes.NewReader(content), filename, int64(len(content)), form.ProjectID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, uploadResponse{ExperimentID: exp.ID, Status: exp.Status})
}

// partFileName returns the filename parameter exactly as sent. Part.FileName
// strips directories, which would hide a traversal attempt from the validator.
func partFileName(p *multipart.Part) string {
	_, params, err := mime.ParseMediaType(p.Header.Get("Content-Disposition"))
	if err != nil {
		return ""
	}
	return params["filename"]
}

func bodyError(err error) error {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		return httpErr
	}
	return NewBadRequestError("malformed multipart body", err)
}

type listQuery struct {
	Limit *int `validate:"omitempty,min=1,max=100"`
}

type listResponse struct {
	Experiments []*models.Experiment `json:"experiments"`
	Count       int                  `json:"count"`
}

// HandleList returns the caller's experiments, newest first
func (h *ExperimentHandlerImpl) HandleList(c echo.Context) error {
	var q listQuery
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return NewValidationError("limit must be an integer")
		}
		q.Limit = &n
	}
	if err := requestValidate.Struct(q); err != nil {
		return err
	}

	limit := 0
	if q.Limit != nil {
		limit = *q.Limit
	}
	list, err := h.svc.Experiments(c.Request().Context(), PrincipalFrom(c), limit)
	if err != nil {
		return err
	}
	if list == nil {
		list = []*models.Experiment{}
	}
	return c.JSON(http.StatusOK, listResponse{Experiments: list, Count: len(list)})
}

type experimentResponse struct {
	*models.Experiment
	Report *models.Report `json:"report,omitempty"`
}

// HandleGet returns an experiment's status together with its report when
// completed or its failure summary when failed. Processed data is only
// served by the report download.
func (h *ExperimentHandlerImpl) HandleGet(c echo.Context) error {
	exp, report, err := h.svc.Experiment(c.Request().Context(), PrincipalFrom(c), c.Param("id"))
	if err != nil {
		return err
	}
	exp.ProcessedData = nil
	return c.JSON(http.StatusOK, experimentResponse{Experiment: exp, Report: report})
}

// reportDocument is the downloadable report.
type reportDocument struct {
	Experiment experimentSection  `json:"experiment" msgpack:"experiment"`
	Report     reportSection      `json:"report" msgpack:"report"`
	Data       *models.ParsedData `json:"data" msgpack:"data"`
}

type experimentSection struct {
	ID          string                  `json:"id" msgpack:"id"`
	FileName    string                  `json:"fileName" msgpack:"fileName"`
	Type        string                  `json:"type" msgpack:"type"`
	Category    models.Category         `json:"analysisCategory" msgpack:"analysisCategory"`
	Status      models.ExperimentStatus `json:"status" msgpack:"status"`
	CreatedAt   time.Time               `json:"createdAt" msgpack:"createdAt"`
	CompletedAt *time.Time              `json:"completedAt,omitempty" msgpack:"completedAt,omitempty"`
}

type reportSection struct {
	Summary          string        `json:"summary" msgpack:"summary"`
	Flags            []models.Flag `json:"flags" msgpack:"flags"`
	Recommendations  []string      `json:"recommendations" msgpack:"recommendations"`
	Confidence       float64       `json:"confidence" msgpack:"confidence"`
	ProcessingTimeMs int64         `json:"processingTimeMs" msgpack:"processingTimeMs"`
}

// HandleDownloadReport serves the report of a completed experiment as a
// JSON (default) or msgpack attachment
func (h *ExperimentHandlerImpl) HandleDownloadReport(c echo.Context) error {
	format := c.QueryParam("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "msgpack" {
		return NewValidationError("format must be json or msgpack")
	}

	exp, report, err := h.svc.Experiment(c.Request().Context(), PrincipalFrom(c), c.Param("id"))
	if err != nil {
		return err
	}
	if exp.Status != models.StatusCompleted || report == nil {
		return NewConflictError(fmt.Sprintf("report is not available while the experiment is %s", exp.Status))
	}

	doc := reportDocument{
		Experiment: experimentSection{
			ID:          exp.ID,
			FileName:    exp.FileName,
			Type:        exp.DetectedFileType,
			Category:    exp.Category,
			Status:      exp.Status,
			CreatedAt:   exp.CreatedAt,
			CompletedAt: exp.CompletedAt,
		},
		Report: reportSection{
			Summary:          report.Summary,
			Flags:            report.Flags,
			Recommendations:  report.Recommendations,
			Confidence:       report.Confidence,
			ProcessingTimeMs: report.ProcessingTimeMs,
		},
		Data: exp.ProcessedData,
	}

	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="%s"`, ReportFileName(exp.FileName, format)))

	if format == "msgpack" {
		b, err := msgpack.Marshal(&doc)
		if err != nil {
			return NewInternalError("encoding report", err)
		}
		return c.Blob(http.StatusOK, "application/msgpack", b)
	}
	return c.JSON(http.StatusOK, doc)
}

// ReportFileName derives a download name from the original filename,
// restricted to letters, digits, dot, underscore and hyphen.
func ReportFileName(original, ext string) string {
	stem := strings.TrimSuffix(original, filepath.Ext(original))
	stem = unsafeNameChars.ReplaceAllString(stem, "_")
	stem = strings.Trim(stem, "._-")
	if len(stem) > maxStemLength {
		stem = stem[:maxStemLength]
	}
	if stem == "" {
		stem = "experiment"
	}
	return stem + "_report." + ext
}
