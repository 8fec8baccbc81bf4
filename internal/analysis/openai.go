package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"github.com/sashabaranov/go-openai"

	"github.com/lab-analyzer/backend/internal/models"
)

const systemPrompt = `You are a laboratory data analyst. You receive a summary of parsed
instrument or tabular data and return a JSON object with exactly these fields:
  "summary": string,
  "flags": [{"level": "info"|"warning"|"critical", "parameter": string,
             "message": string, "value": number|string, "expectedRange": string}],
  "recommendations": [string],
  "confidence": number between 0 and 100.
Return only the JSON object.`

// sampleRows bounds how much of a table is sent to the model.
const sampleRows = 50

// OpenAIAnalyzer asks a chat completion model for a verdict.
type OpenAIAnalyzer struct {
	client *openai.Client
	model  string
	logger *slog.Logger
}

// NewOpenAIAnalyzer creates an analyzer using client and model.
func NewOpenAIAnalyzer(client *openai.Client, model string, logger *slog.Logger) *OpenAIAnalyzer {
	if model == "" {
		model = openai.GPT4oMini
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenAIAnalyzer{client: client, model: model, logger: logger.With("component", "openai-analyzer")}
}

func (a *OpenAIAnalyzer) Name() string {
	return "openai:" + a.model
}

func (a *OpenAIAnalyzer) Analyze(ctx context.Context, req Request) (*Verdict, error) {
	payload, err := json.Marshal(digest(req))
	if err != nil {
		return nil, fmt.Errorf("encoding analysis input: %w", err)
	}

	a.logger.Debug("requesting analysis", "experiment_id", req.ExperimentID, "model", a.model, "bytes", len(payload))
	resp, err := a.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: a.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: string(payload)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, fmt.Errorf("analysis request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices returned", ErrMalformedResponse)
	}
	a.logger.Debug("analysis response received", "experiment_id", req.ExperimentID,
		"finish_reason", resp.Choices[0].FinishReason)

	return DecodeVerdict([]byte(resp.Choices[0].Message.Content))
}

// dataDigest is the model-facing summary of a parse result.
type dataDigest struct {
	Category   models.Category   `json:"category"`
	Format     string            `json:"format"`
	Headers    []string          `json:"headers,omitempty"`
	RowCount   int               `json:"rowCount"`
	SampleRows [][]any           `json:"sampleRows,omitempty"`
	Series     *seriesStats      `json:"series,omitempty"`
	Peaks      []models.Peak     `json:"peaks,omitempty"`
	Instrument map[string]string `json:"instrument,omitempty"`
}

type seriesStats struct {
	XLabel string  `json:"xLabel"`
	YLabel string  `json:"yLabel"`
	XUnits string  `json:"xUnits,omitempty"`
	YUnits string  `json:"yUnits,omitempty"`
	Points int     `json:"points"`
	XMin   float64 `json:"xMin"`
	XMax   float64 `json:"xMax"`
	YMin   float64 `json:"yMin"`
	YMax   float64 `json:"yMax"`
}

func digest(req Request) dataDigest {
	d := dataDigest{Category: req.Category}
	data := req.Data
	if data == nil {
		return d
	}
	d.Format = data.Metadata.Format
	d.RowCount = len(data.Rows)
	d.Peaks = data.Peaks
	d.Instrument = data.Instrument

	if s := data.Series; s.Len() > 0 {
		st := &seriesStats{XLabel: s.XLabel, YLabel: s.YLabel, XUnits: s.XUnits, YUnits: s.YUnits, Points: s.Len()}
		st.XMin, st.XMax = bounds(s.X)
		st.YMin, st.YMax = bounds(s.Y)
		d.Series = st
		return d
	}

	d.Headers = data.Headers
	n := min(len(data.Rows), sampleRows)
	d.SampleRows = data.Rows[:n]
	return d
}

func bounds(v []float64) (float64, float64) {
	if len(v) == 0 {
		return 0, 0
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, x := range v {
		lo = math.Min(lo, x)
		hi = math.Max(hi, x)
	}
	return lo, hi
}
