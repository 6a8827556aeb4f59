package fooocus

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// JobStatus is the coarse state of an asynchronous backend job.
type JobStatus string

const (
	JobRunning  JobStatus = "Running"
	JobFinished JobStatus = "Finished"
	JobUnknown  JobStatus = "Unknown"
)

// stageError is the job_stage the backend reports for a job that died.
const stageError = "ERROR"

// GenerateRequest carries everything the text-to-image endpoint needs.
type GenerateRequest struct {
	Prompt         string
	NegativePrompt string
	Model          string
	ImageCount     int
	Async          bool
}

// StartResult is the outcome of a start call: a job id for async jobs, the
// finished results for synchronous ones.
type StartResult struct {
	JobID   string
	Results []ResultItem
}

// ResultItem is one generated image as the backend reports it.
type ResultItem struct {
	Base64       string          `json:"base64,omitempty"`
	URL          string          `json:"url,omitempty"`
	Seed         json.RawMessage `json:"seed,omitempty"`
	FinishReason string          `json:"finish_reason,omitempty"`
}

// HasPayload reports whether the item carries inline bytes or a URL.
func (r ResultItem) HasPayload() bool {
	return strings.TrimSpace(r.Base64) != "" || strings.TrimSpace(r.URL) != ""
}

// SeedString renders the seed whether the backend sent it as a number or a string.
func (r ResultItem) SeedString() string {
	raw := bytes.TrimSpace(r.Seed)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// Results normalizes job_result, which the backend sends as a single object,
// a list of objects, or null.
type Results []ResultItem

func (r *Results) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")):
		*r = nil
		return nil
	case trimmed[0] == '[':
		var items []ResultItem
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return err
		}
		*r = items
		return nil
	case trimmed[0] == '{':
		var item ResultItem
		if err := json.Unmarshal(trimmed, &item); err != nil {
			return err
		}
		*r = Results{item}
		return nil
	default:
		return fmt.Errorf("job_result: unexpected json %.20q", string(trimmed))
	}
}

// JobSnapshot is one poll of a job.
type JobSnapshot struct {
	JobID    string
	Status   JobStatus
	Progress int
	Stage    string
	Preview  []byte
	Results  []ResultItem
}

// Terminal reports whether polling can stop. A job the backend marks as
// errored is terminal too; it simply has no result.
func (s *JobSnapshot) Terminal() bool {
	return s.Status == JobFinished || strings.EqualFold(s.Stage, stageError)
}

type generationPayload struct {
	Prompt               string   `json:"prompt"`
	NegativePrompt       string   `json:"negative_prompt"`
	StyleSelections      []string `json:"style_selections"`
	PerformanceSelection string   `json:"performance_selection"`
	AspectRatiosSelected string   `json:"aspect_ratios_selection"`
	ImageNumber          int      `json:"image_number"`
	ImageSeed            int64    `json:"image_seed"`
	Sharpness            float64  `json:"sharpness"`
	GuidanceScale        float64  `json:"guidance_scale"`
	AsyncProcess         bool     `json:"async_process"`
	BaseModelName        string   `json:"base_model_name,omitempty"`
}

type asyncJobResponse struct {
	JobID string `json:"job_id"`
}

type queryJobResponse struct {
	JobID       string      `json:"job_id"`
	JobStatus   string      `json:"job_status"`
	JobProgress json.Number `json:"job_progress"`
	JobStage    string      `json:"job_stage"`
	JobPreview  *string     `json:"job_step_preview"`
	JobResult   Results     `json:"job_result"`
}

type modelsResponse struct {
	ModelFilenames []string `json:"model_filenames"`
}

func (q queryJobResponse) snapshot() (*JobSnapshot, error) {
	snap := &JobSnapshot{
		JobID:   q.JobID,
		Stage:   strings.TrimSpace(q.JobStage),
		Results: q.JobResult,
	}
	switch strings.TrimSpace(q.JobStatus) {
	case string(JobFinished):
		snap.Status = JobFinished
	case "":
		snap.Status = JobUnknown
	default:
		snap.Status = JobRunning
	}
	if q.JobProgress != "" {
		f, err := q.JobProgress.Float64()
		if err != nil {
			return nil, fmt.Errorf("job_progress %q: %w", q.JobProgress, err)
		}
		snap.Progress = int(f)
	}
	if q.JobPreview != nil && *q.JobPreview != "" {
		if data, err := decodeBase64(*q.JobPreview); err == nil {
			snap.Preview = data
		}
	}
	return snap, nil
}

// DecodeImage decodes an inline base64 payload, tolerating data-URL prefixes.
func DecodeImage(encoded string) ([]byte, error) {
	return decodeBase64(encoded)
}

func decodeBase64(encoded string) ([]byte, error) {
	s := strings.TrimSpace(encoded)
	if idx := strings.Index(s, ";base64,"); idx >= 0 && strings.HasPrefix(s, "data:") {
		s = s[idx+len(";base64,"):]
	}
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		if raw, rawErr := base64.RawStdEncoding.DecodeString(s); rawErr == nil {
			return raw, nil
		}
		return nil, err
	}
	return data, nil
}
