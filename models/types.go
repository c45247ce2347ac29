package models

import "time"

// JobInput is the logical generation request as it travels on the wire.
// Artifacts are base64 strings, optionally prefixed with a data URL marker.
type JobInput struct {
	AudioFile  string `json:"audio_file" validate:"required"`
	ImageFile  string `json:"image_file" validate:"required"`
	Prompt     string `json:"prompt,omitempty"`
	Resolution string `json:"resolution,omitempty"`
}

// JobEvent is the envelope delivered to the event-driven facade
type JobEvent struct {
	ID    string    `json:"id,omitempty"`
	Input *JobInput `json:"input"`
}

// Job envelope statuses, matching what the serverless platform reports
const (
	JobStatusCompleted = "COMPLETED"
	JobStatusFailed    = "FAILED"
)

// JobOutput wraps a handler result the way the serverless platform does for /runsync
type JobOutput struct {
	ID     string      `json:"id"`
	Status string      `json:"status"`
	Output interface{} `json:"output"`
}

// GenerationRequest is a validated, decoded request shared by every transport
type GenerationRequest struct {
	RequestID  string
	Prompt     string
	Resolution string
	Audio      []byte
	Image      []byte
}

// GenerationResult is the success payload returned by both facade variants
type GenerationResult struct {
	Success               bool    `json:"success"`
	RequestID             string  `json:"request_id"`
	VideoBase64           string  `json:"video_base64"`
	GenerationTimeSeconds float64 `json:"generation_time_seconds"`
	FileSizeBytes         int64   `json:"file_size_bytes"`
	Resolution            string  `json:"resolution"`
	Prompt                string  `json:"prompt"`
	Message               string  `json:"message,omitempty"`
	Mock                  bool    `json:"mock,omitempty"`
	DownloadURL           string  `json:"download_url,omitempty"`
	VideoURL              string  `json:"video_url,omitempty"`
}

// ErrorResponse is the failure payload returned by both facade variants
type ErrorResponse struct {
	Error     string `json:"error"`
	Details   string `json:"details,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Polling states inferred from the scratch directory
const (
	StatusNotFound   = "not_found"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
)

// StatusResponse answers GET /status/:request_id
type StatusResponse struct {
	Status      string `json:"status"`
	RequestID   string `json:"request_id"`
	FileSize    int64  `json:"file_size,omitempty"`
	DownloadURL string `json:"download_url,omitempty"`
	Message     string `json:"message,omitempty"`
}

// HealthResponse answers GET /health
type HealthResponse struct {
	Status         string    `json:"status"`
	Timestamp      time.Time `json:"timestamp"`
	ModelAvailable bool      `json:"model_available"`
	MockMode       bool      `json:"mock_mode"`
	ModelPath      string    `json:"model_path"`
	GPUAvailable   bool      `json:"gpu_available"`
	GPUInfo        string    `json:"gpu_info"`
}

// AcceptedResponse is returned when /generate runs in the background
type AcceptedResponse struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	StatusURL string `json:"status_url"`
}
