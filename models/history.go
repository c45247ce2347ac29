package models

import "time"

// HistoryEntry summarizes one finished generation for the optional history store
type HistoryEntry struct {
	RequestID             string    `json:"request_id"`
	Transport             string    `json:"transport"`
	Success               bool      `json:"success"`
	Mock                  bool      `json:"mock"`
	Prompt                string    `json:"prompt"`
	Resolution            string    `json:"resolution"`
	FileSizeBytes         int64     `json:"file_size_bytes"`
	GenerationTimeSeconds float64   `json:"generation_time_seconds"`
	ErrorKind             string    `json:"error_kind,omitempty"`
	ErrorDetail           string    `json:"error_detail,omitempty"`
	VideoURL              string    `json:"video_url,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
}
