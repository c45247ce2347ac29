package utils

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// File names staged inside each scratch directory
const (
	InputAudioName  = "input_audio.wav"
	InputImageName  = "input_image.jpg"
	OutputVideoName = "output_video.mp4"
)

// ScratchDir returns the scratch directory for a request
func ScratchDir(baseDir, requestID string) string {
	return filepath.Join(baseDir, requestID)
}

// CreateScratchDir creates a fresh scratch directory for a request.
// It fails if the directory already exists so artifacts stay write-once per id.
func CreateScratchDir(baseDir, requestID string) (string, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", baseDir, err)
	}

	jobDir := ScratchDir(baseDir, requestID)
	if err := os.Mkdir(jobDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", jobDir, err)
	}

	return jobDir, nil
}

// DownloadFile downloads a file from URL to destination path
func DownloadFile(ctx context.Context, client *http.Client, url, destPath string) error {
	// Create destination directory if not exists
	destDir := filepath.Dir(destPath)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("download failed with status: %d, body: %s", resp.StatusCode, string(body))
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	return nil
}

// CleanupJobFiles removes all temporary files for a job
func CleanupJobFiles(baseDir, requestID string) error {
	return os.RemoveAll(ScratchDir(baseDir, requestID))
}

// ScheduleCleanup removes a job's files after a delay
func ScheduleCleanup(baseDir, requestID string, delay time.Duration) *time.Timer {
	return time.AfterFunc(delay, func() {
		_ = CleanupJobFiles(baseDir, requestID)
	})
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// GetFileSize returns file size in bytes
func GetFileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}
