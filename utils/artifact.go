package utils

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
)

var (
	// ErrFileNotFound is returned when a local artifact path does not exist
	ErrFileNotFound = errors.New("file not found")
	// ErrDecode is returned for malformed or undersized base64 artifacts
	ErrDecode = errors.New("decode error")
)

// EncodeArtifact reads a local file and returns it base64-encoded
func EncodeArtifact(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return EncodeBytes(data), nil
}

// EncodeBytes returns the standard base64 encoding of data
func EncodeBytes(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// StripDataURL removes a "data:<mime>;base64," prefix if present
func StripDataURL(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if idx := strings.IndexByte(s, ','); idx >= 0 {
			return s[idx+1:]
		}
	}
	return s
}

// DecodeArtifact strips any data URL prefix, decodes the payload and rejects
// results shorter than minBytes
func DecodeArtifact(s string, minBytes int) ([]byte, error) {
	payload := StripDataURL(s)
	if payload == "" {
		return nil, fmt.Errorf("%w: empty payload", ErrDecode)
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	if len(data) < minBytes {
		return nil, fmt.Errorf("%w: artifact too small (%d bytes, minimum %d)", ErrDecode, len(data), minBytes)
	}

	return data, nil
}
