package generator

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// MockMarker starts the stdout line on which the generate CLI reports whether
// the placeholder was written, e.g. "S2V_MOCK=true"
const MockMarker = "S2V_MOCK="

// mockPayloadSize is the zero-filled mdat body of the placeholder video
const mockPayloadSize = 1024

// MockHeader is the 32-byte ISO-BMFF ftyp box every placeholder video starts with
var MockHeader = []byte{
	0x00, 0x00, 0x00, 0x20, 'f', 't', 'y', 'p',
	'm', 'p', '4', '1', 0x00, 0x00, 0x00, 0x00,
	'm', 'p', '4', '1', 'i', 's', 'o', 'm',
	'i', 's', 'o', '2', 'a', 'v', 'c', '1',
}

// MockVideo returns a minimal, syntactically valid MP4: ftyp, free and an empty-frame mdat box
func MockVideo() []byte {
	var buf bytes.Buffer
	buf.Write(MockHeader)

	buf.Write([]byte{0x00, 0x00, 0x00, 0x08, 'f', 'r', 'e', 'e'})

	var size [4]byte
	binary.BigEndian.PutUint32(size[:], uint32(8+mockPayloadSize))
	buf.Write(size[:])
	buf.WriteString("mdat")
	buf.Write(make([]byte, mockPayloadSize))

	return buf.Bytes()
}

// IsMockVideo reports whether data starts with the placeholder header
func IsMockVideo(data []byte) bool {
	return bytes.HasPrefix(data, MockHeader)
}

// WriteMockVideo writes the placeholder video to path and returns its size
func WriteMockVideo(path string) (int64, error) {
	data := MockVideo()
	if err := os.WriteFile(path, data, 0644); err != nil {
		return 0, fmt.Errorf("failed to write mock video: %w", err)
	}
	return int64(len(data)), nil
}

// FormatMockMarker renders the mode line printed by the generate CLI
func FormatMockMarker(mock bool) string {
	return MockMarker + strconv.FormatBool(mock)
}

// ParseMockMarker finds the last mode line in stdout. ok is false when none was printed.
func ParseMockMarker(stdout string) (mock bool, ok bool) {
	lines := strings.Split(stdout, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, MockMarker) {
			continue
		}
		v, err := strconv.ParseBool(strings.TrimPrefix(line, MockMarker))
		if err != nil {
			return false, false
		}
		return v, true
	}
	return false, false
}
