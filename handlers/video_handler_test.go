package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wans2v/generator"
	"wans2v/models"
	"wans2v/services"
)

const (
	// 44-byte silent WAV header
	silentWAV = "UklGRiQAAABXQVZFZm10IBAAAAABAAEARKwAAIhYAQACABAAZGF0YQAAAAA="
	// 1x1 JPEG
	tinyJPEG = "/9j/4AAQSkZJRgABAQEASABIAAD/2wBDAP//////////////////////////////////////////////////////////////////////////////////////wgALCAABAAEBAREA/8QAFBABAAAAAAAAAAAAAAAAAAAAAP/aAAgBAQABPxA="
)

func init() {
	gin.SetMode(gin.TestMode)
}

type funcGenerator func(ctx context.Context, p services.GenerateParams) (services.GenerateOutcome, error)

func (f funcGenerator) Generate(ctx context.Context, p services.GenerateParams) (services.GenerateOutcome, error) {
	return f(ctx, p)
}

func writeVideo(_ context.Context, p services.GenerateParams) (services.GenerateOutcome, error) {
	if _, err := generator.WriteMockVideo(p.OutputPath); err != nil {
		return services.GenerateOutcome{ExitCode: 1, Stderr: err.Error()}, nil
	}
	return services.GenerateOutcome{Mock: true}, nil
}

func noGPU(context.Context) (string, bool) {
	return "No GPU detected", false
}

func newTestServer(t *testing.T, gen services.Generator, history HistoryReader) (*gin.Engine, *VideoHandler) {
	t.Helper()
	ckpt := filepath.Join(t.TempDir(), "missing")
	pipeline := services.NewPipeline(services.PipelineConfig{
		ScratchDir:       t.TempDir(),
		KeepScratch:      true,
		MinArtifactBytes: 44,
		CheckpointDir:    ckpt,
		Availability:     generator.CheckAvailability(ckpt, ""),
		AllowMock:        true,
	}, gen)

	h := NewVideoHandler(pipeline, history, 10, noGPU)
	router := gin.New()
	router.Use(PanicRecover())
	h.RegisterRoutes(router, AuthMiddleware(nil, ""))
	return router, h
}

func decode(t *testing.T, s string) []byte {
	t.Helper()
	data, err := base64.StdEncoding.DecodeString(s)
	require.NoError(t, err)
	return data
}

func multipartBody(t *testing.T, files map[string][]byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	for name, data := range files {
		part, err := w.CreateFormFile(name, name+".bin")
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())
	return body, w.FormDataContentType()
}

func generateRequest(t *testing.T, target string) *http.Request {
	t.Helper()
	body, contentType := multipartBody(t,
		map[string][]byte{"audio_file": decode(t, silentWAV), "image_file": decode(t, tinyJPEG)},
		map[string]string{"prompt": "test", "resolution": "512*512"},
	)
	req := httptest.NewRequest(http.MethodPost, target, body)
	req.Header.Set("Content-Type", contentType)
	return req
}

func serve(router http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	router, _ := newTestServer(t, funcGenerator(writeVideo), nil)

	w := serve(router, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp models.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.False(t, resp.ModelAvailable)
	assert.True(t, resp.MockMode)
	assert.False(t, resp.GPUAvailable)
}

func TestGenerateSync(t *testing.T) {
	router, _ := newTestServer(t, funcGenerator(writeVideo), nil)

	w := serve(router, generateRequest(t, "/generate"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result models.GenerationResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, "512*512", result.Resolution)
	assert.Equal(t, "test", result.Prompt)
	assert.Greater(t, result.FileSizeBytes, int64(1000))
	assert.True(t, result.Mock)
	assert.True(t, generator.IsMockVideo(decode(t, result.VideoBase64)))
	assert.Equal(t, "/download/"+result.RequestID, result.DownloadURL)

	dl := serve(router, httptest.NewRequest(http.MethodGet, result.DownloadURL, nil))
	require.Equal(t, http.StatusOK, dl.Code)
	assert.Contains(t, dl.Header().Get("Content-Disposition"), "wan_generated_"+result.RequestID+".mp4")
	assert.Equal(t, result.FileSizeBytes, int64(dl.Body.Len()))
}

func TestGenerateMissingFile(t *testing.T) {
	called := false
	router, _ := newTestServer(t, funcGenerator(func(ctx context.Context, p services.GenerateParams) (services.GenerateOutcome, error) {
		called = true
		return writeVideo(ctx, p)
	}), nil)

	body, contentType := multipartBody(t, map[string][]byte{"audio_file": decode(t, silentWAV)}, nil)
	req := httptest.NewRequest(http.MethodPost, "/generate", body)
	req.Header.Set("Content-Type", contentType)

	w := serve(router, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "missing input", resp.Error)
	assert.False(t, called)
}

func TestGenerateFailure(t *testing.T) {
	router, _ := newTestServer(t, funcGenerator(func(context.Context, services.GenerateParams) (services.GenerateOutcome, error) {
		return services.GenerateOutcome{ExitCode: 1, Stderr: "boom"}, nil
	}), nil)

	w := serve(router, generateRequest(t, "/generate"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "Video generation failed", resp.Error)
	assert.Equal(t, "boom", resp.Details)
	assert.NotEmpty(t, resp.RequestID)
}

func TestStatusPollingSequence(t *testing.T) {
	release := make(chan struct{})
	router, h := newTestServer(t, funcGenerator(func(ctx context.Context, p services.GenerateParams) (services.GenerateOutcome, error) {
		<-release
		return writeVideo(ctx, p)
	}), nil)

	w := serve(router, generateRequest(t, "/generate?async=true"))
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var accepted models.AcceptedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.RequestID)

	status := func() (int, models.StatusResponse) {
		w := serve(router, httptest.NewRequest(http.MethodGet, accepted.StatusURL, nil))
		var resp models.StatusResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		return w.Code, resp
	}

	code, resp := status()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.StatusProcessing, resp.Status)

	close(release)
	h.Wait()

	code, resp = status()
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, models.StatusCompleted, resp.Status)
	assert.Equal(t, int64(len(generator.MockVideo())), resp.FileSize)
	assert.Equal(t, "/download/"+accepted.RequestID, resp.DownloadURL)

	w = serve(router, httptest.NewRequest(http.MethodGet, "/status/00000000-0000-4000-8000-000000000000", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), models.StatusNotFound)
}

func TestStatusRejectsPathTraversal(t *testing.T) {
	router, _ := newTestServer(t, funcGenerator(writeVideo), nil)

	for _, target := range []string{"/status/..", "/download/..", "/download/not-a-uuid"} {
		w := serve(router, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusNotFound, w.Code, target)
	}
}

func TestRunSync(t *testing.T) {
	router, h := newTestServer(t, funcGenerator(writeVideo), nil)

	t.Run("Completed", func(t *testing.T) {
		payload := `{"input":{"audio_file":"` + silentWAV + `","image_file":"data:image/jpeg;base64,` + tinyJPEG + `","prompt":"test","resolution":"512*512"}}`
		w := serve(router, httptest.NewRequest(http.MethodPost, "/runsync", bytes.NewBufferString(payload)))
		require.Equal(t, http.StatusOK, w.Code)

		var out struct {
			ID     string                  `json:"id"`
			Status string                  `json:"status"`
			Output models.GenerationResult `json:"output"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
		assert.Equal(t, models.JobStatusCompleted, out.Status)
		assert.NotEmpty(t, out.ID)
		assert.True(t, out.Output.Success)
		assert.Equal(t, "test", out.Output.Prompt)

		// Inline results leave no scratch behind even though /generate outputs are kept
		status, _ := h.pipeline.Inspect(out.Output.RequestID)
		assert.Equal(t, models.StatusNotFound, status)
		assert.NoDirExists(t, filepath.Join(h.pipeline.ScratchDir(), out.Output.RequestID))
	})

	t.Run("Missing input", func(t *testing.T) {
		w := serve(router, httptest.NewRequest(http.MethodPost, "/runsync", bytes.NewBufferString(`{"id":"job-1","input":{"prompt":"x"}}`)))
		require.Equal(t, http.StatusOK, w.Code)

		var out struct {
			ID     string               `json:"id"`
			Status string               `json:"status"`
			Output models.ErrorResponse `json:"output"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
		assert.Equal(t, "job-1", out.ID)
		assert.Equal(t, models.JobStatusFailed, out.Status)
		assert.Equal(t, "missing input", out.Output.Error)
	})

	t.Run("Malformed body", func(t *testing.T) {
		w := serve(router, httptest.NewRequest(http.MethodPost, "/runsync", bytes.NewBufferString(`{`)))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

type stubHistory struct {
	entries []models.HistoryEntry
	limit   int
}

func (s *stubHistory) Recent(_ context.Context, limit int) ([]models.HistoryEntry, error) {
	s.limit = limit
	if limit < len(s.entries) {
		return s.entries[:limit], nil
	}
	return s.entries, nil
}

func TestHistory(t *testing.T) {
	history := &stubHistory{entries: []models.HistoryEntry{
		{RequestID: "a", Success: true, CreatedAt: time.Now()},
		{RequestID: "b", ErrorKind: "generation_failed", CreatedAt: time.Now()},
	}}
	router, _ := newTestServer(t, funcGenerator(writeVideo), history)

	w := serve(router, httptest.NewRequest(http.MethodGet, "/history?limit=500", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 100, history.limit)
	assert.Contains(t, w.Body.String(), `"count":2`)

	w = serve(router, httptest.NewRequest(http.MethodGet, "/history?limit=zero", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	disabled, _ := newTestServer(t, funcGenerator(writeVideo), nil)
	w = serve(disabled, httptest.NewRequest(http.MethodGet, "/history", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDownloadMissing(t *testing.T) {
	router, _ := newTestServer(t, funcGenerator(writeVideo), nil)

	w := serve(router, httptest.NewRequest(http.MethodGet, "/download/00000000-0000-4000-8000-000000000000", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"Video not found"}`, w.Body.String())
}
