package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wans2v/generator"
	"wans2v/models"
	"wans2v/utils"
)

const (
	// 44-byte silent WAV header
	silentWAV = "UklGRiQAAABXQVZFZm10IBAAAAABAAEARKwAAIhYAQACABAAZGF0YQAAAAA="
	// 1x1 JPEG
	tinyJPEG = "/9j/4AAQSkZJRgABAQEASABIAAD/2wBDAP//////////////////////////////////////////////////////////////////////////////////////wgALCAABAAEBAREA/8QAFBABAAAAAAAAAAAAAAAAAAAAAP/aAAgBAQABPxA="
)

type fakeGenerator struct {
	mu     sync.Mutex
	calls  int
	params []GenerateParams
	fn     func(ctx context.Context, p GenerateParams) (GenerateOutcome, error)
}

func (f *fakeGenerator) Generate(ctx context.Context, p GenerateParams) (GenerateOutcome, error) {
	f.mu.Lock()
	f.calls++
	f.params = append(f.params, p)
	f.mu.Unlock()
	return f.fn(ctx, p)
}

func (f *fakeGenerator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// copyImage writes the staged image as the output video
func copyImage(_ context.Context, p GenerateParams) (GenerateOutcome, error) {
	data, err := os.ReadFile(p.ImagePath)
	if err != nil {
		return GenerateOutcome{ExitCode: 1, Stderr: err.Error()}, nil
	}
	if err := os.WriteFile(p.OutputPath, data, 0644); err != nil {
		return GenerateOutcome{ExitCode: 1, Stderr: err.Error()}, nil
	}
	return GenerateOutcome{}, nil
}

func availableModel() generator.Availability {
	return generator.Availability{CheckpointDir: "/ckpt", ModelFiles: 1, InferenceCmd: "infer"}
}

func newTestPipeline(t *testing.T, gen Generator, mutate func(*PipelineConfig), opts ...PipelineOption) *Pipeline {
	t.Helper()
	cfg := PipelineConfig{
		ScratchDir:       t.TempDir(),
		MinArtifactBytes: 44,
		CheckpointDir:    "/ckpt",
		Availability:     availableModel(),
		AllowMock:        true,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewPipeline(cfg, gen, opts...)
}

func validInput() *models.JobInput {
	return &models.JobInput{
		AudioFile:  silentWAV,
		ImageFile:  "data:image/jpeg;base64," + tinyJPEG,
		Prompt:     "test",
		Resolution: "512*512",
	}
}

func requireJobError(t *testing.T, err error) *models.JobError {
	t.Helper()
	var jobErr *models.JobError
	require.True(t, errors.As(err, &jobErr), "expected *models.JobError, got %v", err)
	return jobErr
}

func TestHandleRejectsInvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		input   *models.JobInput
		kind    models.ErrorKind
		message string
	}{
		{name: "No input", input: nil, kind: models.KindInputMissing, message: "missing input"},
		{name: "Missing audio", input: &models.JobInput{ImageFile: tinyJPEG}, kind: models.KindInputMissing, message: "missing input"},
		{name: "Missing image", input: &models.JobInput{AudioFile: silentWAV}, kind: models.KindInputMissing, message: "missing input"},
		{name: "Missing both", input: &models.JobInput{Prompt: "hi"}, kind: models.KindInputMissing, message: "missing input"},
		{name: "Malformed audio", input: &models.JobInput{AudioFile: "!!!not-base64!!!", ImageFile: tinyJPEG}, kind: models.KindDecode, message: "decode error"},
		{name: "Undersized image", input: &models.JobInput{AudioFile: silentWAV, ImageFile: base64.StdEncoding.EncodeToString([]byte("tiny"))}, kind: models.KindDecode, message: "decode error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &fakeGenerator{fn: copyImage}
			p := newTestPipeline(t, gen, nil)

			result, err := p.Handle(context.Background(), tt.input)
			assert.Nil(t, result)

			jobErr := requireJobError(t, err)
			assert.Equal(t, tt.kind, jobErr.Kind)
			assert.Equal(t, tt.message, jobErr.Message)
			assert.Equal(t, 400, jobErr.HTTPStatus())
			assert.Equal(t, 0, gen.Calls())
		})
	}
}

func TestHandleMockEndToEnd(t *testing.T) {
	scratch := t.TempDir()
	ckpt := filepath.Join(t.TempDir(), "missing-checkpoint")
	p := NewPipeline(PipelineConfig{
		ScratchDir:       scratch,
		MinArtifactBytes: 44,
		CheckpointDir:    ckpt,
		Availability:     generator.CheckAvailability(ckpt, ""),
		AllowMock:        true,
	}, &InProcessGenerator{MinInputBytes: 44})

	result, err := p.Handle(context.Background(), validInput())
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.True(t, result.Mock)
	assert.Equal(t, "512*512", result.Resolution)
	assert.Equal(t, "test", result.Prompt)
	assert.Equal(t, "Video generated successfully", result.Message)
	assert.Greater(t, result.FileSizeBytes, int64(1000))
	assert.GreaterOrEqual(t, result.GenerationTimeSeconds, 0.0)

	video, err := base64.StdEncoding.DecodeString(result.VideoBase64)
	require.NoError(t, err)
	assert.Equal(t, generator.MockHeader, video[:len(generator.MockHeader)])
	assert.Equal(t, result.FileSizeBytes, int64(len(video)))

	// Scratch is removed when outputs are not kept
	assert.NoDirExists(t, filepath.Join(scratch, result.RequestID))
}

// writes "real" to the path following --output
const realInference = "#!/bin/sh\nwhile [ $# -gt 0 ]; do if [ \"$1\" = --output ]; then printf real > \"$2\"; fi; shift; done\n"

func TestModelAvailabilityIsDecidedAtStartup(t *testing.T) {
	dir := t.TempDir()
	ckpt := filepath.Join(dir, "ckpt")
	weights := filepath.Join(ckpt, "model.safetensors")
	infer := filepath.Join(dir, "infer.sh")
	require.NoError(t, os.WriteFile(infer, []byte(realInference), 0755))

	newPipeline := func() *Pipeline {
		return NewPipeline(PipelineConfig{
			ScratchDir:       t.TempDir(),
			MinArtifactBytes: 44,
			CheckpointDir:    ckpt,
			Availability:     generator.CheckAvailability(ckpt, infer),
			AllowMock:        true,
		}, &InProcessGenerator{InferenceCmd: infer, MinInputBytes: 44})
	}

	t.Run("Weights removed after startup", func(t *testing.T) {
		require.NoError(t, os.MkdirAll(ckpt, 0755))
		require.NoError(t, os.WriteFile(weights, []byte("w"), 0644))
		p := newPipeline()
		require.True(t, p.Availability().Available())

		require.NoError(t, os.Remove(weights))

		result, err := p.Handle(context.Background(), validInput())
		require.NoError(t, err)
		assert.False(t, result.Mock)

		video, err := base64.StdEncoding.DecodeString(result.VideoBase64)
		require.NoError(t, err)
		assert.Equal(t, "real", string(video))
		assert.False(t, generator.IsMockVideo(video))
	})

	t.Run("Weights added after startup", func(t *testing.T) {
		require.NoError(t, os.RemoveAll(ckpt))
		p := newPipeline()
		require.False(t, p.Availability().Available())

		require.NoError(t, os.MkdirAll(ckpt, 0755))
		require.NoError(t, os.WriteFile(weights, []byte("w"), 0644))

		result, err := p.Handle(context.Background(), validInput())
		require.NoError(t, err)
		assert.True(t, result.Mock)

		video, err := base64.StdEncoding.DecodeString(result.VideoBase64)
		require.NoError(t, err)
		assert.True(t, generator.IsMockVideo(video))
	})
}

func TestMockFlagFollowsGeneratorOutcome(t *testing.T) {
	// Startup says the model is available but the generator reports a placeholder
	gen := &fakeGenerator{fn: func(ctx context.Context, p GenerateParams) (GenerateOutcome, error) {
		outcome, err := copyImage(ctx, p)
		outcome.Mock = true
		return outcome, err
	}}
	recorder := &memoryRecorder{}
	p := newTestPipeline(t, gen, nil, WithRecorder(recorder))
	require.False(t, p.MockMode())

	result, err := p.Handle(context.Background(), validInput())
	require.NoError(t, err)
	assert.True(t, result.Mock)

	require.Len(t, recorder.entries, 1)
	assert.True(t, recorder.entries[0].Mock)
}

func TestHandleAppliesDefaults(t *testing.T) {
	gen := &fakeGenerator{fn: copyImage}
	p := newTestPipeline(t, gen, func(c *PipelineConfig) {
		c.DefaultPrompt = "A person speaking"
		c.DefaultResolution = "1024*704"
	})

	input := validInput()
	input.Prompt = ""
	input.Resolution = ""

	result, err := p.Handle(context.Background(), input)
	require.NoError(t, err)
	assert.Equal(t, "A person speaking", result.Prompt)
	assert.Equal(t, "1024*704", result.Resolution)
	assert.False(t, result.Mock)

	require.Len(t, gen.params, 1)
	assert.Equal(t, generator.DefaultTask, gen.params[0].Task)
	assert.Equal(t, "/ckpt", gen.params[0].CheckpointDir)
	require.NotNil(t, gen.params[0].Availability)
	assert.True(t, gen.params[0].Availability.Available())
}

func TestRunGeneratorFailure(t *testing.T) {
	scratch := t.TempDir()
	gen := &fakeGenerator{fn: func(context.Context, GenerateParams) (GenerateOutcome, error) {
		return GenerateOutcome{ExitCode: 1, Stderr: "boom\n"}, nil
	}}
	p := newTestPipeline(t, gen, func(c *PipelineConfig) {
		c.ScratchDir = scratch
		c.KeepScratch = true
	})

	result, err := p.Handle(context.Background(), validInput())
	assert.Nil(t, result)

	jobErr := requireJobError(t, err)
	assert.Equal(t, models.KindGenerationFailed, jobErr.Kind)
	assert.Equal(t, "boom", jobErr.Details)
	assert.Equal(t, 500, jobErr.HTTPStatus())
	assert.NotEmpty(t, jobErr.RequestID)

	status, _ := p.Inspect(jobErr.RequestID)
	assert.Equal(t, models.StatusNotFound, status)
}

func TestRunMissingOutput(t *testing.T) {
	gen := &fakeGenerator{fn: func(context.Context, GenerateParams) (GenerateOutcome, error) {
		return GenerateOutcome{}, nil
	}}
	p := newTestPipeline(t, gen, nil)

	_, err := p.Handle(context.Background(), validInput())
	jobErr := requireJobError(t, err)
	assert.Equal(t, models.KindGenerationFailed, jobErr.Kind)
	assert.Equal(t, "Output video not found", jobErr.Details)
}

func TestRunGeneratorStartError(t *testing.T) {
	gen := &fakeGenerator{fn: func(context.Context, GenerateParams) (GenerateOutcome, error) {
		return GenerateOutcome{ExitCode: -1}, errors.New("exec: not found")
	}}
	p := newTestPipeline(t, gen, nil)

	_, err := p.Handle(context.Background(), validInput())
	jobErr := requireJobError(t, err)
	assert.Equal(t, models.KindGenerationFailed, jobErr.Kind)
	assert.Contains(t, jobErr.Details, "not found")
}

func TestModelUnavailableWithoutMock(t *testing.T) {
	gen := &fakeGenerator{fn: copyImage}
	p := newTestPipeline(t, gen, func(c *PipelineConfig) {
		c.Availability = generator.Availability{CheckpointDir: "/nowhere"}
		c.AllowMock = false
	})

	_, err := p.Handle(context.Background(), validInput())
	jobErr := requireJobError(t, err)
	assert.Equal(t, models.KindModelUnavailable, jobErr.Kind)
	assert.Equal(t, 0, gen.Calls())
}

func TestConcurrentRequestsAreIsolated(t *testing.T) {
	gen := &fakeGenerator{fn: copyImage}
	p := newTestPipeline(t, gen, nil)

	const n = 8
	var wg sync.WaitGroup
	results := make([]*models.GenerationResult, n)
	errs := make([]error, n)
	images := make([][]byte, n)

	for i := 0; i < n; i++ {
		images[i] = []byte(fmt.Sprintf("image-%d-%s", i, string(make([]byte, 64))))
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = p.Execute(context.Background(), models.GenerationRequest{
				Audio: make([]byte, 64),
				Image: images[i],
			})
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.False(t, seen[results[i].RequestID], "duplicate request id")
		seen[results[i].RequestID] = true

		video, err := base64.StdEncoding.DecodeString(results[i].VideoBase64)
		require.NoError(t, err)
		assert.Equal(t, images[i], video)
	}

	dirs := make(map[string]bool)
	for _, params := range gen.params {
		dirs[filepath.Dir(params.OutputPath)] = true
	}
	assert.Len(t, dirs, n)
}

func TestRunIsNotCancelled(t *testing.T) {
	gen := &fakeGenerator{fn: func(ctx context.Context, p GenerateParams) (GenerateOutcome, error) {
		if ctx.Err() != nil {
			return GenerateOutcome{ExitCode: 1, Stderr: "cancelled"}, nil
		}
		return copyImage(ctx, p)
	}}
	p := newTestPipeline(t, gen, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := p.Handle(ctx, validInput())
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestInspect(t *testing.T) {
	p := newTestPipeline(t, &fakeGenerator{fn: copyImage}, func(c *PipelineConfig) {
		c.KeepScratch = true
	})

	job, err := p.Stage(models.GenerationRequest{Audio: make([]byte, 64), Image: make([]byte, 64)})
	require.NoError(t, err)

	status, _ := p.Inspect(job.RequestID)
	assert.Equal(t, models.StatusProcessing, status)

	_, err = p.Run(context.Background(), job)
	require.NoError(t, err)

	status, size := p.Inspect(job.RequestID)
	assert.Equal(t, models.StatusCompleted, status)
	assert.Equal(t, int64(64), size)
	assert.FileExists(t, p.OutputPath(job.RequestID))

	status, _ = p.Inspect("3f1e4a5c-0000-4000-8000-000000000000")
	assert.Equal(t, models.StatusNotFound, status)
}

func TestStageRejectsDuplicateRequestID(t *testing.T) {
	p := newTestPipeline(t, &fakeGenerator{fn: copyImage}, nil)
	req := models.GenerationRequest{
		RequestID: "3f1e4a5c-0000-4000-8000-000000000001",
		Audio:     make([]byte, 64),
		Image:     make([]byte, 64),
	}

	_, err := p.Stage(req)
	require.NoError(t, err)

	_, err = p.Stage(req)
	jobErr := requireJobError(t, err)
	assert.Equal(t, models.KindInternal, jobErr.Kind)
}

type memoryRecorder struct {
	mu      sync.Mutex
	entries []models.HistoryEntry
}

func (r *memoryRecorder) Record(_ context.Context, entry models.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

type stubUploader struct {
	keys []string
	err  error
}

func (u *stubUploader) Upload(_ context.Context, key, path string) (string, error) {
	if u.err != nil {
		return "", u.err
	}
	if !utils.FileExists(path) {
		return "", fmt.Errorf("missing %s", path)
	}
	u.keys = append(u.keys, key)
	return "https://cdn.example.com/" + key, nil
}

func TestRecorderAndUploader(t *testing.T) {
	recorder := &memoryRecorder{}
	uploader := &stubUploader{}
	p := newTestPipeline(t, &fakeGenerator{fn: copyImage}, func(c *PipelineConfig) {
		c.Transport = "event"
	}, WithRecorder(recorder), WithUploader(uploader))

	result, err := p.Handle(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/"+result.RequestID+".mp4", result.VideoURL)

	require.Len(t, recorder.entries, 1)
	entry := recorder.entries[0]
	assert.True(t, entry.Success)
	assert.Equal(t, "event", entry.Transport)
	assert.Equal(t, result.VideoURL, entry.VideoURL)

	// Upload failures do not fail the job
	uploader.err = errors.New("bucket down")
	result, err = p.Handle(context.Background(), validInput())
	require.NoError(t, err)
	assert.Empty(t, result.VideoURL)
}
