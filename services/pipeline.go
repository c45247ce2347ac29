package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"wans2v/generator"
	"wans2v/models"
	"wans2v/utils"
)

// Recorder persists a summary of each finished job
type Recorder interface {
	Record(ctx context.Context, entry models.HistoryEntry) error
}

// Uploader mirrors a finished video to remote storage and returns its URL
type Uploader interface {
	Upload(ctx context.Context, key, path string) (string, error)
}

// PipelineConfig holds the settings fixed at startup
type PipelineConfig struct {
	ScratchDir string
	// KeepScratch leaves outputs on disk for /status and /download
	KeepScratch bool
	// Retention removes kept outputs after the delay; 0 keeps them
	Retention time.Duration

	DefaultPrompt     string
	DefaultResolution string
	MinArtifactBytes  int

	Task              string
	CheckpointDir     string
	OffloadModel      bool
	ConvertModelDType bool

	Availability generator.Availability
	AllowMock    bool

	// Transport labels history entries
	Transport string
}

// Job is a request whose inputs have been staged in its scratch directory
type Job struct {
	RequestID  string
	Dir        string
	Prompt     string
	Resolution string
	AudioPath  string
	ImagePath  string
	OutputPath string
}

// Pipeline is the single validate, invoke and respond path shared by every transport
type Pipeline struct {
	cfg       PipelineConfig
	generator Generator
	validate  *validator.Validate
	recorder  Recorder
	uploader  Uploader
}

// PipelineOption configures optional collaborators
type PipelineOption func(*Pipeline)

// WithRecorder records every finished job
func WithRecorder(r Recorder) PipelineOption {
	return func(p *Pipeline) {
		p.recorder = r
	}
}

// WithUploader mirrors successful outputs
func WithUploader(u Uploader) PipelineOption {
	return func(p *Pipeline) {
		p.uploader = u
	}
}

// NewPipeline creates a pipeline around gen
func NewPipeline(cfg PipelineConfig, gen Generator, opts ...PipelineOption) *Pipeline {
	if cfg.Task == "" {
		cfg.Task = generator.DefaultTask
	}
	if cfg.DefaultResolution == "" {
		cfg.DefaultResolution = "1024*704"
	}
	if cfg.DefaultPrompt == "" {
		cfg.DefaultPrompt = "A person speaking"
	}

	p := &Pipeline{
		cfg:       cfg,
		generator: gen,
		validate:  validator.New(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if cfg.Availability.Available() {
		log.Printf("Model available: %d weight files in %s", cfg.Availability.ModelFiles, cfg.CheckpointDir)
	} else if cfg.AllowMock {
		log.Printf("Model unavailable (%s), running in mock mode", cfg.Availability.Reason())
	} else {
		log.Printf("Model unavailable (%s), generation requests will fail", cfg.Availability.Reason())
	}

	return p
}

// Availability returns the result of the startup model check
func (p *Pipeline) Availability() generator.Availability {
	return p.cfg.Availability
}

// MockMode reports the startup decision to write placeholder outputs
func (p *Pipeline) MockMode() bool {
	return !p.cfg.Availability.Available()
}

// CheckpointDir returns the discovered checkpoint directory
func (p *Pipeline) CheckpointDir() string {
	return p.cfg.CheckpointDir
}

// ScratchDir returns the root of all per-request directories
func (p *Pipeline) ScratchDir() string {
	return p.cfg.ScratchDir
}

// Handle validates and decodes a base64 input, then executes it
func (p *Pipeline) Handle(ctx context.Context, input *models.JobInput) (*models.GenerationResult, error) {
	if input == nil {
		return nil, models.NewJobError(models.KindInputMissing, "missing input", "No input provided")
	}
	if err := p.validate.Struct(input); err != nil {
		return nil, missingInput(err)
	}

	audio, err := utils.DecodeArtifact(input.AudioFile, p.cfg.MinArtifactBytes)
	if err != nil {
		return nil, decodeError("audio", err)
	}
	image, err := utils.DecodeArtifact(input.ImageFile, p.cfg.MinArtifactBytes)
	if err != nil {
		return nil, decodeError("image", err)
	}

	return p.Execute(ctx, models.GenerationRequest{
		Prompt:     input.Prompt,
		Resolution: input.Resolution,
		Audio:      audio,
		Image:      image,
	})
}

// Execute stages and runs an already decoded request
func (p *Pipeline) Execute(ctx context.Context, req models.GenerationRequest) (*models.GenerationResult, error) {
	job, err := p.Stage(req)
	if err != nil {
		return nil, err
	}
	return p.Run(ctx, job)
}

// Stage checks the decoded artifacts and writes them to a fresh scratch directory
func (p *Pipeline) Stage(req models.GenerationRequest) (*Job, error) {
	if len(req.Audio) == 0 || len(req.Image) == 0 {
		return nil, models.NewJobError(models.KindInputMissing, "missing input", "Both audio_file and image_file are required")
	}
	if len(req.Audio) < p.cfg.MinArtifactBytes {
		return nil, decodeError("audio", fmt.Errorf("%w: artifact too small (%d bytes)", utils.ErrDecode, len(req.Audio)))
	}
	if len(req.Image) < p.cfg.MinArtifactBytes {
		return nil, decodeError("image", fmt.Errorf("%w: artifact too small (%d bytes)", utils.ErrDecode, len(req.Image)))
	}
	if !p.cfg.Availability.Available() && !p.cfg.AllowMock {
		return nil, models.NewJobError(models.KindModelUnavailable, "Model unavailable", p.cfg.Availability.Reason())
	}

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	} else if _, err := uuid.Parse(requestID); err != nil {
		return nil, models.NewJobError(models.KindInputMissing, "invalid request id", err.Error())
	}

	job := &Job{
		RequestID:  requestID,
		Prompt:     orDefault(req.Prompt, p.cfg.DefaultPrompt),
		Resolution: orDefault(req.Resolution, p.cfg.DefaultResolution),
	}

	dir, err := utils.CreateScratchDir(p.cfg.ScratchDir, requestID)
	if err != nil {
		return nil, internalError(requestID, err)
	}
	job.Dir = dir
	job.AudioPath = filepath.Join(dir, utils.InputAudioName)
	job.ImagePath = filepath.Join(dir, utils.InputImageName)
	job.OutputPath = filepath.Join(dir, utils.OutputVideoName)

	if err := os.WriteFile(job.AudioPath, req.Audio, 0644); err != nil {
		_ = utils.CleanupJobFiles(p.cfg.ScratchDir, requestID)
		return nil, internalError(requestID, fmt.Errorf("failed to save audio: %w", err))
	}
	if err := os.WriteFile(job.ImagePath, req.Image, 0644); err != nil {
		_ = utils.CleanupJobFiles(p.cfg.ScratchDir, requestID)
		return nil, internalError(requestID, fmt.Errorf("failed to save image: %w", err))
	}

	log.Printf("[Job %s] Staged inputs (audio: %d bytes, image: %d bytes)", requestID, len(req.Audio), len(req.Image))
	return job, nil
}

// Run invokes the generator for a staged job and builds the response.
// Once started the generator is not cancelled by ctx.
func (p *Pipeline) Run(ctx context.Context, job *Job) (*models.GenerationResult, error) {
	log.Printf("[Job %s] Generating video (prompt: %q, resolution: %s)", job.RequestID, job.Prompt, job.Resolution)

	availability := p.cfg.Availability

	start := time.Now()
	outcome, err := p.generator.Generate(context.WithoutCancel(ctx), GenerateParams{
		Task:              p.cfg.Task,
		Resolution:        job.Resolution,
		CheckpointDir:     p.cfg.CheckpointDir,
		Prompt:            job.Prompt,
		ImagePath:         job.ImagePath,
		AudioPath:         job.AudioPath,
		OutputPath:        job.OutputPath,
		OffloadModel:      p.cfg.OffloadModel,
		ConvertModelDType: p.cfg.ConvertModelDType,
		Availability:      &availability,
	})
	elapsed := time.Since(start).Seconds()

	if err != nil {
		return nil, p.fail(ctx, job, elapsed, models.NewJobError(models.KindGenerationFailed, "Video generation failed", err.Error()))
	}
	if outcome.ExitCode != 0 {
		details := strings.TrimSpace(outcome.Stderr)
		if details == "" {
			details = fmt.Sprintf("generator exited with code %d", outcome.ExitCode)
		}
		return nil, p.fail(ctx, job, elapsed, models.NewJobError(models.KindGenerationFailed, "Video generation failed", details))
	}

	size, err := utils.GetFileSize(job.OutputPath)
	if err != nil || size == 0 {
		return nil, p.fail(ctx, job, elapsed, models.NewJobError(models.KindGenerationFailed, "Video generation failed", "Output video not found"))
	}

	video, err := utils.EncodeArtifact(job.OutputPath)
	if err != nil {
		return nil, p.fail(ctx, job, elapsed, internalError(job.RequestID, err))
	}

	result := &models.GenerationResult{
		Success:               true,
		RequestID:             job.RequestID,
		VideoBase64:           video,
		GenerationTimeSeconds: elapsed,
		FileSizeBytes:         size,
		Resolution:            job.Resolution,
		Prompt:                job.Prompt,
		Message:               "Video generated successfully",
		Mock:                  outcome.Mock,
	}

	if p.uploader != nil {
		key := job.RequestID + ".mp4"
		url, err := p.uploader.Upload(ctx, key, job.OutputPath)
		if err != nil {
			log.Printf("[Job %s] Failed to mirror output: %v", job.RequestID, err)
		} else {
			result.VideoURL = url
		}
	}

	log.Printf("[Job %s] Completed in %.2fs (%d bytes, mock: %t)", job.RequestID, elapsed, size, result.Mock)
	p.record(ctx, models.HistoryEntry{
		RequestID:             job.RequestID,
		Success:               true,
		Mock:                  result.Mock,
		Prompt:                job.Prompt,
		Resolution:            job.Resolution,
		FileSizeBytes:         size,
		GenerationTimeSeconds: elapsed,
		VideoURL:              result.VideoURL,
	})
	p.finish(job, true)

	return result, nil
}

// Inspect infers a request's state from its scratch directory.
// Nothing guards against a concurrent write, so processing may race completed.
func (p *Pipeline) Inspect(requestID string) (string, int64) {
	dir := utils.ScratchDir(p.cfg.ScratchDir, requestID)
	if size, err := utils.GetFileSize(filepath.Join(dir, utils.OutputVideoName)); err == nil && size > 0 {
		return models.StatusCompleted, size
	}
	if utils.FileExists(dir) {
		return models.StatusProcessing, 0
	}
	return models.StatusNotFound, 0
}

// OutputPath returns where a request's video is written
func (p *Pipeline) OutputPath(requestID string) string {
	return filepath.Join(utils.ScratchDir(p.cfg.ScratchDir, requestID), utils.OutputVideoName)
}

func (p *Pipeline) fail(ctx context.Context, job *Job, elapsed float64, jobErr *models.JobError) *models.JobError {
	jobErr.WithRequestID(job.RequestID)
	log.Printf("[Job %s] Failed: %v", job.RequestID, jobErr)

	p.record(ctx, models.HistoryEntry{
		RequestID:             job.RequestID,
		Prompt:                job.Prompt,
		Resolution:            job.Resolution,
		GenerationTimeSeconds: elapsed,
		ErrorKind:             string(jobErr.Kind),
		ErrorDetail:           jobErr.Details,
	})
	p.finish(job, false)

	return jobErr
}

func (p *Pipeline) record(ctx context.Context, entry models.HistoryEntry) {
	if p.recorder == nil {
		return
	}
	entry.Transport = p.cfg.Transport
	entry.CreatedAt = time.Now()
	if err := p.recorder.Record(context.WithoutCancel(ctx), entry); err != nil {
		log.Printf("[Job %s] Failed to record history: %v", entry.RequestID, err)
	}
}

// finish applies the scratch policy. Failed jobs are always removed so they
// read as not_found instead of processing forever.
func (p *Pipeline) finish(job *Job, success bool) {
	switch {
	case !success || !p.cfg.KeepScratch:
		if err := utils.CleanupJobFiles(p.cfg.ScratchDir, job.RequestID); err != nil {
			log.Printf("[Job %s] Failed to clean up scratch directory: %v", job.RequestID, err)
		}
	case p.cfg.Retention > 0:
		utils.ScheduleCleanup(p.cfg.ScratchDir, job.RequestID, p.cfg.Retention)
	}
}

func missingInput(err error) *models.JobError {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		return models.NewJobError(models.KindInputMissing, "missing input", "Both audio_file and image_file are required")
	}
	return models.NewJobError(models.KindInputMissing, "missing input", err.Error())
}

func decodeError(kind string, err error) *models.JobError {
	e := models.NewJobError(models.KindDecode, "decode error", fmt.Sprintf("Failed to decode %s file: %v", kind, err))
	e.Err = err
	return e
}

func internalError(requestID string, err error) *models.JobError {
	return models.InternalError(err).WithRequestID(requestID)
}

func orDefault(value, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return value
}
