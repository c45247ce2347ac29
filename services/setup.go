package services

import (
	"context"
	"fmt"
	"log"

	"wans2v/config"
	"wans2v/generator"
	"wans2v/storage"
	"wans2v/store"
)

// Integrations are the optional collaborators enabled by configuration
type Integrations struct {
	History  *store.History
	Uploader *storage.S3Uploader
}

// OpenIntegrations connects the history store and S3 mirror when configured
func OpenIntegrations(ctx context.Context, cfg *config.Config) (*Integrations, error) {
	in := &Integrations{}

	if cfg.HistoryDSN != "" {
		history, err := store.Open(cfg.HistoryDSN)
		if err != nil {
			return nil, err
		}
		in.History = history
		log.Printf("Job history enabled")
	}

	if cfg.S3Bucket != "" {
		uploader, err := storage.NewS3Uploader(ctx, storage.S3Config{
			Bucket:        cfg.S3Bucket,
			Region:        cfg.S3Region,
			Endpoint:      cfg.S3Endpoint,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			PublicBaseURL: cfg.S3PublicBaseURL,
			Prefix:        cfg.S3Prefix,
		})
		if err != nil {
			in.Close()
			return nil, fmt.Errorf("failed to init S3 uploader: %w", err)
		}
		in.Uploader = uploader
		log.Printf("Mirroring outputs to bucket %s", cfg.S3Bucket)
	}

	return in, nil
}

// Options converts the enabled integrations into pipeline options
func (in *Integrations) Options() []PipelineOption {
	var opts []PipelineOption
	if in.History != nil {
		opts = append(opts, WithRecorder(in.History))
	}
	if in.Uploader != nil {
		opts = append(opts, WithUploader(in.Uploader))
	}
	return opts
}

// Close releases the history database
func (in *Integrations) Close() {
	if in.History != nil {
		if err := in.History.Close(); err != nil {
			log.Printf("Failed to close history store: %v", err)
		}
	}
}

// NewGenerator returns the CLI subprocess generator when GENERATOR_BIN is set,
// the in-process one otherwise
func NewGenerator(cfg *config.Config) Generator {
	if cfg.GeneratorBin != "" {
		return NewCommandGenerator(cfg.GeneratorBin, cfg.GeneratorWorkDir, cfg.InferenceCmd, int64(cfg.MinArtifactBytes))
	}
	return &InProcessGenerator{
		InferenceCmd:  cfg.InferenceCmd,
		WorkDir:       cfg.GeneratorWorkDir,
		MinInputBytes: int64(cfg.MinArtifactBytes),
	}
}

// NewPipelineFromConfig discovers the checkpoint, checks model availability
// once and builds a pipeline writing scratch directories under scratchDir
func NewPipelineFromConfig(cfg *config.Config, scratchDir, transport string, keepScratch bool, opts ...PipelineOption) *Pipeline {
	checkpoint := DiscoverCheckpoint(cfg.CheckpointDirs)

	return NewPipeline(PipelineConfig{
		ScratchDir:        scratchDir,
		KeepScratch:       keepScratch,
		Retention:         cfg.OutputRetention,
		DefaultPrompt:     cfg.DefaultPrompt,
		DefaultResolution: cfg.DefaultResolution,
		MinArtifactBytes:  cfg.MinArtifactBytes,
		Task:              cfg.Task,
		CheckpointDir:     checkpoint,
		OffloadModel:      cfg.OffloadModel,
		ConvertModelDType: cfg.ConvertModelDType,
		Availability:      generator.CheckAvailability(checkpoint, cfg.InferenceCmd),
		AllowMock:         cfg.AllowMock,
		Transport:         transport,
	}, NewGenerator(cfg), opts...)
}
