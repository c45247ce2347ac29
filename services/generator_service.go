package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"

	"wans2v/generator"
	"wans2v/utils"
)

// GenerateParams is the generate CLI contract consumed by the pipeline
type GenerateParams struct {
	Task              string
	Resolution        string
	CheckpointDir     string
	Prompt            string
	ImagePath         string
	AudioPath         string
	OutputPath        string
	OffloadModel      bool
	ConvertModelDType bool

	// Availability is the startup model check; nil lets the generator probe for itself
	Availability *generator.Availability
}

// GenerateOutcome is what the pipeline gets back from a generator.
// ExitCode 0 plus a non-empty output file is the only success signal.
type GenerateOutcome struct {
	ExitCode int
	Stdout   string
	Stderr   string
	// Mock is true when the generator wrote the placeholder instead of running the model
	Mock bool
}

// Generator is the compute step behind the facade
type Generator interface {
	Generate(ctx context.Context, params GenerateParams) (GenerateOutcome, error)
}

func (p GenerateParams) options() generator.Options {
	return generator.Options{
		Task:              p.Task,
		Size:              p.Resolution,
		CheckpointDir:     p.CheckpointDir,
		Prompt:            p.Prompt,
		ImagePath:         p.ImagePath,
		AudioPath:         p.AudioPath,
		OutputPath:        p.OutputPath,
		OffloadModel:      p.OffloadModel,
		ConvertModelDType: p.ConvertModelDType,
		Availability:      p.Availability,
	}
}

// mockExpected is what the startup check predicts when the generator does not say
func (p GenerateParams) mockExpected() bool {
	return p.Availability != nil && !p.Availability.Available()
}

// CommandGenerator runs the generate CLI as a subprocess
type CommandGenerator struct {
	Binary        string
	WorkDir       string
	InferenceCmd  string
	MinInputBytes int64
}

// NewCommandGenerator creates a generator that shells out to binary
func NewCommandGenerator(binary, workDir, inferenceCmd string, minInputBytes int64) *CommandGenerator {
	return &CommandGenerator{
		Binary:        binary,
		WorkDir:       workDir,
		InferenceCmd:  inferenceCmd,
		MinInputBytes: minInputBytes,
	}
}

// Generate executes the CLI and reports its exit code and output streams
func (g *CommandGenerator) Generate(ctx context.Context, params GenerateParams) (GenerateOutcome, error) {
	args := append(params.options().Args(), "--min_input_bytes", strconv.FormatInt(g.MinInputBytes, 10))
	if params.mockExpected() {
		args = append(args, "--mock")
	}

	res, err := utils.RunCommand(ctx, utils.Command{
		Name: g.Binary,
		Args: args,
		Dir:  g.WorkDir,
		Env:  []string{"S2V_INFERENCE_CMD=" + g.InferenceCmd},
	})
	if err != nil {
		return GenerateOutcome{ExitCode: res.ExitCode, Stderr: res.Stderr}, err
	}

	mock, ok := generator.ParseMockMarker(res.Stdout)
	if !ok {
		mock = params.mockExpected()
	}

	log.Printf("Generator %s finished in %s with exit code %d (mock: %t)", g.Binary, res.Duration, res.ExitCode, mock)
	return GenerateOutcome{
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Mock:     mock,
	}, nil
}

// InProcessGenerator calls the generator package directly, used when no CLI binary is configured
type InProcessGenerator struct {
	InferenceCmd  string
	WorkDir       string
	MinInputBytes int64
}

// Generate runs one generation, translating errors into the CLI's exit code 1
func (g *InProcessGenerator) Generate(ctx context.Context, params GenerateParams) (GenerateOutcome, error) {
	opts := params.options()
	opts.InferenceCmd = g.InferenceCmd
	opts.WorkDir = g.WorkDir
	opts.MinInputBytes = g.MinInputBytes

	report, err := generator.Run(ctx, opts)
	if err != nil {
		return GenerateOutcome{ExitCode: 1, Stderr: err.Error(), Mock: report.Mock}, nil
	}

	return GenerateOutcome{
		Stdout: fmt.Sprintf("generated %d bytes (mock: %t)", report.OutputSize, report.Mock),
		Mock:   report.Mock,
	}, nil
}

// DiscoverCheckpoint returns the first candidate directory that exists.
// With no existing candidate it returns the first one so availability reports a useful path.
func DiscoverCheckpoint(candidates []string) string {
	for _, dir := range candidates {
		info, err := os.Stat(dir)
		if err == nil && info.IsDir() {
			return dir
		}
	}
	if len(candidates) > 0 {
		return candidates[0]
	}
	return ""
}
