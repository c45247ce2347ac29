// Package generator implements the generation step behind the generate CLI.
//
// A run either hands the staged inputs to an external inference command, when
// model weights and that command are both available, or writes a placeholder
// video (mock mode) so the rest of the pipeline can be exercised end-to-end.
package generator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"path/filepath"
	"strconv"
	"strings"

	"wans2v/utils"
)

// Defaults shared by the CLI and the facade
const (
	DefaultTask          = "s2v-14B"
	DefaultSize          = "512*512"
	DefaultMinInputBytes = 44
)

var modelExtensions = []string{".bin", ".safetensors", ".pt", ".pth"}

// Options mirrors the generate CLI flags
type Options struct {
	Task              string
	Size              string
	CheckpointDir     string
	Prompt            string
	ImagePath         string
	AudioPath         string
	OutputPath        string
	OffloadModel      bool
	ConvertModelDType bool

	// InferenceCmd is the external real-inference command; empty means mock mode
	InferenceCmd  string
	WorkDir       string
	MinInputBytes int64

	// Availability, when set, is used instead of probing the checkpoint directory
	Availability *Availability
}

// Report describes a finished run
type Report struct {
	Mock       bool
	ModelFiles int
	OutputSize int64
}

// Availability is the once-per-process answer to "can we run the real model?"
type Availability struct {
	CheckpointDir string
	ModelFiles    int
	InferenceCmd  string
	// MockRequested forces the placeholder regardless of weights
	MockRequested bool
}

// Available is true only when weights were found and an inference command is configured
func (a Availability) Available() bool {
	return !a.MockRequested && a.ModelFiles > 0 && strings.TrimSpace(a.InferenceCmd) != ""
}

// Reason explains why mock mode is in effect
func (a Availability) Reason() string {
	switch {
	case a.Available():
		return ""
	case a.MockRequested:
		return "mock mode requested"
	case a.ModelFiles == 0:
		return fmt.Sprintf("no model files found in %s", a.CheckpointDir)
	default:
		return "no inference command configured"
	}
}

// FindModelFiles lists weight files under dir
func FindModelFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		for _, want := range modelExtensions {
			if ext == want {
				files = append(files, path)
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

// CheckAvailability probes the checkpoint directory for model weights
func CheckAvailability(checkpointDir, inferenceCmd string) Availability {
	a := Availability{CheckpointDir: checkpointDir, InferenceCmd: inferenceCmd}
	files, err := FindModelFiles(checkpointDir)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			log.Printf("Failed to scan checkpoint directory %s: %v", checkpointDir, err)
		}
		return a
	}
	a.ModelFiles = len(files)
	return a
}

// ValidateInputs checks that both staged inputs exist and are not trivially small
func ValidateInputs(imagePath, audioPath string, minBytes int64) error {
	inputs := []struct {
		kind string
		path string
	}{
		{"image", imagePath},
		{"audio", audioPath},
	}

	for _, in := range inputs {
		size, err := utils.GetFileSize(in.path)
		if err != nil {
			return fmt.Errorf("%s file not found: %s", in.kind, in.path)
		}
		if size < minBytes {
			return fmt.Errorf("%s file too small (%d bytes), likely invalid", in.kind, size)
		}
	}

	return nil
}

// Run executes one generation
func Run(ctx context.Context, opts Options) (Report, error) {
	if opts.Task == "" {
		opts.Task = DefaultTask
	}
	if opts.Size == "" {
		opts.Size = DefaultSize
	}

	var availability Availability
	if opts.Availability != nil {
		availability = *opts.Availability
	} else {
		availability = CheckAvailability(opts.CheckpointDir, opts.InferenceCmd)
	}
	report := Report{ModelFiles: availability.ModelFiles}

	if err := ValidateInputs(opts.ImagePath, opts.AudioPath, opts.MinInputBytes); err != nil {
		return report, err
	}

	if availability.Available() {
		opts.InferenceCmd = availability.InferenceCmd
		if err := runInference(ctx, opts); err != nil {
			return report, err
		}
	} else {
		log.Printf("Mock generation: %s", availability.Reason())
		report.Mock = true
		if _, err := WriteMockVideo(opts.OutputPath); err != nil {
			return report, err
		}
	}

	size, err := utils.GetFileSize(opts.OutputPath)
	if err != nil {
		return report, fmt.Errorf("output video not found: %s", opts.OutputPath)
	}
	if size == 0 {
		return report, fmt.Errorf("output video is empty: %s", opts.OutputPath)
	}
	report.OutputSize = size

	return report, nil
}

// Args renders options as generate CLI flags
func (o Options) Args() []string {
	args := []string{
		"--task", o.Task,
		"--size", o.Size,
		"--ckpt_dir", o.CheckpointDir,
		"--offload_model", strconv.FormatBool(o.OffloadModel),
	}
	if o.ConvertModelDType {
		args = append(args, "--convert_model_dtype")
	}
	return append(args,
		"--prompt", o.Prompt,
		"--image", o.ImagePath,
		"--audio", o.AudioPath,
		"--output", o.OutputPath,
	)
}

func runInference(ctx context.Context, opts Options) error {
	fields := strings.Fields(opts.InferenceCmd)
	res, err := utils.RunCommand(ctx, utils.Command{
		Name: fields[0],
		Args: append(fields[1:], opts.Args()...),
		Dir:  opts.WorkDir,
	})
	if err != nil {
		return fmt.Errorf("inference failed: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("inference exited with code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}
