package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"

	"wans2v/generator"
)

func main() {
	log.SetPrefix("generate: ")
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) int {
	fs := flag.NewFlagSet("generate", flag.ContinueOnError)

	task := fs.String("task", generator.DefaultTask, "Task type")
	size := fs.String("size", generator.DefaultSize, "Output resolution, e.g. 1024*704")
	ckptDir := fs.String("ckpt_dir", "", "Checkpoint directory (required)")
	offload := fs.String("offload_model", "True", "Offload model to save memory")
	convert := fs.Bool("convert_model_dtype", false, "Convert model dtype")
	prompt := fs.String("prompt", "", "Text prompt (required)")
	image := fs.String("image", "", "Input image path (required)")
	audio := fs.String("audio", "", "Input audio path (required)")
	output := fs.String("output", "", "Output video path (required)")
	inferenceCmd := fs.String("inference_cmd", os.Getenv("S2V_INFERENCE_CMD"), "External inference command; empty runs in mock mode")
	minBytes := fs.Int64("min_input_bytes", generator.DefaultMinInputBytes, "Minimum size of each input file")
	mock := fs.Bool("mock", false, "Write the placeholder video without probing for model weights")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	required := map[string]string{
		"ckpt_dir": *ckptDir,
		"prompt":   *prompt,
		"image":    *image,
		"audio":    *audio,
		"output":   *output,
	}
	for name, value := range required {
		if value == "" {
			fmt.Fprintf(os.Stderr, "missing required flag --%s\n", name)
			fs.Usage()
			return 1
		}
	}

	offloadModel, err := strconv.ParseBool(*offload)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid --offload_model %q: %v\n", *offload, err)
		return 1
	}

	opts := generator.Options{
		Task:              *task,
		Size:              *size,
		CheckpointDir:     *ckptDir,
		Prompt:            *prompt,
		ImagePath:         *image,
		AudioPath:         *audio,
		OutputPath:        *output,
		OffloadModel:      offloadModel,
		ConvertModelDType: *convert,
		InferenceCmd:      *inferenceCmd,
		MinInputBytes:     *minBytes,
	}
	if *mock {
		opts.Availability = &generator.Availability{CheckpointDir: *ckptDir, MockRequested: true}
	}

	log.Printf("Task: %s, Size: %s, Checkpoint: %s", opts.Task, opts.Size, opts.CheckpointDir)
	log.Printf("Prompt: %s", opts.Prompt)
	log.Printf("Image: %s, Audio: %s, Output: %s", opts.ImagePath, opts.AudioPath, opts.OutputPath)

	report, err := generator.Run(context.Background(), opts)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		return 1
	}

	log.Printf("Generation completed (mock: %t): %s, %d bytes", report.Mock, opts.OutputPath, report.OutputSize)
	fmt.Fprintln(stdout, generator.FormatMockMarker(report.Mock))
	return 0
}
