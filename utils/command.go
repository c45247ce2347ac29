package utils

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"
)

// Command describes a subprocess invocation
type Command struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

// CommandResult holds the outcome of a finished subprocess
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// RunCommand executes a command and captures its output.
// A non-zero exit is reported through ExitCode; the error is only set when
// the process could not be started or was killed by the context.
func RunCommand(ctx context.Context, c Command) (CommandResult, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	result := CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		result.ExitCode = -1
		return result, fmt.Errorf("%s error: %w, stderr: %s", c.Name, err, result.Stderr)
	}

	return result, nil
}

// QueryGPU asks nvidia-smi for the GPU name and memory
func QueryGPU(ctx context.Context) (string, bool) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	res, err := RunCommand(ctx, Command{
		Name: "nvidia-smi",
		Args: []string{"--query-gpu=name,memory.total", "--format=csv,noheader,nounits"},
	})
	if err != nil || res.ExitCode != 0 {
		return "No GPU detected", false
	}
	return strings.TrimSpace(res.Stdout), true
}
