package main

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wans2v/generator"
)

func TestRunExitCodes(t *testing.T) {
	dir := t.TempDir()
	image := filepath.Join(dir, "in.jpg")
	audio := filepath.Join(dir, "in.wav")
	require.NoError(t, os.WriteFile(image, make([]byte, 128), 0644))
	require.NoError(t, os.WriteFile(audio, make([]byte, 128), 0644))

	base := []string{
		"--ckpt_dir", filepath.Join(dir, "ckpt"),
		"--prompt", "test",
		"--image", image,
		"--audio", audio,
	}

	t.Run("Mock success", func(t *testing.T) {
		output := filepath.Join(dir, "ok.mp4")
		var stdout bytes.Buffer
		code := run(append(base, "--output", output, "--size", "512*512", "--convert_model_dtype"), &stdout)
		assert.Equal(t, 0, code)
		assert.Equal(t, generator.FormatMockMarker(true), strings.TrimSpace(stdout.String()))

		data, err := os.ReadFile(output)
		require.NoError(t, err)
		assert.True(t, generator.IsMockVideo(data))
	})

	t.Run("Missing required flag", func(t *testing.T) {
		assert.Equal(t, 1, run(base, io.Discard))
	})

	t.Run("Undersized input", func(t *testing.T) {
		code := run(append(base, "--output", filepath.Join(dir, "small.mp4"), "--min_input_bytes", "1000"), io.Discard)
		assert.Equal(t, 1, code)
	})

	t.Run("Invalid offload value", func(t *testing.T) {
		code := run(append(base, "--output", filepath.Join(dir, "x.mp4"), "--offload_model", "maybe"), io.Discard)
		assert.Equal(t, 1, code)
	})
}

func TestRunMockFlagSkipsRealInference(t *testing.T) {
	dir := t.TempDir()
	ckpt := filepath.Join(dir, "ckpt")
	require.NoError(t, os.MkdirAll(ckpt, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(ckpt, "model.safetensors"), []byte("w"), 0644))

	image := filepath.Join(dir, "in.jpg")
	audio := filepath.Join(dir, "in.wav")
	require.NoError(t, os.WriteFile(image, make([]byte, 128), 0644))
	require.NoError(t, os.WriteFile(audio, make([]byte, 128), 0644))

	// Would fail the run if it were invoked
	infer := filepath.Join(dir, "infer.sh")
	require.NoError(t, os.WriteFile(infer, []byte("#!/bin/sh\nexit 3\n"), 0755))

	output := filepath.Join(dir, "out.mp4")
	var stdout bytes.Buffer
	code := run([]string{
		"--ckpt_dir", ckpt,
		"--prompt", "test",
		"--image", image,
		"--audio", audio,
		"--output", output,
		"--inference_cmd", infer,
		"--mock",
	}, &stdout)
	require.Equal(t, 0, code)
	assert.Contains(t, stdout.String(), generator.FormatMockMarker(true))

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	assert.True(t, generator.IsMockVideo(data))
}
