package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"wans2v/client"
	"wans2v/config"
	"wans2v/models"
	"wans2v/queue"
	"wans2v/utils"
)

func main() {
	log.SetPrefix("client: ")
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) int {
	cfg := config.LoadClientConfig()

	fs := flag.NewFlagSet("client", flag.ContinueOnError)
	endpoint := fs.String("endpoint", cfg.Endpoint, "Endpoint base URL (POST <endpoint>/runsync)")
	apiKeys := fs.String("api-keys", strings.Join(cfg.APIKeys, ","), "Comma-separated bearer keys, rotated per request")
	timeout := fs.Duration("timeout", cfg.Timeout, "Maximum wait for one submission")
	audio := fs.String("audio", "", "Input audio file")
	image := fs.String("image", "", "Input image file")
	prompt := fs.String("prompt", "", "Text prompt")
	resolution := fs.String("resolution", "", "Output resolution, e.g. 1024*704")
	output := fs.String("output", "output_video.mp4", "Where to save the generated video")
	health := fs.Bool("health", false, "Query /health and exit")
	status := fs.String("status", "", "Query /status for a request id and exit")
	download := fs.String("download", "", "Download the video for a request id to --output and exit")
	redisAddr := fs.String("redis", "", "Submit through a Redis queue at this address instead of HTTP")
	queueName := fs.String("queue", "s2v:jobs", "Redis queue name")
	resultPrefix := fs.String("result-prefix", "s2v:result:", "Redis result key prefix")

	if err := fs.Parse(args); err != nil {
		return 1
	}

	var opts []client.Option
	opts = append(opts, client.WithTimeout(*timeout))
	if keys := splitKeys(*apiKeys); len(keys) > 0 {
		opts = append(opts, client.WithKeyPool(utils.NewAPIKeyPool(keys)))
	}
	c := client.New(*endpoint, opts...)

	ctx := context.Background()

	switch {
	case *health:
		resp, err := c.Health(ctx)
		if err != nil {
			log.Printf("Health check failed: %v", err)
			return 1
		}
		return printJSON(stdout, resp)
	case *status != "":
		resp, err := c.Status(ctx, *status)
		if err != nil {
			log.Printf("Status check failed: %v", err)
			return 1
		}
		return printJSON(stdout, resp)
	case *download != "":
		if err := c.Download(ctx, *download, *output); err != nil {
			log.Printf("Download failed: %v", err)
			return 1
		}
		log.Printf("Saved %s", *output)
		return 0
	}

	if *audio == "" || *image == "" {
		fmt.Fprintln(os.Stderr, "--audio and --image are required")
		fs.Usage()
		return 1
	}

	if *redisAddr != "" {
		return submitQueued(ctx, stdout, *redisAddr, *queueName, *resultPrefix, *timeout, *audio, *image, *prompt, *resolution, *output)
	}

	log.Printf("Submitting to %s (timeout %s)", *endpoint, *timeout)
	result, err := c.GenerateFromFiles(ctx, *audio, *image, *prompt, *resolution)
	if err != nil {
		log.Printf("Failed to read inputs: %v", err)
		return 1
	}

	if !result.OK() {
		log.Printf("Generation failed after %s (%s): %s", result.Elapsed.Round(time.Millisecond), result.Kind, result.ErrorDetail)
		return 1
	}

	if err := client.SaveArtifact(result, *output); err != nil {
		log.Printf("Failed to save video: %v", err)
		return 1
	}

	resp := result.Response
	log.Printf("Saved %s (%d bytes, generated in %.1fs, mock: %t)", *output, resp.FileSizeBytes, resp.GenerationTimeSeconds, resp.Mock)
	fmt.Fprintln(stdout, resp.RequestID)
	return 0
}

func submitQueued(ctx context.Context, stdout io.Writer, addr, name, prefix string, timeout time.Duration, audioPath, imagePath, prompt, resolution, output string) int {
	audio, err := client.EncodeArtifact(audioPath)
	if err != nil {
		log.Printf("Failed to read inputs: %v", err)
		return 1
	}
	image, err := client.EncodeArtifact(imagePath)
	if err != nil {
		log.Printf("Failed to read inputs: %v", err)
		return 1
	}

	q := queue.NewRedisQueue(redis.NewClient(&redis.Options{Addr: addr}), name, prefix, 0)
	defer q.Close()

	id, err := q.Enqueue(ctx, models.JobEvent{Input: &models.JobInput{
		AudioFile:  audio,
		ImageFile:  image,
		Prompt:     prompt,
		Resolution: resolution,
	}})
	if err != nil {
		log.Printf("Failed to enqueue: %v", err)
		return 1
	}
	log.Printf("Enqueued job %s on %s", id, name)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := q.WaitResult(waitCtx, id)
	if err != nil {
		log.Printf("No result for job %s: %v", id, err)
		return 1
	}

	data, err := json.Marshal(out.Output)
	if err != nil {
		log.Printf("Invalid result for job %s: %v", id, err)
		return 1
	}

	if out.Status != models.JobStatusCompleted {
		log.Printf("Job %s failed: %s", id, string(data))
		return 1
	}

	var res models.GenerationResult
	if err := json.Unmarshal(data, &res); err != nil {
		log.Printf("Invalid result for job %s: %v", id, err)
		return 1
	}
	if err := client.SaveArtifact(&client.Result{Status: client.StatusSuccess, Response: &res}, output); err != nil {
		log.Printf("Failed to save video: %v", err)
		return 1
	}

	log.Printf("Saved %s (%d bytes)", output, res.FileSizeBytes)
	fmt.Fprintln(stdout, res.RequestID)
	return 0
}

func splitKeys(s string) []string {
	var keys []string
	for _, k := range strings.Split(s, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

func printJSON(w io.Writer, v interface{}) int {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Printf("Failed to print response: %v", err)
		return 1
	}
	return 0
}
