// Package client submits generation jobs to a facade endpoint, either the
// REST server's /runsync route or a serverless endpoint exposing the same contract.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"wans2v/models"
	"wans2v/utils"
)

// DefaultTimeout bounds one blocking submission
const DefaultTimeout = 5 * time.Minute

// keyCooldown is how long a rejected key is benched
const keyCooldown = time.Minute

var (
	// ErrFileNotFound is returned by EncodeArtifact for missing inputs
	ErrFileNotFound = utils.ErrFileNotFound
	// ErrDecode is returned by SaveArtifact for malformed video payloads
	ErrDecode = utils.ErrDecode
)

// Status is the outcome of a submission
type Status string

const (
	StatusSuccess Status = "Success"
	StatusFailure Status = "Failure"
)

// Result is returned for every submission; failures are values, not errors
type Result struct {
	Status      Status
	RequestID   string
	JobID       string
	Response    *models.GenerationResult
	Kind        models.ErrorKind
	ErrorDetail string
	HTTPStatus  int
	Elapsed     time.Duration
}

// OK reports whether the job succeeded
func (r *Result) OK() bool {
	return r != nil && r.Status == StatusSuccess
}

// Client talks to one endpoint. It never retries; a failed call must be
// resubmitted as a new job.
type Client struct {
	baseURL    string
	timeout    time.Duration
	apiKey     string
	pool       *utils.APIKeyPool
	httpClient *http.Client
}

// Option configures a Client
type Option func(*Client)

// WithTimeout sets the per-request timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithAPIKey authenticates with a single bearer key
func WithAPIKey(key string) Option {
	return func(c *Client) {
		c.apiKey = key
	}
}

// WithKeyPool rotates bearer keys from pool, benching rejected ones
func WithKeyPool(pool *utils.APIKeyPool) Option {
	return func(c *Client) {
		c.pool = pool
	}
}

// WithHTTPClient uses hc's transport as the base transport
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// New creates a client for baseURL
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}

	var base http.RoundTripper = http.DefaultTransport
	if c.httpClient != nil && c.httpClient.Transport != nil {
		base = c.httpClient.Transport
	}

	var source oauth2.TokenSource
	switch {
	case c.pool != nil:
		source = c.pool
	case c.apiKey != "":
		source = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: c.apiKey, TokenType: "Bearer"})
	}

	transport := base
	if source != nil {
		transport = &oauth2.Transport{Source: source, Base: base}
	}

	c.httpClient = &http.Client{
		Timeout:   c.timeout,
		Transport: transport,
	}
	return c
}

// EncodeArtifact base64-encodes a local file
func EncodeArtifact(path string) (string, error) {
	return utils.EncodeArtifact(path)
}

// SaveArtifact decodes the result's video and writes it to path
func SaveArtifact(result *Result, path string) error {
	if !result.OK() || result.Response == nil {
		return errors.New("result has no video artifact")
	}

	data, err := utils.DecodeArtifact(result.Response.VideoBase64, 1)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// GenerateFromFiles encodes both inputs and submits them.
// The error is only set when a local file cannot be read.
func (c *Client) GenerateFromFiles(ctx context.Context, audioPath, imagePath, prompt, resolution string) (*Result, error) {
	audio, err := EncodeArtifact(audioPath)
	if err != nil {
		return nil, err
	}
	image, err := EncodeArtifact(imagePath)
	if err != nil {
		return nil, err
	}

	return c.Submit(ctx, models.JobInput{
		AudioFile:  audio,
		ImageFile:  image,
		Prompt:     prompt,
		Resolution: resolution,
	}), nil
}

// Submit posts {"input": ...} to <baseURL>/runsync and waits for the result
func (c *Client) Submit(ctx context.Context, input models.JobInput) *Result {
	start := time.Now()
	result := c.submit(ctx, input)
	result.Elapsed = time.Since(start)
	return result
}

func (c *Client) submit(ctx context.Context, input models.JobInput) *Result {
	body, err := json.Marshal(models.JobEvent{Input: &input})
	if err != nil {
		return failure(models.KindInternal, 0, err.Error())
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/runsync", bytes.NewReader(body))
	if err != nil {
		return failure(models.KindTransport, 0, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return failure(models.KindTimeout, 0, fmt.Sprintf("Timeout: no response within %s", c.timeout))
		}
		return failure(models.KindTransport, 0, err.Error())
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return failure(models.KindTimeout, resp.StatusCode, fmt.Sprintf("Timeout: no response within %s", c.timeout))
		}
		return failure(models.KindTransport, resp.StatusCode, err.Error())
	}

	c.trackKey(resp)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return failure(models.KindTransport, resp.StatusCode, fmt.Sprintf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}

	result := parseResponse(data)
	result.HTTPStatus = resp.StatusCode
	return result
}

// trackKey benches pool keys the endpoint rejected
func (c *Client) trackKey(resp *http.Response) {
	if c.pool == nil || resp.Request == nil {
		return
	}
	key := strings.TrimPrefix(resp.Request.Header.Get("Authorization"), "Bearer ")
	if key == "" {
		return
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusTooManyRequests:
		c.pool.MarkFailed(key, keyCooldown)
	default:
		c.pool.MarkSuccess(key)
	}
}

// envelope covers both the platform wrapper and a bare facade response
type envelope struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Output json.RawMessage `json:"output"`
	Error  string          `json:"error"`
}

type payload struct {
	Success   bool   `json:"success"`
	RequestID string `json:"request_id"`
	Error     string `json:"error"`
	Details   string `json:"details"`
}

func parseResponse(data []byte) *Result {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return failure(models.KindTransport, 0, fmt.Sprintf("invalid response body: %v", err))
	}

	body := data
	wrapped := len(env.Output) > 0 && string(env.Output) != "null"
	if wrapped {
		body = env.Output
	} else if env.Status != "" && env.Status != models.JobStatusCompleted && env.Status != models.JobStatusFailed {
		// The platform answered before the job finished
		r := failure(models.KindTimeout, 0, fmt.Sprintf("job %s still %s", env.ID, env.Status))
		r.JobID = env.ID
		return r
	} else if env.Status == models.JobStatusFailed && env.Error != "" {
		r := failure(models.KindGenerationFailed, 0, env.Error)
		r.JobID = env.ID
		return r
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		return failure(models.KindTransport, 0, fmt.Sprintf("invalid output: %v", err))
	}

	if !p.Success {
		detail := p.Error
		if p.Details != "" {
			detail = fmt.Sprintf("%s: %s", p.Error, p.Details)
		}
		if detail == "" {
			detail = "unexpected response: " + strings.TrimSpace(string(body))
		}
		r := failure(kindFromMessage(p.Error), 0, detail)
		r.RequestID = p.RequestID
		r.JobID = env.ID
		return r
	}

	var res models.GenerationResult
	if err := json.Unmarshal(body, &res); err != nil {
		return failure(models.KindTransport, 0, fmt.Sprintf("invalid output: %v", err))
	}

	return &Result{
		Status:    StatusSuccess,
		RequestID: res.RequestID,
		JobID:     env.ID,
		Response:  &res,
	}
}

func kindFromMessage(msg string) models.ErrorKind {
	switch strings.ToLower(msg) {
	case "missing input":
		return models.KindInputMissing
	case "decode error":
		return models.KindDecode
	case "model unavailable":
		return models.KindModelUnavailable
	case "internal server error":
		return models.KindInternal
	default:
		return models.KindGenerationFailed
	}
}

func failure(kind models.ErrorKind, status int, detail string) *Result {
	return &Result{
		Status:      StatusFailure,
		Kind:        kind,
		ErrorDetail: detail,
		HTTPStatus:  status,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Health fetches GET /health
func (c *Client) Health(ctx context.Context) (*models.HealthResponse, error) {
	var health models.HealthResponse
	if _, err := c.getJSON(ctx, "/health", &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// Status fetches GET /status/{id}; an unknown id yields a not_found status, not an error
func (c *Client) Status(ctx context.Context, requestID string) (*models.StatusResponse, error) {
	var status models.StatusResponse
	code, err := c.getJSON(ctx, "/status/"+requestID, &status)
	if err != nil && code != http.StatusNotFound {
		return nil, err
	}
	if code == http.StatusNotFound && status.Status == "" {
		status.Status = models.StatusNotFound
		status.RequestID = requestID
	}
	return &status, nil
}

// Download saves GET /download/{id} to dest
func (c *Client) Download(ctx context.Context, requestID, dest string) error {
	return utils.DownloadFile(ctx, c.httpClient, c.baseURL+"/download/"+requestID, dest)
}

func (c *Client) getJSON(ctx context.Context, path string, v interface{}) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, err
	}

	decodeErr := json.Unmarshal(data, v)
	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, fmt.Errorf("HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if decodeErr != nil {
		return resp.StatusCode, fmt.Errorf("invalid response body: %w", decodeErr)
	}
	return resp.StatusCode, nil
}
