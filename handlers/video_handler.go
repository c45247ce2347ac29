package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"wans2v/models"
	"wans2v/services"
	"wans2v/utils"
)

// HistoryReader lists recent jobs for GET /history
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]models.HistoryEntry, error)
}

// GPUProbe reports GPU information for the health endpoint
type GPUProbe func(ctx context.Context) (string, bool)

// VideoHandler is the synchronous REST facade
type VideoHandler struct {
	pipeline       *services.Pipeline
	events         *EventHandler
	history        HistoryReader
	maxUploadBytes int64
	gpuProbe       GPUProbe

	gpuOnce      sync.Once
	gpuInfo      string
	gpuAvailable bool

	// Background generations started with async=true
	inflight sync.WaitGroup
}

// NewVideoHandler creates a new video handler. history may be nil.
func NewVideoHandler(pipeline *services.Pipeline, history HistoryReader, maxUploadMB int, gpuProbe GPUProbe) *VideoHandler {
	if gpuProbe == nil {
		gpuProbe = utils.QueryGPU
	}
	return &VideoHandler{
		pipeline:       pipeline,
		events:         NewEventHandler(pipeline),
		history:        history,
		maxUploadBytes: int64(maxUploadMB) << 20,
		gpuProbe:       gpuProbe,
	}
}

// RegisterRoutes mounts the REST facade. Health stays public.
func (h *VideoHandler) RegisterRoutes(router gin.IRouter, auth gin.HandlerFunc) {
	router.GET("/health", h.Health)

	protected := router.Group("/")
	protected.Use(auth)
	{
		protected.POST("/generate", h.Generate)
		protected.GET("/status/:request_id", h.Status)
		protected.GET("/download/:request_id", h.Download)
		protected.POST("/runsync", h.RunSync)
		protected.GET("/history", h.History)
	}
}

// Wait blocks until background generations finish
func (h *VideoHandler) Wait() {
	h.inflight.Wait()
}

// Health handles GET /health
func (h *VideoHandler) Health(c *gin.Context) {
	h.gpuOnce.Do(func() {
		h.gpuInfo, h.gpuAvailable = h.gpuProbe(c.Request.Context())
	})

	availability := h.pipeline.Availability()
	c.JSON(http.StatusOK, models.HealthResponse{
		Status:         "healthy",
		Timestamp:      time.Now(),
		ModelAvailable: availability.Available(),
		MockMode:       h.pipeline.MockMode(),
		ModelPath:      h.pipeline.CheckpointDir(),
		GPUAvailable:   h.gpuAvailable,
		GPUInfo:        h.gpuInfo,
	})
}

// Generate handles POST /generate (multipart audio_file, image_file, prompt, resolution).
// With async=true it answers 202 once inputs are staged and generates in the background.
func (h *VideoHandler) Generate(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	audio, err := h.readUpload(c, "audio_file")
	if err != nil {
		h.respondUploadError(c, err)
		return
	}
	image, err := h.readUpload(c, "image_file")
	if err != nil {
		h.respondUploadError(c, err)
		return
	}

	req := models.GenerationRequest{
		Prompt:     c.PostForm("prompt"),
		Resolution: c.PostForm("resolution"),
		Audio:      audio,
		Image:      image,
	}

	if c.Query("async") == "true" || c.PostForm("async") == "true" {
		job, err := h.pipeline.Stage(req)
		if err != nil {
			respondError(c, err)
			return
		}

		h.inflight.Add(1)
		go h.runBackground(job)

		c.JSON(http.StatusAccepted, models.AcceptedResponse{
			RequestID: job.RequestID,
			Status:    models.StatusProcessing,
			StatusURL: "/status/" + job.RequestID,
		})
		return
	}

	result, err := h.pipeline.Execute(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	result.DownloadURL = "/download/" + result.RequestID
	c.JSON(http.StatusOK, result)
}

func (h *VideoHandler) runBackground(job *services.Job) {
	defer h.inflight.Done()
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[Job %s] panic detected: %v\n%s", job.RequestID, r, debug.Stack())
			_ = utils.CleanupJobFiles(h.pipeline.ScratchDir(), job.RequestID)
		}
	}()

	// Errors are logged by the pipeline; status polling reports the outcome
	_, _ = h.pipeline.Run(context.Background(), job)
}

// Status handles GET /status/:request_id
func (h *VideoHandler) Status(c *gin.Context) {
	requestID := c.Param("request_id")

	resp := models.StatusResponse{
		Status:    models.StatusNotFound,
		RequestID: requestID,
		Message:   "Request not found",
	}
	if _, err := uuid.Parse(requestID); err != nil {
		c.JSON(http.StatusNotFound, resp)
		return
	}

	status, size := h.pipeline.Inspect(requestID)
	resp.Status = status

	switch status {
	case models.StatusCompleted:
		resp.FileSize = size
		resp.DownloadURL = "/download/" + requestID
		resp.Message = "Video ready for download"
	case models.StatusProcessing:
		resp.Message = "Video generation in progress"
	default:
		c.JSON(http.StatusNotFound, resp)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// Download handles GET /download/:request_id
func (h *VideoHandler) Download(c *gin.Context) {
	requestID := c.Param("request_id")
	if _, err := uuid.Parse(requestID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Video not found"})
		return
	}

	videoPath := h.pipeline.OutputPath(requestID)
	if !utils.FileExists(videoPath) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Video not found"})
		return
	}

	c.FileAttachment(videoPath, fmt.Sprintf("wan_generated_%s.mp4", requestID))
}

// RunSync handles POST /runsync, the JSON event contract with a platform-style envelope
func (h *VideoHandler) RunSync(c *gin.Context) {
	var event models.JobEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{
			Error:   "decode error",
			Details: "Invalid request body: " + err.Error(),
		})
		return
	}
	if event.ID == "" {
		event.ID = "sync-" + uuid.New().String()
	}

	out := h.events.Handle(c.Request.Context(), event)

	// The video is returned inline, so nothing is left for /download
	if result, ok := out.Output.(*models.GenerationResult); ok {
		if err := utils.CleanupJobFiles(h.pipeline.ScratchDir(), result.RequestID); err != nil {
			log.Printf("[Job %s] Failed to clean up scratch directory: %v", result.RequestID, err)
		}
	}

	c.JSON(http.StatusOK, out)
}

// History handles GET /history?limit=N
func (h *VideoHandler) History(c *gin.Context) {
	if h.history == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "History is not enabled"})
		return
	}

	limit := 20
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, 100)
	}

	entries, err := h.history.Recent(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"items": entries, "count": len(entries)})
}

func (h *VideoHandler) readUpload(c *gin.Context, field string) ([]byte, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return nil, err
	}
	return readFileHeader(fh)
}

func readFileHeader(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload %s: %w", fh.Filename, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload %s: %w", fh.Filename, err)
	}
	return data, nil
}

func (h *VideoHandler) respondUploadError(c *gin.Context, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, models.ErrorResponse{
			Error:   "request too large",
			Details: fmt.Sprintf("Uploads are limited to %d bytes", tooLarge.Limit),
		})
		return
	}
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		respondError(c, models.NewJobError(models.KindInputMissing, "missing input", "Both audio_file and image_file are required"))
		return
	}
	respondError(c, models.NewJobError(models.KindDecode, "decode error", err.Error()))
}

func respondError(c *gin.Context, err error) {
	jobErr := asJobError(err)
	c.JSON(jobErr.HTTPStatus(), jobErr.Response())
}
