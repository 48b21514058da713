package handlers

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"time"

	"tunedrop/middleware"
	"tunedrop/services"
	"tunedrop/types"
	"tunedrop/websocket"

	"github.com/gin-gonic/gin"
	gws "github.com/gorilla/websocket"
)

// UserTracker records requester activity
type UserTracker interface {
	TouchUser(ctx context.Context, userID int64, username string) error
}

// DownloadHandler handles download management endpoints
type DownloadHandler struct {
	queue    services.JobQueue
	store    *services.ArtifactStore
	packer   services.Packer
	hub      websocket.Hub
	upgrader gws.Upgrader
	tracker  UserTracker
	logger   *slog.Logger
}

// NewDownloadHandler creates a new download handler. tracker may be nil.
func NewDownloadHandler(queue services.JobQueue, store *services.ArtifactStore, packer services.Packer, hub websocket.Hub, upgrader gws.Upgrader, tracker UserTracker, logger *slog.Logger) *DownloadHandler {
	return &DownloadHandler{
		queue:    queue,
		store:    store,
		packer:   packer,
		hub:      hub,
		upgrader: upgrader,
		tracker:  tracker,
		logger:   logger,
	}
}

// Submit queues a download for the caller
func (h *DownloadHandler) Submit(c *gin.Context) {
	var req types.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.TimeoutSeconds < 0 {
		respondError(c, h.logger, &services.ValidationError{Field: "timeoutSeconds", Reason: "must not be negative"})
		return
	}

	requesterID := middleware.RequesterID(c)
	if h.tracker != nil {
		if err := h.tracker.TouchUser(c.Request.Context(), requesterID, c.GetHeader("X-Requester-Name")); err != nil {
			h.logger.Warn("failed to track user", "requester_id", requesterID, "error", err)
		}
	}

	var opts []services.SubmitOption
	if req.TimeoutSeconds > 0 {
		opts = append(opts, services.WithTimeout(time.Duration(req.TimeoutSeconds)*time.Second))
	}

	id, err := h.queue.Submit(requesterID, req.Resource, req.Quality, opts...)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	job, _ := h.queue.Status(id)
	c.JSON(http.StatusCreated, gin.H{
		"message": "download queued",
		"job":     job,
	})
}

// ListJobs returns the caller's jobs
func (h *DownloadHandler) ListJobs(c *gin.Context) {
	jobs := h.queue.List(middleware.RequesterID(c))
	c.JSON(http.StatusOK, gin.H{
		"jobs":  jobs,
		"total": len(jobs),
	})
}

// GetJob returns one of the caller's jobs
func (h *DownloadHandler) GetJob(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		respondError(c, h.logger, services.ErrJobNotFound)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

// CancelJob cancels a queued job or asks a running one to stop
func (h *DownloadHandler) CancelJob(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		respondError(c, h.logger, services.ErrJobNotFound)
		return
	}
	if !h.queue.Cancel(job.ID) {
		c.JSON(http.StatusConflict, gin.H{"error": "job has already finished"})
		return
	}

	message := "cancellation requested"
	if job.State == types.JobStateQueued {
		message = "job cancelled"
	}
	c.JSON(http.StatusAccepted, gin.H{"message": message})
}

// DownloadArchive packs a completed job's files and serves the zip
func (h *DownloadHandler) DownloadArchive(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		respondError(c, h.logger, services.ErrJobNotFound)
		return
	}
	if job.State != types.JobStateCompleted {
		c.JSON(http.StatusConflict, gin.H{"error": "job is " + string(job.State) + ", not completed"})
		return
	}
	if !anyExists(job.OutputPaths) {
		c.JSON(http.StatusGone, gin.H{"error": "files for this job have expired"})
		return
	}

	dir, err := h.store.JobDir(job.RequesterID, job.ID)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	archive, err := h.packer.Pack(dir, job.OutputPaths)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.FileAttachment(archive, job.ID+".zip")
}

// HandleWebSocketConnection streams updates for one of the caller's jobs
func (h *DownloadHandler) HandleWebSocketConnection(c *gin.Context) {
	job, ok := h.ownedJob(c)
	if !ok {
		respondError(c, h.logger, services.ErrJobNotFound)
		return
	}
	h.serveWebSocket(c, job.ID)
}

// HandleWebSocketAllConnection streams updates for all of the caller's jobs
func (h *DownloadHandler) HandleWebSocketAllConnection(c *gin.Context) {
	h.serveWebSocket(c, websocket.AllJobs)
}

func (h *DownloadHandler) serveWebSocket(c *gin.Context, subscription string) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := websocket.NewClient(h.hub, conn, subscription, middleware.RequesterID(c), h.logger)
	h.hub.RegisterClient(client)
	client.StartPumps()
}

// ownedJob looks up :jobId and hides jobs of other requesters
func (h *DownloadHandler) ownedJob(c *gin.Context) (types.Job, bool) {
	job, ok := h.queue.Status(c.Param("jobId"))
	if !ok || job.RequesterID != middleware.RequesterID(c) {
		return types.Job{}, false
	}
	return job, true
}

func anyExists(paths []string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil || !errors.Is(err, fs.ErrNotExist) {
			return true
		}
	}
	return false
}
