package handlers

import (
	"net/http"
	"time"

	"tunedrop/services"

	"github.com/gin-gonic/gin"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// HealthHandler handles health check endpoints
type HealthHandler struct {
	queue services.JobQueue
	store *services.ArtifactStore
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(queue services.JobQueue, store *services.ArtifactStore) *HealthHandler {
	return &HealthHandler{queue: queue, store: store}
}

// HealthCheck returns the health status of the service
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "tunedrop",
		"version":   Version,
		"timestamp": time.Now().Unix(),
	})
}

// APIStatus reports queue load and the cache location
func (h *HealthHandler) APIStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"message":    "tunedrop API is running",
		"activeJobs": h.queue.ActiveCount(),
		"queuedJobs": h.queue.QueuedCount(),
		"cacheRoot":  h.store.Root(),
	})
}
