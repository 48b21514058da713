package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"tunedrop/middleware"
	"tunedrop/services"
	"tunedrop/types"

	"github.com/gin-gonic/gin"
)

// AdminChecker reports whether a requester has admin rights
type AdminChecker interface {
	IsAdmin(requesterID int64) bool
}

// Sweeper runs a single reclamation pass
type Sweeper interface {
	SweepOnce(ctx context.Context) (types.SweepResult, error)
}

// CacheHandler exposes a requester's cached artifacts
type CacheHandler struct {
	store   *services.ArtifactStore
	sweeper Sweeper
	admins  AdminChecker
	logger  *slog.Logger
}

// NewCacheHandler creates a new cache handler
func NewCacheHandler(store *services.ArtifactStore, sweeper Sweeper, admins AdminChecker, logger *slog.Logger) *CacheHandler {
	return &CacheHandler{store: store, sweeper: sweeper, admins: admins, logger: logger}
}

// ListCache returns every entry under the caller's subtree
func (h *CacheHandler) ListCache(c *gin.Context) {
	entries, err := h.store.List(middleware.RequesterID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	if entries == nil {
		entries = []types.ArtifactEntry{}
	}
	var totalSize int64
	for _, e := range entries {
		if !e.IsDirectory {
			totalSize += e.Size
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"entries":   entries,
		"count":     len(entries),
		"totalSize": totalSize,
	})
}

// PurgeCache deletes the caller's whole subtree
func (h *CacheHandler) PurgeCache(c *gin.Context) {
	requesterID := middleware.RequesterID(c)
	if err := h.store.Purge(requesterID); err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.logger.Info("cache purged", "requester_id", requesterID)
	c.JSON(http.StatusOK, gin.H{"message": "cache cleared"})
}

// Sweep runs reclamation immediately; admin only
func (h *CacheHandler) Sweep(c *gin.Context) {
	if !h.admins.IsAdmin(middleware.RequesterID(c)) {
		respondError(c, h.logger, services.ErrNotAdmin)
		return
	}
	result, err := h.sweeper.SweepOnce(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}
