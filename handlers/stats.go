package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"tunedrop/middleware"
	"tunedrop/types"

	"github.com/gin-gonic/gin"
)

// StatsReader loads per-user download statistics
type StatsReader interface {
	UserStats(ctx context.Context, userID int64) (types.UserStats, error)
}

// StatsHandler serves the caller's download statistics
type StatsHandler struct {
	stats  StatsReader
	logger *slog.Logger
}

// NewStatsHandler creates a stats handler. A nil reader disables the endpoint.
func NewStatsHandler(stats StatsReader, logger *slog.Logger) *StatsHandler {
	return &StatsHandler{stats: stats, logger: logger}
}

func (h *StatsHandler) GetStats(c *gin.Context) {
	if h.stats == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "statistics are disabled"})
		return
	}
	stats, err := h.stats.UserStats(c.Request.Context(), middleware.RequesterID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}
