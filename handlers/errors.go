package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"tunedrop/services"

	"github.com/gin-gonic/gin"
)

// respondError translates a service error into a status code and a short
// message. Anything unrecognized is logged and reported as 500.
func respondError(c *gin.Context, logger *slog.Logger, err error) {
	var fatal *services.ReclamationFatalError

	switch {
	case errors.Is(err, services.ErrUnauthorized):
		c.JSON(http.StatusForbidden, gin.H{"error": "you are not authorized to download"})
	case errors.Is(err, services.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, services.ErrShuttingDown):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down, try again later"})
	case errors.Is(err, services.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, services.ErrNotAdmin):
		c.JSON(http.StatusForbidden, gin.H{"error": "admin privileges required"})
	case errors.As(err, &fatal):
		logger.Error("cache sweep failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "cache sweep failed"})
	default:
		logger.Error("request failed", "path", c.Request.URL.Path, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
	c.Error(err)
}
