package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"tunedrop/middleware"
	"tunedrop/services"

	"github.com/gin-gonic/gin"
)

// AuthHandler lets admins grant and revoke access
type AuthHandler struct {
	access *services.AccessList
	logger *slog.Logger
}

// NewAuthHandler creates a new auth handler
func NewAuthHandler(access *services.AccessList, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{access: access, logger: logger}
}

// Authorize grants :userId access
func (h *AuthHandler) Authorize(c *gin.Context) {
	target, ok := h.targetID(c)
	if !ok {
		return
	}
	admin := middleware.RequesterID(c)
	if err := h.access.Authorize(admin, target); err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.logger.Info("user authorized", "requester_id", admin, "target", target)
	c.JSON(http.StatusOK, gin.H{"message": "user authorized", "userId": target})
}

// Revoke removes :userId's access
func (h *AuthHandler) Revoke(c *gin.Context) {
	target, ok := h.targetID(c)
	if !ok {
		return
	}
	admin := middleware.RequesterID(c)
	if err := h.access.Revoke(admin, target); err != nil {
		respondError(c, h.logger, err)
		return
	}
	h.logger.Info("user revoked", "requester_id", admin, "target", target)
	c.JSON(http.StatusOK, gin.H{"message": "user access revoked", "userId": target})
}

func (h *AuthHandler) targetID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("userId"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user id must be an integer"})
		return 0, false
	}
	return id, true
}
