package handlers

import (
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"tunedrop/middleware"
	"tunedrop/services"

	"github.com/gin-gonic/gin"
)

// FileHandler lists and streams a requester's downloaded audio
type FileHandler struct {
	fileService services.FileService
	logger      *slog.Logger
}

// NewFileHandler creates a new file handler
func NewFileHandler(fs services.FileService, logger *slog.Logger) *FileHandler {
	return &FileHandler{fileService: fs, logger: logger}
}

// ListFiles returns the caller's audio files with tag metadata
func (h *FileHandler) ListFiles(c *gin.Context) {
	files, err := h.fileService.ScanAudioFiles(middleware.RequesterID(c))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"files": files,
		"count": len(files),
	})
}

// StreamFile serves one file, honoring Range requests
func (h *FileHandler) StreamFile(c *gin.Context) {
	requested := c.Param("filepath")
	fullPath, err := h.fileService.ResolveStreamPath(middleware.RequesterID(c), requested)
	if err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "path security violation", "details": err.Error()})
		return
	}

	contentType := h.fileService.GetContentType(fullPath)
	if contentType == "application/octet-stream" {
		c.JSON(http.StatusForbidden, gin.H{
			"error":   "file extension not allowed",
			"details": "only audio files and archives can be streamed",
		})
		return
	}

	file, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "file not found", "path": strings.TrimPrefix(requested, "/")})
			return
		}
		respondError(c, h.logger, err)
		return
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if info.IsDir() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "path is a directory, not a file"})
		return
	}

	c.Header("Content-Type", contentType)
	c.Header("Cache-Control", "private, max-age=3600")
	http.ServeContent(c.Writer, c.Request, filepath.Base(fullPath), info.ModTime(), file)
}
