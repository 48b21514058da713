package handlers

import (
	"net/http"

	"tunedrop/config"

	"github.com/gin-gonic/gin"
)

// SettingsHandler exposes the effective, read-only configuration
type SettingsHandler struct {
	cfg *config.Config
}

// NewSettingsHandler creates a new settings handler
func NewSettingsHandler(cfg *config.Config) *SettingsHandler {
	return &SettingsHandler{cfg: cfg}
}

// Settings is the public view of the configuration
type Settings struct {
	Qualities                  []QualityView `json:"qualities"`
	DefaultQuality             string        `json:"defaultQuality"`
	MaxConcurrentDownloads     int           `json:"maxConcurrentDownloads"`
	PerRequesterLimit          int           `json:"perRequesterLimit"`
	JobTimeoutSeconds          int           `json:"jobTimeoutSeconds"`
	CacheMaxAgeSeconds         int           `json:"cacheMaxAgeSeconds"`
	ReclamationIntervalSeconds int           `json:"reclamationIntervalSeconds"`
	ReclamationSchedule        string        `json:"reclamationSchedule,omitempty"`
	FetchBackend               string        `json:"fetchBackend"`
	OpenAccess                 bool          `json:"openAccess"`
}

// QualityView is one selectable quality
type QualityView struct {
	Label   string `json:"label"`
	Bitrate int    `json:"bitrate"`
}

// GetSettings returns the current settings
func (h *SettingsHandler) GetSettings(c *gin.Context) {
	qualities := make([]QualityView, 0, len(h.cfg.Qualities))
	for _, q := range h.cfg.Qualities {
		qualities = append(qualities, QualityView{Label: q.Label, Bitrate: q.Bitrate})
	}

	c.JSON(http.StatusOK, gin.H{
		"settings": Settings{
			Qualities:                  qualities,
			DefaultQuality:             h.cfg.DefaultQuality,
			MaxConcurrentDownloads:     h.cfg.MaxConcurrentDownloads,
			PerRequesterLimit:          h.cfg.PerRequesterLimit,
			JobTimeoutSeconds:          int(h.cfg.JobTimeout.Seconds()),
			CacheMaxAgeSeconds:         int(h.cfg.CacheMaxAge.Seconds()),
			ReclamationIntervalSeconds: int(h.cfg.ReclamationInterval.Seconds()),
			ReclamationSchedule:        h.cfg.ReclamationSchedule,
			FetchBackend:               h.cfg.FetchBackend,
			OpenAccess:                 h.cfg.OpenAccess,
		},
	})
}
