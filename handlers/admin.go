package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"tunedrop/middleware"
	"tunedrop/services"
	"tunedrop/types"

	"github.com/gin-gonic/gin"
)

// TotalsReader loads the recorded history of every user
type TotalsReader interface {
	Totals(ctx context.Context) (types.DownloadTotals, error)
}

// AccessCounter reports the size of the access list
type AccessCounter interface {
	AdminChecker
	AdminCount() int
	UserCount() int
	OpenAccess() bool
}

// AdminHandler serves service-wide statistics to admins
type AdminHandler struct {
	queue  services.JobQueue
	access AccessCounter
	totals TotalsReader
	logger *slog.Logger
}

// NewAdminHandler creates an admin handler. totals may be nil.
func NewAdminHandler(queue services.JobQueue, access AccessCounter, totals TotalsReader, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{queue: queue, access: access, totals: totals, logger: logger}
}

// GetStats reports queue load, access list size and the download history
func (h *AdminHandler) GetStats(c *gin.Context) {
	if !h.access.IsAdmin(middleware.RequesterID(c)) {
		respondError(c, h.logger, services.ErrNotAdmin)
		return
	}

	stats := types.ServiceStats{
		Time:            time.Now().UTC(),
		AuthorizedUsers: h.access.UserCount(),
		Admins:          h.access.AdminCount(),
		OpenAccess:      h.access.OpenAccess(),
		ActiveDownloads: h.queue.ActiveCount(),
		QueuedDownloads: h.queue.QueuedCount(),
	}
	if h.totals != nil {
		totals, err := h.totals.Totals(c.Request.Context())
		if err != nil {
			respondError(c, h.logger, err)
			return
		}
		stats.History = &totals
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats})
}
