package types

import (
	"encoding/json"
	"time"
)

// AudioFile represents a discovered audio file (FLAC, MP3, etc.)
type AudioFile struct {
	Filename string         `json:"filename"`
	Path     string         `json:"path"`
	Size     int64          `json:"size"`
	Format   string         `json:"format"`
	Metadata *AudioMetadata `json:"metadata,omitempty"`
}

// AudioMetadata represents metadata for an audio file
type AudioMetadata struct {
	Title       string `json:"title,omitempty"`
	Artist      string `json:"artist,omitempty"`
	Album       string `json:"album,omitempty"`
	TrackNumber int    `json:"trackNumber,omitempty"`
}

// ArtifactEntry is one filesystem object under a requester's cache subtree
type ArtifactEntry struct {
	Path         string    `json:"-"`
	RelativePath string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
	IsDirectory  bool      `json:"isDirectory"`
}

// SweepResult summarizes one reclamation pass
type SweepResult struct {
	DeletedFiles int     `json:"deletedFiles"`
	DeletedDirs  int     `json:"deletedDirs"`
	Errors       []error `json:"-"`
}

// MarshalJSON renders errors as plain strings
func (r SweepResult) MarshalJSON() ([]byte, error) {
	msgs := make([]string, 0, len(r.Errors))
	for _, err := range r.Errors {
		msgs = append(msgs, err.Error())
	}
	return json.Marshal(struct {
		DeletedFiles int      `json:"deletedFiles"`
		DeletedDirs  int      `json:"deletedDirs"`
		Errors       []string `json:"errors"`
	}{r.DeletedFiles, r.DeletedDirs, msgs})
}

// SubmitRequest is the body of POST /api/downloads
type SubmitRequest struct {
	Resource       string `json:"resource"`
	Quality        string `json:"quality"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

// UserStats aggregates a requester's download history
type UserStats struct {
	RequesterID         int64      `json:"requesterId"`
	TotalDownloads      int        `json:"totalDownloads"`
	SuccessfulDownloads int        `json:"successfulDownloads"`
	FailedDownloads     int        `json:"failedDownloads"`
	CancelledDownloads  int        `json:"cancelledDownloads"`
	FirstSeen           *time.Time `json:"firstSeen,omitempty"`
	LastActive          *time.Time `json:"lastActive,omitempty"`
}

// DownloadTotals aggregates the recorded history of every requester
type DownloadTotals struct {
	Users               int `json:"users"`
	TotalDownloads      int `json:"totalDownloads"`
	SuccessfulDownloads int `json:"successfulDownloads"`
	FailedDownloads     int `json:"failedDownloads"`
	CancelledDownloads  int `json:"cancelledDownloads"`
}

// ServiceStats is the admin view of the whole service
type ServiceStats struct {
	Time            time.Time       `json:"time"`
	AuthorizedUsers int             `json:"authorizedUsers"`
	Admins          int             `json:"admins"`
	OpenAccess      bool            `json:"openAccess"`
	ActiveDownloads int             `json:"activeDownloads"`
	QueuedDownloads int             `json:"queuedDownloads"`
	History         *DownloadTotals `json:"history,omitempty"`
}
