package types

import "time"

// Message types carried by ProgressMessage.Type
const (
	MessageStatus    = "status"
	MessageProgress  = "progress"
	MessageComplete  = "complete"
	MessageError     = "error"
	MessageCancelled = "cancelled"
)

// ProgressMessage represents a WebSocket progress update message
type ProgressMessage struct {
	JobID       string    `json:"jobId"`
	RequesterID int64     `json:"requesterId"`
	Type        string    `json:"type"`
	State       JobState  `json:"state"`
	BytesDone   int64     `json:"bytesDone"`
	BytesTotal  int64     `json:"bytesTotal"`
	Progress    float64   `json:"progress"` // 0-100 percentage
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
