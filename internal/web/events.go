package web

import (
	"encoding/json"

	"github.com/blockedby/tg-export/internal/export"
)

// WebSocket event types
const (
	EventJobProgress = "job.progress"
	EventJobState    = "job.state"
)

// WSEvent represents a structured WebSocket message
type WSEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// JobProgressEvent creates a JSON message carrying a job snapshot.
func JobProgressEvent(snap export.Snapshot) []byte {
	evt := WSEvent{
		Type:    EventJobProgress,
		Payload: snap,
	}
	b, _ := json.Marshal(evt)
	return b
}
