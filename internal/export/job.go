package export

import (
	"strconv"
	"sync"
	"time"
)

// State is the job lifecycle state. Transitions are driven exclusively by
// the Controller's state machine.
type State string

const (
	StatePending    State = "pending"
	StateExtracting State = "extracting"
	StateRunning    State = "running"
	StatePaused     State = "paused"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further work happens in this state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Job is one export job: identity, filter, policies, and progress
// aggregates. All fields are guarded by mu; cross-goroutine readers use
// Snapshot.
type Job struct {
	mu sync.RWMutex

	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Options Options `json:"options"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	State State `json:"state"`

	TotalChats        int   `json:"total_chats"`
	ProcessedChats    int   `json:"processed_chats"`
	TotalMessages     int64 `json:"total_messages"`
	ProcessedMessages int64 `json:"processed_messages"`
	TotalMedia        int64 `json:"total_media"`
	DownloadedMedia   int64 `json:"downloaded_media"`
	FailedMedia       int64 `json:"failed_media"`
	TotalSize         int64 `json:"total_size"`
	DownloadedSize    int64 `json:"downloaded_size"`

	Speed float64 `json:"speed"`

	LastError     string `json:"last_error,omitempty"`
	VerifySummary string `json:"verify_summary,omitempty"`
	Verifying     bool   `json:"verifying"`

	CurrentChat      string `json:"current_chat,omitempty"`
	CurrentMessageID int    `json:"current_message_id,omitempty"`

	// per-chat highest durably persisted message id
	Cursors map[int64]int `json:"cursors,omitempty"`
}

// NewJob builds a pending job with normalised options.
func NewJob(id, name string, opts Options) *Job {
	opts.Normalize()
	return &Job{
		ID:        id,
		Name:      name,
		Options:   opts,
		CreatedAt: time.Now(),
		State:     StatePending,
		Cursors:   make(map[int64]int),
	}
}

// Snapshot is a read-only copy of the job for the API layer.
type Snapshot struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Options Options `json:"options"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	State    State   `json:"state"`
	Progress float64 `json:"progress"`

	TotalChats        int   `json:"total_chats"`
	ProcessedChats    int   `json:"processed_chats"`
	TotalMessages     int64 `json:"total_messages"`
	ProcessedMessages int64 `json:"processed_messages"`
	TotalMedia        int64 `json:"total_media"`
	DownloadedMedia   int64 `json:"downloaded_media"`
	FailedMedia       int64 `json:"failed_media"`
	TotalSize         int64 `json:"total_size"`
	DownloadedSize    int64 `json:"downloaded_size"`

	Speed float64 `json:"speed"`

	LastError     string `json:"last_error,omitempty"`
	VerifySummary string `json:"verify_summary,omitempty"`
	Verifying     bool   `json:"verifying"`

	CurrentChat      string `json:"current_chat,omitempty"`
	CurrentMessageID int    `json:"current_message_id,omitempty"`
}

// Snapshot copies the job under the read lock.
func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()

	s := Snapshot{
		ID:                j.ID,
		Name:              j.Name,
		Options:           j.Options,
		CreatedAt:         j.CreatedAt,
		StartedAt:         j.StartedAt,
		CompletedAt:       j.CompletedAt,
		State:             j.State,
		TotalChats:        j.TotalChats,
		ProcessedChats:    j.ProcessedChats,
		TotalMessages:     j.TotalMessages,
		ProcessedMessages: j.ProcessedMessages,
		TotalMedia:        j.TotalMedia,
		DownloadedMedia:   j.DownloadedMedia,
		FailedMedia:       j.FailedMedia,
		TotalSize:         j.TotalSize,
		DownloadedSize:    j.DownloadedSize,
		Speed:             j.Speed,
		LastError:         j.LastError,
		VerifySummary:     j.VerifySummary,
		Verifying:         j.Verifying,
		CurrentChat:       j.CurrentChat,
		CurrentMessageID:  j.CurrentMessageID,
	}
	s.Progress = progressOf(&s)
	return s
}

// progressOf mirrors the original UI progress rules: extraction progress
// counts chats, download progress counts media, message-only jobs count
// messages.
func progressOf(s *Snapshot) float64 {
	if s.State == StateExtracting {
		if s.TotalChats == 0 {
			return 0
		}
		return float64(s.ProcessedChats) / float64(s.TotalChats) * 100
	}
	if s.TotalMedia == 0 {
		if s.TotalMessages == 0 {
			return 0
		}
		return float64(s.ProcessedMessages) / float64(s.TotalMessages) * 100
	}
	return float64(s.DownloadedMedia) / float64(s.TotalMedia) * 100
}

// GetState returns the current state under the lock.
func (j *Job) GetState() State {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.State
}

// setState is called by the controller only.
func (j *Job) setState(s State) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.State = s
	switch s {
	case StateRunning, StateExtracting:
		if j.StartedAt == nil {
			now := time.Now()
			j.StartedAt = &now
		}
	case StateCompleted:
		now := time.Now()
		j.CompletedAt = &now
	}
}

// Update applies a mutation under the write lock.
func (j *Job) Update(fn func(*Job)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(j)
}

// Cursor returns the persisted scan cursor for a chat.
func (j *Job) Cursor(chatID int64) int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Cursors[chatID]
}

// SetCursor records the highest durably persisted message id of a chat.
func (j *Job) SetCursor(chatID int64, msgID int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.Cursors == nil {
		j.Cursors = make(map[int64]int)
	}
	if msgID > j.Cursors[chatID] {
		j.Cursors[chatID] = msgID
	}
}

// ExportName is the directory name under the export root.
func (j *Job) ExportName() string {
	if j.Name != "" {
		return sanitizeName(j.Name)
	}
	return j.ID
}

// sanitizeName strips filesystem-hostile characters from a job name.
func sanitizeName(name string) string {
	out := make([]rune, 0, len(name))
	for _, r := range name {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			out = append(out, '_')
		default:
			out = append(out, r)
		}
	}
	if len(out) > 100 {
		out = out[:100]
	}
	if len(out) == 0 {
		return "export"
	}
	return string(out)
}

// chatKey formats a chat id for cursor filenames and directories.
func chatKey(chatID int64) string {
	if chatID < 0 {
		chatID = -chatID
	}
	return strconv.FormatInt(chatID, 10)
}
