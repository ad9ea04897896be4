package export

import (
	"fmt"
	"path"

	"github.com/blockedby/tg-export/internal/telegram"
)

// ItemStatus is the download state of one media item.
type ItemStatus string

const (
	StatusWaiting     ItemStatus = "waiting"
	StatusDownloading ItemStatus = "downloading"
	StatusPaused      ItemStatus = "paused"
	StatusCompleted   ItemStatus = "completed"
	StatusFailed      ItemStatus = "failed"
	StatusSkipped     ItemStatus = "skipped"
)

// Item is one transferable media object referenced by exactly one message.
// Mutations go through the Queue, which owns the locking.
type Item struct {
	ID        string `json:"id"`
	ChatID    int64  `json:"chat_id"`
	MessageID int    `json:"message_id"`
	Slot      int    `json:"slot"`

	Type telegram.MediaType `json:"media_type"`

	Size       int64 `json:"size"`
	Downloaded int64 `json:"downloaded"`

	Status    ItemStatus `json:"status"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	ErrorKind string     `json:"error_kind,omitempty"`

	// Dir is the export-root-relative target directory, FileName the final
	// file name inside it.
	Dir      string `json:"dir"`
	FileName string `json:"file_name"`

	Ref telegram.FileRef `json:"ref"`

	ManuallyPaused bool `json:"manually_paused,omitempty"`

	// in-flight control signals; observed by the worker between chunks,
	// never persisted
	pauseRequested  bool
	cancelRequested bool
}

// ItemID builds the queue key for a (chat, message, slot) triple.
func ItemID(chatID int64, messageID, slot int) string {
	if slot == 0 {
		return fmt.Sprintf("%d_%d", chatID, messageID)
	}
	return fmt.Sprintf("%d_%d_%d", chatID, messageID, slot)
}

// NewItem builds a waiting item for a media reference found by the scanner.
func NewItem(chatID int64, messageID, slot int, media *telegram.MediaInfo) *Item {
	name := media.FileName
	if name == "" {
		name = media.SyntheticName()
	}
	return &Item{
		ID:        ItemID(chatID, messageID, slot),
		ChatID:    chatID,
		MessageID: messageID,
		Slot:      slot,
		Type:      media.Type,
		Size:      media.Size,
		Status:    StatusWaiting,
		Dir:       path.Join(chatKey(chatID), media.Type.DirName()),
		FileName:  fmt.Sprintf("%d-%s-%s", messageID, chatKey(chatID), sanitizeName(name)),
		Ref:       media.Ref,
	}
}

// RelPath is the final file path relative to the job's export directory.
func (it *Item) RelPath() string {
	return path.Join(it.Dir, it.FileName)
}

// RelPartialPath is the in-progress sibling of RelPath. Its length is
// authoritative for resume.
func (it *Item) RelPartialPath() string {
	return it.RelPath() + ".partial"
}

// Progress returns the completion ratio in percent.
func (it *Item) Progress() float64 {
	if it.Size <= 0 {
		if it.Status == StatusCompleted {
			return 100
		}
		return 0
	}
	return float64(it.Downloaded) / float64(it.Size) * 100
}

// View is the item projection served to the UI.
type View struct {
	ID         string             `json:"id"`
	ChatID     int64              `json:"chat_id"`
	MessageID  int                `json:"message_id"`
	MediaType  telegram.MediaType `json:"media_type"`
	FileName   string             `json:"file_name"`
	Size       int64              `json:"size"`
	Downloaded int64              `json:"downloaded"`
	Progress   float64            `json:"progress"`
	Status     ItemStatus         `json:"status"`
	Attempts   int                `json:"attempts"`
	Error      string             `json:"error,omitempty"`
	ErrorKind  string             `json:"error_kind,omitempty"`
}

func (it *Item) view() View {
	return View{
		ID:         it.ID,
		ChatID:     it.ChatID,
		MessageID:  it.MessageID,
		MediaType:  it.Type,
		FileName:   it.FileName,
		Size:       it.Size,
		Downloaded: it.Downloaded,
		Progress:   it.Progress(),
		Status:     it.Status,
		Attempts:   it.Attempts,
		Error:      it.LastError,
		ErrorKind:  it.ErrorKind,
	}
}
