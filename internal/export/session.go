package export

import (
	"context"

	"github.com/blockedby/tg-export/internal/telegram"
)

// MessageIter streams one chat's messages in ascending id order.
type MessageIter interface {
	// Next returns the next message, or (nil, nil) at the end of history.
	Next(ctx context.Context) (*telegram.Message, error)
}

// Session is the authenticated messaging-service connection the engine
// drives. One Session is shared by all jobs of a user; implementations
// serialise outbound calls and honour flood waits internally.
type Session interface {
	// Dialogs enumerates all dialogs. Finite, non-restartable.
	Dialogs(ctx context.Context) ([]telegram.Chat, error)
	// History opens an ascending iterator starting at minID.
	History(chat *telegram.Chat, minID int) MessageIter
	// DownloadChunk fetches size bytes at offset. Errors carry a
	// telegram.ErrorKind classification.
	DownloadChunk(ctx context.Context, ref telegram.FileRef, offset int64, size int) ([]byte, error)
	// RefreshReference re-fetches an aged-out access reference.
	RefreshReference(ctx context.Context, chat *telegram.Chat, messageID int) (*telegram.MediaInfo, error)
	// SelfID is the authenticated user's id.
	SelfID() (int64, error)
}

// liveSession adapts the telegram client to the Session interface.
type liveSession struct {
	c *telegram.Client
}

// NewLiveSession wraps the real client for use by the engine.
func NewLiveSession(c *telegram.Client) Session {
	return &liveSession{c: c}
}

func (s *liveSession) Dialogs(ctx context.Context) ([]telegram.Chat, error) {
	return s.c.Dialogs(ctx)
}

func (s *liveSession) History(chat *telegram.Chat, minID int) MessageIter {
	return s.c.History(chat, minID)
}

func (s *liveSession) DownloadChunk(ctx context.Context, ref telegram.FileRef, offset int64, size int) ([]byte, error) {
	return s.c.DownloadChunk(ctx, ref, offset, size)
}

func (s *liveSession) RefreshReference(ctx context.Context, chat *telegram.Chat, messageID int) (*telegram.MediaInfo, error) {
	return s.c.RefreshReference(ctx, chat, messageID)
}

func (s *liveSession) SelfID() (int64, error) {
	return s.c.SelfID()
}
