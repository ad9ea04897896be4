package export

import (
	"context"
	"fmt"

	"github.com/blockedby/tg-export/internal/logger"
	"github.com/blockedby/tg-export/internal/store"
	"github.com/blockedby/tg-export/internal/telegram"
)

// cursorFlushEvery is K: the scanner persists records and the resume
// cursor every K messages and on every chat boundary.
const cursorFlushEvery = 50

// scanner walks one job's chats in strict ascending message-id order,
// appending message records and enqueueing media items. Scanning and
// downloading run concurrently; the scanner never waits for downloads.
type scanner struct {
	job     *Job
	queue   *Queue
	store   *store.Store
	session Session
	log     *logger.Logger
	notify  func()
}

// scanChat scans a single chat from the resume cursor (or from the start
// of the job's message range when full is set). The highest durably
// persisted message id is recorded as the chat's cursor.
//
// Ascending order makes the resume cursor exact: restarting at
// last-persisted-id + 1 loses no message and duplicates none.
func (s *scanner) scanChat(ctx context.Context, chat *telegram.Chat, full bool) error {
	opts := &s.job.Options

	from := opts.MessageFrom
	if !full {
		if cur := s.job.Cursor(chat.ID); cur+1 > from {
			from = cur + 1
		}
	}
	// range already exhausted by a previous run
	if opts.MessageTo > 0 && from > opts.MessageTo {
		return nil
	}

	var selfID int64
	if opts.OnlyMyMessages {
		id, err := s.session.SelfID()
		if err != nil {
			return fmt.Errorf("resolve self: %w", err)
		}
		selfID = id
	}

	s.job.Update(func(j *Job) {
		j.CurrentChat = chat.Title
	})

	s.log.Info().
		Int64("chat_id", chat.ID).
		Str("title", chat.Title).
		Int("from", from).
		Msg("export: scanning chat")

	iter := s.session.History(chat, from)
	key := chatKey(chat.ID)

	var (
		pending     []any
		sinceFlush  int
		lastPending int
	)

	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		if err := s.store.AppendMessages(s.job.ID, key, pending); err != nil {
			return fmt.Errorf("append message log: %w", err)
		}
		// records are durable, the cursor may follow
		if err := s.store.SaveCursor(s.job.ID, key, lastPending); err != nil {
			return fmt.Errorf("save cursor: %w", err)
		}
		s.job.SetCursor(chat.ID, lastPending)
		pending = pending[:0]
		sinceFlush = 0
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			// suspension: flush what is durable so resume is exact
			if ferr := flush(); ferr != nil {
				s.log.Error().Err(ferr).Msg("export: flush on suspend failed")
			}
			return err
		}

		msg, err := iter.Next(ctx)
		if err != nil {
			if ferr := flush(); ferr != nil {
				s.log.Error().Err(ferr).Msg("export: flush on error failed")
			}
			return fmt.Errorf("iterate history: %w", err)
		}
		if msg == nil {
			break // natural end of history
		}
		// MessageTo bounds the scan inclusively
		if opts.MessageTo > 0 && msg.ID > opts.MessageTo {
			break
		}

		if opts.DateFrom != nil && msg.Date.Before(*opts.DateFrom) {
			continue
		}
		if opts.DateTo != nil && msg.Date.After(*opts.DateTo) {
			continue
		}
		if opts.OnlyMyMessages && msg.SenderID != selfID {
			continue
		}

		s.job.Update(func(j *Job) {
			j.TotalMessages++
			j.ProcessedMessages++
			j.CurrentMessageID = msg.ID
		})

		pending = append(pending, msg)
		lastPending = msg.ID
		sinceFlush++

		if msg.Media != nil && opts.WantsMedia(msg.Media.Type) && opts.WantsMessage(msg.ID) {
			item := NewItem(chat.ID, msg.ID, 0, msg.Media)
			// blocks at the queue soft cap, throttling history iteration
			if err := s.queue.Enqueue(ctx, item); err != nil {
				if ferr := flush(); ferr != nil {
					s.log.Error().Err(ferr).Msg("export: flush on enqueue abort failed")
				}
				return err
			}
		}

		if sinceFlush >= cursorFlushEvery {
			if err := flush(); err != nil {
				return err
			}
			if s.notify != nil {
				s.notify()
			}
		}
	}

	// chat boundary flush
	if err := flush(); err != nil {
		return err
	}
	if s.notify != nil {
		s.notify()
	}
	return nil
}
