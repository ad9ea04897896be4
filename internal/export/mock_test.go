package export

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/blockedby/tg-export/internal/telegram"
)

// fakeSession is a scripted Session for engine tests. Chat history and
// file bytes are declared up front; per-document error scripts are
// consumed one call at a time.
type fakeSession struct {
	mu sync.Mutex

	chats   []telegram.Chat
	history map[int64][]telegram.Message
	files   map[int64][]byte // doc id -> content

	// errs[docID] is a fifo of errors returned before real bytes flow
	errs map[int64][]error

	selfID int64

	// chunkDelay slows DownloadChunk so tests can observe in-flight state
	chunkDelay time.Duration

	downloadCalls int
	refreshCalls  int
}

func newFakeSession() *fakeSession {
	return &fakeSession{
		history: make(map[int64][]telegram.Message),
		files:   make(map[int64][]byte),
		errs:    make(map[int64][]error),
		selfID:  42,
	}
}

// addChat registers a channel chat.
func (f *fakeSession) addChat(id int64, title string) telegram.Chat {
	chat := telegram.Chat{ID: id, AccessHash: 99, Kind: telegram.ChatChannel, Title: title}
	f.chats = append(f.chats, chat)
	return chat
}

// addTextMessage appends a plain message to a chat's history.
func (f *fakeSession) addTextMessage(chatID int64, msgID int, text string) {
	f.history[chatID] = append(f.history[chatID], telegram.Message{
		ID:   msgID,
		Date: time.Unix(int64(1700000000+msgID), 0),
		Text: text,
	})
}

// addMediaMessage appends a message carrying a document of the given bytes.
func (f *fakeSession) addMediaMessage(chatID int64, msgID int, docID int64, content []byte) {
	f.files[docID] = content
	f.history[chatID] = append(f.history[chatID], telegram.Message{
		ID:   msgID,
		Date: time.Unix(int64(1700000000+msgID), 0),
		Media: &telegram.MediaInfo{
			Type:     telegram.MediaDocument,
			Size:     int64(len(content)),
			FileName: fmt.Sprintf("doc%d.pdf", docID),
			Ref:      telegram.FileRef{DocID: docID, AccessHash: 7, FileReference: []byte{1}},
		},
	})
}

// scriptErrors arranges errors to be returned by DownloadChunk for a doc.
func (f *fakeSession) scriptErrors(docID int64, errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[docID] = append(f.errs[docID], errs...)
}

func (f *fakeSession) Dialogs(_ context.Context) ([]telegram.Chat, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]telegram.Chat, len(f.chats))
	copy(out, f.chats)
	return out, nil
}

type fakeIter struct {
	msgs []telegram.Message
	i    int
}

func (it *fakeIter) Next(ctx context.Context) (*telegram.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if it.i >= len(it.msgs) {
		return nil, nil
	}
	m := it.msgs[it.i]
	it.i++
	return &m, nil
}

func (f *fakeSession) History(chat *telegram.Chat, minID int) MessageIter {
	f.mu.Lock()
	defer f.mu.Unlock()
	var msgs []telegram.Message
	for _, m := range f.history[chat.ID] {
		if m.ID >= minID {
			msgs = append(msgs, m)
		}
	}
	return &fakeIter{msgs: msgs}
}

func (f *fakeSession) DownloadChunk(ctx context.Context, ref telegram.FileRef, offset int64, size int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	delay := f.chunkDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	f.downloadCalls++
	if queue := f.errs[ref.DocID]; len(queue) > 0 {
		err := queue[0]
		f.errs[ref.DocID] = queue[1:]
		f.mu.Unlock()
		return nil, err
	}
	content, ok := f.files[ref.DocID]
	f.mu.Unlock()
	if !ok {
		return nil, &telegram.Error{Kind: telegram.KindPermanent, Msg: "no such document"}
	}
	if offset >= int64(len(content)) {
		return nil, nil
	}
	end := offset + int64(size)
	if end > int64(len(content)) {
		end = int64(len(content))
	}
	return content[offset:end], nil
}

func (f *fakeSession) RefreshReference(_ context.Context, chat *telegram.Chat, messageID int) (*telegram.MediaInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshCalls++
	for _, m := range f.history[chat.ID] {
		if m.ID == messageID && m.Media != nil {
			media := *m.Media
			media.Ref.FileReference = []byte{2} // fresh reference
			return &media, nil
		}
	}
	return nil, &telegram.Error{Kind: telegram.KindPermanent, Msg: "message gone"}
}

func (f *fakeSession) SelfID() (int64, error) {
	return f.selfID, nil
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}
