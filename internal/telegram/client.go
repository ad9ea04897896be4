package telegram

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gotd/td/tg"

	"github.com/blockedby/tg-export/internal/logger"
)

// historyBatch is the page size for history iteration (api max is 100).
const historyBatch = 100

// Client wraps the manager's protocol client and provides the high-level
// operations the export engine needs: dialog iteration, ascending history
// iteration, chunked file download and reference refresh.
//
// A single mutex admits one outbound MTProto call at a time; Download is
// the exception that holds the slot for the whole chunk duration. All
// calls pass the rate gate first.
type Client struct {
	manager     *Manager
	rateLimiter *RateLimiter
	callMu      sync.Mutex
	log         *logger.Logger
}

// NewClient creates a new telegram client wrapper using the Manager.
func NewClient(manager *Manager) *Client {
	return &Client{
		manager:     manager,
		rateLimiter: DefaultRateLimiter(),
		log:         logger.Get(),
	}
}

// Close stops the client via the manager.
func (c *Client) Close() {
	if c.manager != nil {
		c.manager.Stop()
	}
}

// GetStatus returns the current status of the telegram client.
func (c *Client) GetStatus() Status {
	return c.manager.GetStatus()
}

// RateGate exposes the shared limiter so workers can honour flood waits
// announced by other workers without issuing a call.
func (c *Client) RateGate() *RateLimiter {
	return c.rateLimiter
}

// API returns the raw tg.Client for direct API calls.
func (c *Client) API() (*tg.Client, error) {
	proto := c.manager.GetClient()
	if proto == nil {
		return nil, fmt.Errorf("telegram client not authorized")
	}
	return proto.API(), nil
}

// SelfID returns the authenticated user's id.
func (c *Client) SelfID() (int64, error) {
	proto := c.manager.GetClient()
	if proto == nil || proto.Self == nil {
		return 0, fmt.Errorf("telegram client not authorized")
	}
	return proto.Self.ID, nil
}

// invoke serialises an outbound call through the rate gate and the global
// call slot, classifying errors and arming the flood-wait gate.
func (c *Client) invoke(ctx context.Context, fn func(api *tg.Client) error) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return err
	}
	api, err := c.API()
	if err != nil {
		return &Error{Kind: KindPermanent, Msg: "no session", Err: err}
	}

	c.callMu.Lock()
	err = fn(api)
	c.callMu.Unlock()

	if err != nil {
		classified := Classify(err)
		if classified.Kind == KindFloodWait {
			c.log.Warn().Dur("wait", classified.Wait).Msg("telegram: FLOOD_WAIT detected, holding rate gate")
			c.rateLimiter.SetFloodWait(classified.Wait)
		}
		return classified
	}
	return nil
}

// Dialogs enumerates all dialogs of the authenticated user.
// The listing is finite and non-restartable; callers page to completion.
func (c *Client) Dialogs(ctx context.Context) ([]Chat, error) {
	var (
		out        []Chat
		offsetDate int
		offsetID   int
		offsetPeer tg.InputPeerClass = &tg.InputPeerEmpty{}
	)

	for {
		var dialogs tg.MessagesDialogsClass
		err := c.invoke(ctx, func(api *tg.Client) error {
			var err error
			dialogs, err = api.MessagesGetDialogs(ctx, &tg.MessagesGetDialogsRequest{
				OffsetDate: offsetDate,
				OffsetID:   offsetID,
				OffsetPeer: offsetPeer,
				Limit:      100,
			})
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("get dialogs: %w", err)
		}

		var (
			entries  []tg.DialogClass
			messages []tg.MessageClass
			users    []tg.UserClass
			chats    []tg.ChatClass
			full     bool
		)
		switch d := dialogs.(type) {
		case *tg.MessagesDialogs:
			entries, messages, users, chats, full = d.Dialogs, d.Messages, d.Users, d.Chats, true
		case *tg.MessagesDialogsSlice:
			entries, messages, users, chats = d.Dialogs, d.Messages, d.Users, d.Chats
		default:
			return out, nil
		}

		userIdx := make(map[int64]*tg.User, len(users))
		for _, u := range users {
			if user, ok := u.(*tg.User); ok {
				userIdx[user.ID] = user
			}
		}
		chatIdx := make(map[int64]tg.ChatClass, len(chats))
		for _, ch := range chats {
			switch v := ch.(type) {
			case *tg.Chat:
				chatIdx[v.ID] = v
			case *tg.Channel:
				chatIdx[v.ID] = v
			}
		}

		for _, entry := range entries {
			d, ok := entry.(*tg.Dialog)
			if !ok {
				continue
			}
			if chat := chatFromPeer(d.Peer, userIdx, chatIdx); chat != nil {
				out = append(out, *chat)
			}
		}

		if full || len(entries) < 100 {
			return out, nil
		}

		// advance the cursor to the last dialog's top message
		last, ok := entries[len(entries)-1].(*tg.Dialog)
		if !ok {
			return out, nil
		}
		offsetPeer = peerToInput(last.Peer, userIdx, chatIdx)
		offsetID = last.TopMessage
		offsetDate = topMessageDate(last, messages)
		if offsetDate == 0 {
			return out, nil
		}
	}
}

// chatFromPeer builds a Chat descriptor out of a dialog peer.
func chatFromPeer(peer tg.PeerClass, users map[int64]*tg.User, chats map[int64]tg.ChatClass) *Chat {
	switch p := peer.(type) {
	case *tg.PeerUser:
		u := users[p.UserID]
		if u == nil {
			return nil
		}
		kind := ChatPrivate
		if u.Bot {
			kind = ChatBot
		}
		title := u.FirstName
		if u.LastName != "" {
			title += " " + u.LastName
		}
		return &Chat{ID: u.ID, AccessHash: u.AccessHash, Kind: kind, Title: title, Username: u.Username}
	case *tg.PeerChat:
		ch, _ := chats[p.ChatID].(*tg.Chat)
		if ch == nil {
			return nil
		}
		return &Chat{ID: -ch.ID, Kind: ChatGroup, Title: ch.Title}
	case *tg.PeerChannel:
		ch, _ := chats[p.ChannelID].(*tg.Channel)
		if ch == nil {
			return nil
		}
		kind := ChatChannel
		if ch.Megagroup {
			kind = ChatSupergroup
		}
		return &Chat{
			ID:         MarkChannelID(ch.ID),
			AccessHash: ch.AccessHash,
			Kind:       kind,
			Title:      ch.Title,
			Username:   ch.Username,
		}
	}
	return nil
}

func peerToInput(peer tg.PeerClass, users map[int64]*tg.User, chats map[int64]tg.ChatClass) tg.InputPeerClass {
	switch p := peer.(type) {
	case *tg.PeerUser:
		if u := users[p.UserID]; u != nil {
			return &tg.InputPeerUser{UserID: u.ID, AccessHash: u.AccessHash}
		}
	case *tg.PeerChat:
		return &tg.InputPeerChat{ChatID: p.ChatID}
	case *tg.PeerChannel:
		if ch, ok := chats[p.ChannelID].(*tg.Channel); ok {
			return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
		}
	}
	return &tg.InputPeerEmpty{}
}

func topMessageDate(d *tg.Dialog, messages []tg.MessageClass) int {
	for _, m := range messages {
		switch msg := m.(type) {
		case *tg.Message:
			if msg.ID == d.TopMessage {
				return msg.Date
			}
		case *tg.MessageService:
			if msg.ID == d.TopMessage {
				return msg.Date
			}
		}
	}
	return 0
}

// InputPeer builds the input peer for API calls against a chat.
func InputPeer(chat *Chat) tg.InputPeerClass {
	switch chat.Kind {
	case ChatChannel, ChatSupergroup:
		return &tg.InputPeerChannel{ChannelID: UnmarkChannelID(chat.ID), AccessHash: chat.AccessHash}
	case ChatGroup:
		return &tg.InputPeerChat{ChatID: -chat.ID}
	default:
		return &tg.InputPeerUser{UserID: chat.ID, AccessHash: chat.AccessHash}
	}
}

// HistoryIter walks a chat's history in ascending message-id order.
// Callers rely on monotonicity: resuming from the highest seen id never
// loses the boundary message and never duplicates it.
type HistoryIter struct {
	c      *Client
	peer   tg.InputPeerClass
	cursor int // last emitted id; request window is strictly above it
	buf    []Message
	done   bool
}

// History opens an ascending history iterator starting after minID-1,
// i.e. the first emitted message has id >= minID.
func (c *Client) History(chat *Chat, minID int) *HistoryIter {
	cursor := minID - 1
	if cursor < 0 {
		cursor = 0
	}
	return &HistoryIter{
		c:      c,
		peer:   InputPeer(chat),
		cursor: cursor,
	}
}

// Next returns the next message in ascending order.
// Returns (nil, nil) when the history is exhausted.
func (it *HistoryIter) Next(ctx context.Context) (*Message, error) {
	for len(it.buf) == 0 {
		if it.done {
			return nil, nil
		}
		if err := it.fill(ctx); err != nil {
			return nil, err
		}
	}
	msg := it.buf[0]
	it.buf = it.buf[1:]
	it.cursor = msg.ID
	return &msg, nil
}

// fill requests the next ascending window. The offset message itself is
// included by the wire call, so ids at or below the cursor are dropped.
func (it *HistoryIter) fill(ctx context.Context) error {
	offsetID := it.cursor
	if offsetID == 0 {
		offsetID = 1
	}

	var history tg.MessagesMessagesClass
	err := it.c.invoke(ctx, func(api *tg.Client) error {
		var err error
		history, err = api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
			Peer:      it.peer,
			OffsetID:  offsetID,
			AddOffset: -historyBatch,
			Limit:     historyBatch,
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("get history: %w", err)
	}

	var raw []tg.MessageClass
	switch h := history.(type) {
	case *tg.MessagesChannelMessages:
		raw = h.Messages
	case *tg.MessagesMessages:
		raw = h.Messages
	case *tg.MessagesMessagesSlice:
		raw = h.Messages
	}

	var page []Message
	for _, m := range raw {
		parsed := parseMessage(m)
		if parsed == nil || parsed.ID <= it.cursor {
			continue
		}
		page = append(page, *parsed)
	}
	if len(page) == 0 {
		it.done = true
		return nil
	}
	sort.Slice(page, func(i, j int) bool { return page[i].ID < page[j].ID })
	it.buf = page
	return nil
}

// DownloadChunk fetches size bytes of a file at the given offset.
// Classified errors: flood_wait, ref_expired, transient, permanent.
func (c *Client) DownloadChunk(ctx context.Context, ref FileRef, offset int64, size int) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	var data []byte
	err := c.invoke(reqCtx, func(api *tg.Client) error {
		file, err := api.UploadGetFile(reqCtx, &tg.UploadGetFileRequest{
			Precise:  true,
			Location: ref.Location(),
			Offset:   offset,
			Limit:    size,
		})
		if err != nil {
			return err
		}
		switch f := file.(type) {
		case *tg.UploadFile:
			data = f.Bytes
			return nil
		case *tg.UploadFileCDNRedirect:
			return &Error{Kind: KindPermanent, Msg: "cdn redirect not supported"}
		default:
			return &Error{Kind: KindPermanent, Msg: "unexpected upload response"}
		}
	})
	if err != nil {
		return nil, err
	}
	return data, nil
}

// RefreshReference re-fetches the owning message and returns a fresh
// media reference. Used when the old reference has aged out.
func (c *Client) RefreshReference(ctx context.Context, chat *Chat, messageID int) (*MediaInfo, error) {
	var raw []tg.MessageClass
	err := c.invoke(ctx, func(api *tg.Client) error {
		switch chat.Kind {
		case ChatChannel, ChatSupergroup:
			res, err := api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
				Channel: &tg.InputChannel{ChannelID: UnmarkChannelID(chat.ID), AccessHash: chat.AccessHash},
				ID:      []tg.InputMessageClass{&tg.InputMessageID{ID: messageID}},
			})
			if err != nil {
				return err
			}
			if msgs, ok := res.(*tg.MessagesChannelMessages); ok {
				raw = msgs.Messages
			}
			return nil
		default:
			res, err := api.MessagesGetMessages(ctx, []tg.InputMessageClass{&tg.InputMessageID{ID: messageID}})
			if err != nil {
				return err
			}
			switch msgs := res.(type) {
			case *tg.MessagesMessages:
				raw = msgs.Messages
			case *tg.MessagesMessagesSlice:
				raw = msgs.Messages
			}
			return nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("refresh reference: %w", err)
	}

	for _, m := range raw {
		parsed := parseMessage(m)
		if parsed != nil && parsed.ID == messageID && parsed.Media != nil {
			return parsed.Media, nil
		}
	}
	return nil, &Error{Kind: KindPermanent, Msg: "message no longer carries media"}
}
