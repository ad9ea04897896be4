package export

import (
	"time"

	"github.com/blockedby/tg-export/internal/telegram"
)

// Format selects the rendered output of the message archive.
type Format string

const (
	FormatHTML Format = "html"
	FormatJSON Format = "json"
	FormatBoth Format = "both"
)

// FilterMode controls the explicit per-message include/skip list.
type FilterMode string

const (
	FilterNone    FilterMode = "none"
	FilterSkip    FilterMode = "skip"    // download everything except the listed ids
	FilterSpecify FilterMode = "specify" // download only the listed ids
)

// Options is the full job filter and policy set.
type Options struct {
	// chat-type mask
	PrivateChats    bool `json:"private_chats"`
	BotChats        bool `json:"bot_chats"`
	PrivateGroups   bool `json:"private_groups"`
	PrivateChannels bool `json:"private_channels"`
	PublicGroups    bool `json:"public_groups"`
	PublicChannels  bool `json:"public_channels"`
	OnlyMyMessages  bool `json:"only_my_messages"`

	// explicit chat list; raw channel ids get the wire prefix supplied
	SpecificChats []int64 `json:"specific_chats,omitempty"`

	// message-id range; MessageTo = 0 means current head
	MessageFrom int `json:"message_from"`
	MessageTo   int `json:"message_to"`

	// date range
	DateFrom *time.Time `json:"date_from,omitempty"`
	DateTo   *time.Time `json:"date_to,omitempty"`

	// media-type mask
	Photos        bool `json:"photos"`
	Videos        bool `json:"videos"`
	VoiceMessages bool `json:"voice_messages"`
	VideoMessages bool `json:"video_messages"`
	Stickers      bool `json:"stickers"`
	Animations    bool `json:"animations"`
	Files         bool `json:"files"`

	// explicit per-message include/skip list
	FilterMode     FilterMode `json:"filter_mode"`
	FilterMessages []int      `json:"filter_messages,omitempty"`

	// output policy
	ExportFormat Format `json:"export_format"`

	// performance policy
	MaxConcurrentDownloads   int    `json:"max_concurrent_downloads"`
	ParallelChunk            bool   `json:"parallel_chunk"`
	ParallelChunkConnections int    `json:"parallel_chunk_connections"`
	ProxyURL                 string `json:"proxy_url,omitempty"`
	Delegated                bool   `json:"delegated"`
}

// Normalize clamps policy values into their allowed ranges and defaults
// unset enums.
func (o *Options) Normalize() {
	if o.MessageFrom < 1 {
		o.MessageFrom = 1
	}
	if o.MessageTo < 0 {
		o.MessageTo = 0
	}
	if o.MaxConcurrentDownloads < 1 {
		o.MaxConcurrentDownloads = 1
	}
	if o.MaxConcurrentDownloads > 20 {
		o.MaxConcurrentDownloads = 20
	}
	if o.ParallelChunkConnections < 1 {
		o.ParallelChunkConnections = 1
	}
	if o.ParallelChunkConnections > 8 {
		o.ParallelChunkConnections = 8
	}
	if o.ExportFormat == "" {
		o.ExportFormat = FormatHTML
	}
	if o.FilterMode == "" {
		o.FilterMode = FilterNone
	}
	// channel ids supplied in raw numeric form get the wire prefix
	for i, id := range o.SpecificChats {
		if id > 0 && id > 1000000000 {
			o.SpecificChats[i] = telegram.MarkChannelID(id)
		}
	}
}

// WantsMedia reports whether the media-type mask admits t.
func (o *Options) WantsMedia(t telegram.MediaType) bool {
	switch t {
	case telegram.MediaPhoto:
		return o.Photos
	case telegram.MediaVideo:
		return o.Videos
	case telegram.MediaVoice:
		return o.VoiceMessages
	case telegram.MediaVideoNote:
		return o.VideoMessages
	case telegram.MediaSticker:
		return o.Stickers
	case telegram.MediaAnimation:
		return o.Animations
	case telegram.MediaAudio, telegram.MediaDocument:
		return o.Files
	default:
		return false
	}
}

// WantsChat reports whether the chat-type mask admits c.
// Ignored when an explicit chat list is present.
func (o *Options) WantsChat(c *telegram.Chat) bool {
	switch c.Kind {
	case telegram.ChatPrivate:
		return o.PrivateChats
	case telegram.ChatBot:
		return o.BotChats
	case telegram.ChatGroup:
		return o.PrivateGroups
	case telegram.ChatSupergroup:
		if c.Public() {
			return o.PublicGroups
		}
		return o.PrivateGroups
	case telegram.ChatChannel:
		if c.Public() {
			return o.PublicChannels
		}
		return o.PrivateChannels
	default:
		return false
	}
}

// WantsMessage applies the explicit include/skip list.
func (o *Options) WantsMessage(id int) bool {
	switch o.FilterMode {
	case FilterSkip:
		for _, m := range o.FilterMessages {
			if m == id {
				return false
			}
		}
		return true
	case FilterSpecify:
		for _, m := range o.FilterMessages {
			if m == id {
				return true
			}
		}
		return false
	default:
		return true
	}
}
