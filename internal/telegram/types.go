package telegram

import "time"

// ChatKind distinguishes the dialog flavours the exporter cares about.
type ChatKind string

const (
	ChatPrivate    ChatKind = "private"
	ChatBot        ChatKind = "bot"
	ChatGroup      ChatKind = "group"
	ChatSupergroup ChatKind = "supergroup"
	ChatChannel    ChatKind = "channel"
)

// Chat is a resolved dialog. IDs follow the Bot API convention: negative
// for groups and channels, with channels carrying the -100 prefix.
type Chat struct {
	ID         int64    `json:"id"`
	AccessHash int64    `json:"access_hash"`
	Kind       ChatKind `json:"kind"`
	Title      string   `json:"title"`
	Username   string   `json:"username,omitempty"`
}

// Public reports whether the chat has a public username.
func (c *Chat) Public() bool { return c.Username != "" }

// channelIDOffset is the -100 prefix channels carry on the wire.
const channelIDOffset = int64(1000000000000)

// MarkChannelID converts a raw channel id into its prefixed form.
func MarkChannelID(raw int64) int64 {
	if raw < 0 {
		return raw
	}
	return -(channelIDOffset + raw)
}

// UnmarkChannelID strips the channel prefix, returning the raw wire id.
func UnmarkChannelID(id int64) int64 {
	if id < -channelIDOffset {
		return -id - channelIDOffset
	}
	if id < 0 {
		return -id
	}
	return id
}

// MediaType enumerates the transferable media flavours.
type MediaType string

const (
	MediaPhoto     MediaType = "photo"
	MediaVideo     MediaType = "video"
	MediaVoice     MediaType = "voice"
	MediaVideoNote MediaType = "video_note"
	MediaAudio     MediaType = "audio"
	MediaSticker   MediaType = "sticker"
	MediaAnimation MediaType = "animation"
	MediaDocument  MediaType = "document"
)

// DirName returns the export subdirectory for the media type.
func (m MediaType) DirName() string {
	switch m {
	case MediaPhoto:
		return "photos"
	case MediaVideo:
		return "video_files"
	case MediaVoice:
		return "voice_messages"
	case MediaVideoNote:
		return "round_video_messages"
	case MediaAudio:
		return "audio_files"
	case MediaSticker:
		return "stickers"
	case MediaAnimation:
		return "gifs"
	default:
		return "files"
	}
}

// Ext returns the fallback extension used when the wire protocol does not
// supply an original filename.
func (m MediaType) Ext() string {
	switch m {
	case MediaPhoto:
		return "jpg"
	case MediaVideo, MediaVideoNote, MediaAnimation:
		return "mp4"
	case MediaVoice:
		return "ogg"
	case MediaSticker:
		return "webp"
	case MediaDocument:
		return "pdf"
	default:
		return "bin"
	}
}

// FileRef is the short-lived access reference the service requires for
// each Download call. It is serialisable so queued items survive restarts;
// an aged-out reference is refreshed from the owning message.
type FileRef struct {
	DocID         int64  `json:"doc_id"`
	AccessHash    int64  `json:"access_hash"`
	FileReference []byte `json:"file_reference"`
	ThumbSize     string `json:"thumb_size,omitempty"`
	Photo         bool   `json:"photo,omitempty"`
}

// MediaInfo describes one transferable binary referenced by a message.
type MediaInfo struct {
	Type     MediaType `json:"type"`
	Size     int64     `json:"size"`
	FileName string    `json:"file_name,omitempty"`
	Ref      FileRef   `json:"ref"`
}

// Entity is a formatting or link span inside a message text.
type Entity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	URL    string `json:"url,omitempty"`
}

// Message is one archived message record. Immutable after emission.
type Message struct {
	ID       int        `json:"id"`
	Date     time.Time  `json:"date"`
	SenderID int64      `json:"sender_id,omitempty"`
	ReplyTo  int        `json:"reply_to,omitempty"`
	Text     string     `json:"text,omitempty"`
	Entities []Entity   `json:"entities,omitempty"`
	Service  bool       `json:"service,omitempty"`
	Media    *MediaInfo `json:"media,omitempty"`
}
