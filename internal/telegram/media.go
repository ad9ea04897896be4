package telegram

import (
	"fmt"
	"time"

	"github.com/gotd/td/tg"
)

// parseMessage converts a wire message into our Message record.
// Returns nil for message types the archive does not carry.
func parseMessage(msg tg.MessageClass) *Message {
	switch m := msg.(type) {
	case *tg.Message:
		out := &Message{
			ID:   m.ID,
			Date: time.Unix(int64(m.Date), 0),
			Text: m.Message,
		}
		if from, ok := m.GetFromID(); ok {
			if u, ok := from.(*tg.PeerUser); ok {
				out.SenderID = u.UserID
			}
		}
		if m.ReplyTo != nil {
			if hdr, ok := m.ReplyTo.(*tg.MessageReplyHeader); ok {
				out.ReplyTo = hdr.ReplyToMsgID
			}
		}
		out.Entities = parseEntities(m.Entities)
		out.Media = extractMedia(m.Media)
		return out
	case *tg.MessageService:
		out := &Message{
			ID:      m.ID,
			Date:    time.Unix(int64(m.Date), 0),
			Service: true,
		}
		if from, ok := m.GetFromID(); ok {
			if u, ok := from.(*tg.PeerUser); ok {
				out.SenderID = u.UserID
			}
		}
		return out
	default:
		return nil
	}
}

// parseEntities maps the wire entity spans onto our Entity records.
// Only the span kinds the renderers understand are kept.
func parseEntities(entities []tg.MessageEntityClass) []Entity {
	var out []Entity
	for _, e := range entities {
		switch ent := e.(type) {
		case *tg.MessageEntityURL:
			out = append(out, Entity{Type: "url", Offset: ent.Offset, Length: ent.Length})
		case *tg.MessageEntityTextURL:
			out = append(out, Entity{Type: "text_url", Offset: ent.Offset, Length: ent.Length, URL: ent.URL})
		case *tg.MessageEntityMention:
			out = append(out, Entity{Type: "mention", Offset: ent.Offset, Length: ent.Length})
		case *tg.MessageEntityMentionName:
			out = append(out, Entity{Type: "mention", Offset: ent.Offset, Length: ent.Length})
		case *tg.MessageEntityBold:
			out = append(out, Entity{Type: "bold", Offset: ent.Offset, Length: ent.Length})
		case *tg.MessageEntityItalic:
			out = append(out, Entity{Type: "italic", Offset: ent.Offset, Length: ent.Length})
		case *tg.MessageEntityCode:
			out = append(out, Entity{Type: "code", Offset: ent.Offset, Length: ent.Length})
		case *tg.MessageEntityPre:
			out = append(out, Entity{Type: "pre", Offset: ent.Offset, Length: ent.Length})
		case *tg.MessageEntityHashtag:
			out = append(out, Entity{Type: "hashtag", Offset: ent.Offset, Length: ent.Length})
		}
	}
	return out
}

// extractMedia pulls a transferable media reference out of a message.
// Webpages, polls, geo points and the like yield nil.
func extractMedia(media tg.MessageMediaClass) *MediaInfo {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return nil
		}
		size, thumb := largestPhotoSize(photo)
		return &MediaInfo{
			Type: MediaPhoto,
			Size: int64(size),
			Ref: FileRef{
				DocID:         photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
				ThumbSize:     thumb,
				Photo:         true,
			},
		}
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.(*tg.Document)
		if !ok {
			return nil
		}
		info := &MediaInfo{
			Type: MediaDocument,
			Size: doc.Size,
			Ref: FileRef{
				DocID:         doc.ID,
				AccessHash:    doc.AccessHash,
				FileReference: doc.FileReference,
			},
		}
		for _, attr := range doc.Attributes {
			switch a := attr.(type) {
			case *tg.DocumentAttributeFilename:
				info.FileName = a.FileName
			case *tg.DocumentAttributeVideo:
				if a.RoundMessage {
					info.Type = MediaVideoNote
				} else if info.Type == MediaDocument {
					info.Type = MediaVideo
				}
			case *tg.DocumentAttributeAudio:
				if a.Voice {
					info.Type = MediaVoice
				} else {
					info.Type = MediaAudio
				}
			case *tg.DocumentAttributeSticker:
				info.Type = MediaSticker
			case *tg.DocumentAttributeAnimated:
				info.Type = MediaAnimation
			}
		}
		return info
	default:
		return nil
	}
}

// largestPhotoSize picks the biggest downloadable size of a photo.
func largestPhotoSize(photo *tg.Photo) (int, string) {
	best, thumb := 0, ""
	for _, s := range photo.Sizes {
		switch size := s.(type) {
		case *tg.PhotoSize:
			if size.Size > best {
				best, thumb = size.Size, size.Type
			}
		case *tg.PhotoSizeProgressive:
			total := 0
			for _, n := range size.Sizes {
				if n > total {
					total = n
				}
			}
			if total > best {
				best, thumb = total, size.Type
			}
		}
	}
	return best, thumb
}

// Location builds the input location for a Download call.
func (r FileRef) Location() tg.InputFileLocationClass {
	if r.Photo {
		return &tg.InputPhotoFileLocation{
			ID:            r.DocID,
			AccessHash:    r.AccessHash,
			FileReference: r.FileReference,
			ThumbSize:     r.ThumbSize,
		}
	}
	return &tg.InputDocumentFileLocation{
		ID:            r.DocID,
		AccessHash:    r.AccessHash,
		FileReference: r.FileReference,
	}
}

// SyntheticName builds the fallback filename for media without an
// original name: media.{ext} keyed by the media type.
func (m *MediaInfo) SyntheticName() string {
	return fmt.Sprintf("media.%s", m.Type.Ext())
}
