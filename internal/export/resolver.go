package export

import (
	"context"
	"fmt"

	"github.com/blockedby/tg-export/internal/logger"
	"github.com/blockedby/tg-export/internal/telegram"
)

// resolveChats converts the job filter into a concrete ordered chat list.
//
// With an explicit id list, each id is normalised (channel prefix
// supplied when absent) and resolved individually; unresolvable ids are
// logged and skipped. Otherwise all dialogs are enumerated and filtered
// by the chat-type mask. "Only my messages" does not affect the list; it
// applies inside the scanner.
func resolveChats(ctx context.Context, session Session, opts *Options, log *logger.Logger) ([]telegram.Chat, error) {
	dialogs, err := session.Dialogs(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate dialogs: %w", err)
	}

	if len(opts.SpecificChats) == 0 {
		var out []telegram.Chat
		for _, chat := range dialogs {
			c := chat
			if opts.WantsChat(&c) {
				out = append(out, c)
			}
		}
		return out, nil
	}

	byID := make(map[int64]telegram.Chat, len(dialogs))
	for _, chat := range dialogs {
		byID[chat.ID] = chat
	}

	var out []telegram.Chat
	for _, id := range opts.SpecificChats {
		chat, ok := byID[id]
		if !ok {
			// operator may have given the raw numeric channel id
			chat, ok = byID[telegram.MarkChannelID(id)]
		}
		if !ok {
			log.Warn().Int64("chat_id", id).Msg("export: chat not resolvable, skipping")
			continue
		}
		out = append(out, chat)
	}
	return out, nil
}
