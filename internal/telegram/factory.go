package telegram

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/celestix/gotgproto"
	"github.com/celestix/gotgproto/sessionMaker"
	"github.com/glebarez/sqlite"

	"github.com/blockedby/tg-export/internal/config"
)

// NewPersistentClient creates a telegram client backed by the sqlite
// session store. Session updates (auth key refreshes) persist back to the
// same file, so a restart reuses the authenticated session.
func NewPersistentClient(_ context.Context, cfg *config.Config) (*gotgproto.Client, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.TGSessionDB), 0755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	clientOpts := &gotgproto.ClientOpts{
		Session:          sessionMaker.SqlSession(sqlite.Open(cfg.TGSessionDB)),
		DisableCopyright: true,
		// persistence enabled: the session survives restarts
		InMemory: false,
	}

	if cfg.TGProxyURL != "" {
		if _, err := url.Parse(cfg.TGProxyURL); err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}
		// the URL is only validated here; it is not passed to the client,
		// which connects directly
	}

	client, err := gotgproto.NewClient(
		cfg.TGApiID,
		cfg.TGApiHash,
		gotgproto.ClientTypePhone(""), // empty = use stored session
		clientOpts,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram client: %w", err)
	}

	return client, nil
}
