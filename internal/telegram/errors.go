package telegram

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorKind classifies download-path failures so callers can pick a
// recovery strategy without coupling to wire error strings.
type ErrorKind string

const (
	// KindFloodWait is a server-side cooldown; retry after the wait,
	// without consuming an attempt.
	KindFloodWait ErrorKind = "flood_wait"
	// KindRefExpired means the file access reference aged out and must be
	// refreshed from the owning message.
	KindRefExpired ErrorKind = "ref_expired"
	// KindTransient is a recoverable transport failure.
	KindTransient ErrorKind = "transient"
	// KindPermanent is unrecoverable for this item.
	KindPermanent ErrorKind = "permanent"
)

// Error is a classified telegram error.
type Error struct {
	Kind ErrorKind
	Wait time.Duration // only for KindFloodWait
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the classified kind of err, defaulting to KindTransient
// for unclassified errors (unknown errors are retried, as the safer bet).
func KindOf(err error) ErrorKind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return Classify(err).Kind
}

// FloodWaitOf returns the cooldown carried by a flood-wait error, or 0.
func FloodWaitOf(err error) time.Duration {
	var te *Error
	if errors.As(err, &te) && te.Kind == KindFloodWait {
		return te.Wait
	}
	return 0
}

// permanent wire errors: the item can never succeed, the job moves on
var permanentMarkers = []string{
	"PEER_ID_INVALID",
	"CHANNEL_INVALID",
	"CHANNEL_PRIVATE",
	"MESSAGE_ID_INVALID",
	"MSG_ID_INVALID",
	"FILE_ID_INVALID",
	"LOCATION_INVALID",
	"MEDIA_INVALID",
	"AUTH_KEY_UNREGISTERED",
	"SESSION_REVOKED",
	"USER_DEACTIVATED",
}

var transientMarkers = []string{
	"connection", "disconnect", "timeout", "reset",
	"network", "eof", "broken pipe", "rpc_call_fail",
	"engine was closed", "unexpected", "i/o",
}

// Classify maps a raw client error onto a tagged *Error.
// gotd/gotgproto errors are usually wrapped; matching on the error string
// is the most reliable way without deep coupling to gotd error definitions.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return te
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTransient, Msg: "request deadline exceeded", Err: err}
	}

	str := err.Error()
	upper := strings.ToUpper(str)

	if wait := floodWaitSeconds(upper); wait > 0 {
		return &Error{
			Kind: KindFloodWait,
			Wait: time.Duration(wait) * time.Second,
			Msg:  "rate limited",
			Err:  err,
		}
	}

	if strings.Contains(upper, "FILE_REFERENCE") {
		return &Error{Kind: KindRefExpired, Msg: "file reference expired", Err: err}
	}

	for _, marker := range permanentMarkers {
		if strings.Contains(upper, marker) {
			return &Error{Kind: KindPermanent, Msg: strings.ToLower(marker), Err: err}
		}
	}

	lower := strings.ToLower(str)
	for _, marker := range transientMarkers {
		if strings.Contains(lower, marker) {
			return &Error{Kind: KindTransient, Msg: "transport failure", Err: err}
		}
	}

	// unknown errors are treated as transient and retried
	return &Error{Kind: KindTransient, Msg: "unclassified error", Err: err}
}

// floodWaitSeconds extracts the wait from a FLOOD_WAIT_X error string.
// format is usually "rpc error: code 420: FLOOD_WAIT_15"
func floodWaitSeconds(upper string) int {
	parts := strings.Split(upper, "FLOOD_WAIT_")
	if len(parts) < 2 {
		return 0
	}
	var seconds int
	_, _ = fmt.Sscanf(strings.TrimSpace(parts[1]), "%d", &seconds)
	return seconds
}
