package telegram

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassify_FloodWait(t *testing.T) {
	err := errors.New("rpc error: code 420: FLOOD_WAIT_30")
	classified := Classify(err)

	assert.Equal(t, KindFloodWait, classified.Kind)
	assert.Equal(t, 30*time.Second, classified.Wait)
	assert.Equal(t, 30*time.Second, FloodWaitOf(classified))
}

func TestClassify_FileReference(t *testing.T) {
	for _, msg := range []string{
		"rpc error: code 400: FILE_REFERENCE_EXPIRED",
		"rpc error: code 400: FILE_REFERENCE_INVALID",
	} {
		assert.Equal(t, KindRefExpired, Classify(errors.New(msg)).Kind, msg)
	}
}

func TestClassify_Permanent(t *testing.T) {
	for _, msg := range []string{
		"rpc error: code 400: PEER_ID_INVALID",
		"rpc error: code 400: CHANNEL_PRIVATE",
		"rpc error: code 401: AUTH_KEY_UNREGISTERED",
	} {
		assert.Equal(t, KindPermanent, Classify(errors.New(msg)).Kind, msg)
	}
}

func TestClassify_Transient(t *testing.T) {
	for _, msg := range []string{
		"read tcp: connection reset by peer",
		"unexpected EOF",
		"dial timeout",
		"something completely unknown",
	} {
		assert.Equal(t, KindTransient, Classify(errors.New(msg)).Kind, msg)
	}
}

func TestClassify_AlreadyClassified(t *testing.T) {
	orig := &Error{Kind: KindPermanent, Msg: "gone"}
	assert.Same(t, orig, Classify(orig))
	assert.Equal(t, KindPermanent, KindOf(orig))
}

func TestFloodWaitSeconds_Garbage(t *testing.T) {
	assert.Equal(t, 0, floodWaitSeconds("FLOOD_WAIT_"))
	assert.Equal(t, 0, floodWaitSeconds("SOMETHING ELSE"))
}
