package web

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/tg-export/internal/export"
)

func TestHub_Broadcast(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	client1 := &Client{hub: hub, send: make(chan []byte, 256)}
	hub.register <- client1
	client2 := &Client{hub: hub, send: make(chan []byte, 256)}
	hub.register <- client2

	// wait for registration
	time.Sleep(10 * time.Millisecond)

	msg := JobProgressEvent(export.Snapshot{ID: "job-1", State: export.StateRunning})
	hub.Broadcast(msg)

	for _, c := range []*Client{client1, client2} {
		select {
		case received := <-c.send:
			assert.Equal(t, msg, received)
		case <-time.After(time.Second):
			t.Fatal("client did not receive broadcast")
		}
	}
}

func TestHub_SlowClientDropped(t *testing.T) {
	hub := NewHub()
	go hub.Run()

	slow := &Client{hub: hub, send: make(chan []byte)} // unbuffered, never read
	hub.register <- slow
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast([]byte("one"))
	time.Sleep(10 * time.Millisecond)

	// the slow client's channel was closed on drop
	select {
	case _, ok := <-slow.send:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("slow client was not dropped")
	}
}

func TestJobProgressEvent_Shape(t *testing.T) {
	b := JobProgressEvent(export.Snapshot{ID: "abc", State: export.StatePaused})

	var evt struct {
		Type    string          `json:"type"`
		Payload json.RawMessage `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(b, &evt))
	assert.Equal(t, EventJobProgress, evt.Type)

	var snap export.Snapshot
	require.NoError(t, json.Unmarshal(evt.Payload, &snap))
	assert.Equal(t, "abc", snap.ID)
	assert.Equal(t, export.StatePaused, snap.State)
}
