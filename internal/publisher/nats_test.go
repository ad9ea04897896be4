package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blockedby/tg-export/internal/export"
)

type mockNATS struct {
	subject string
	data    []byte
	err     error
}

func (m *mockNATS) Publish(subject string, data []byte) error {
	m.subject = subject
	m.data = data
	return m.err
}

func TestPublishJobState(t *testing.T) {
	mock := &mockNATS{}
	p := &NATSPublisher{nc: mock}

	require.NoError(t, p.PublishJobState(context.Background(), "job-1", export.StateRunning))
	assert.Equal(t, "export.job.state", mock.subject)

	var evt jobStateEvent
	require.NoError(t, json.Unmarshal(mock.data, &evt))
	assert.Equal(t, "job-1", evt.JobID)
	assert.Equal(t, export.StateRunning, evt.State)
	assert.False(t, evt.At.IsZero())
}

func TestPublishJobState_Error(t *testing.T) {
	p := &NATSPublisher{nc: &mockNATS{err: errors.New("down")}}
	err := p.PublishJobState(context.Background(), "job-1", export.StateFailed)
	assert.ErrorContains(t, err, "publish event")
}
