// Package publisher emits job lifecycle events to NATS.
package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/blockedby/tg-export/internal/export"
)

// NATSClient interface to allow mocking
type NATSClient interface {
	Publish(subject string, data []byte) error
}

// NATSPublisher implements export.EventPublisher
type NATSPublisher struct {
	nc NATSClient
}

// NewNATSPublisher creates a new publisher
func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{nc: conn}
}

// jobStateEvent is the wire form of a state transition.
type jobStateEvent struct {
	JobID string       `json:"job_id"`
	State export.State `json:"state"`
	At    time.Time    `json:"at"`
}

// PublishJobState publishes a job state transition.
func (p *NATSPublisher) PublishJobState(_ context.Context, jobID string, state export.State) error {
	data, err := json.Marshal(jobStateEvent{
		JobID: jobID,
		State: state,
		At:    time.Now(),
	})
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	if err := p.nc.Publish("export.job.state", data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Connect dials NATS; the caller disables publishing when it fails.
func Connect(url string) (*nats.Conn, error) {
	return nats.Connect(url, nats.Name("tg-export"))
}
