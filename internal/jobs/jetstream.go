package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	// JobStream carries sync units of work.
	JobStream = "SYNC_JOBS"
	// EventStream carries indexing notifications for the downstream
	// collaborator.
	EventStream = "PRINCIPAL_EVENTS"

	// uniquenessWindow is how long JetStream deduplicates message IDs; it
	// doubles as the queue-level uniqueness TTL for units of work.
	uniquenessWindow = 10 * time.Minute
)

// Publisher wraps NATS JetStream for publishing units of work and events.
type Publisher struct {
	nc *nats.Conn
	js nats.JetStreamContext
}

// NewPublisher connects to NATS and acquires a JetStream context.
func NewPublisher(url string) (*Publisher, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	return &Publisher{nc: nc, js: js}, nil
}

// EnsureStreams ensures both streams exist.
func (p *Publisher) EnsureStreams(ctx context.Context) error {
	if err := p.ensureStream(&nats.StreamConfig{
		Name:       JobStream,
		Subjects:   []string{"jobs.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.WorkQueuePolicy,
		Duplicates: uniquenessWindow,
	}); err != nil {
		return err
	}

	return p.ensureStream(&nats.StreamConfig{
		Name:       EventStream,
		Subjects:   []string{"principal.*.>"},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: uniquenessWindow,
		MaxAge:     30 * 24 * time.Hour,
	})
}

func (p *Publisher) ensureStream(cfg *nats.StreamConfig) error {
	info, err := p.js.StreamInfo(cfg.Name)
	if err == nil && info != nil {
		return nil
	}

	if _, err := p.js.AddStream(cfg); err != nil {
		if errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil
		}
		return fmt.Errorf("failed to create stream %s: %w", cfg.Name, err)
	}

	return nil
}

// Publish publishes a message with an ID for JetStream deduplication.
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID))
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// JetStream exposes the underlying context for consumer setup.
func (p *Publisher) JetStream() nats.JetStreamContext {
	return p.js
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}
