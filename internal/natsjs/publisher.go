// Package natsjs publishes sync events to NATS JetStream through the
// transactional outbox: an event leaves the process only after its message
// row committed, and JetStream msg-id deduplication absorbs redelivery.
package natsjs

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/uniboxhq/unibox-sync/internal/store"
)

const (
	streamName     = "CHANNEL_EVENTS"
	streamSubjects = "workspace.*.>"
)

// Publisher wraps NATS JetStream for publishing events.
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

// EnsureStream ensures the channel events stream exists.
func (p *Publisher) EnsureStream(ctx context.Context) error {
	streamInfo, err := p.js.StreamInfo(streamName)
	if err == nil && streamInfo != nil {
		return nil
	}

	_, err = p.js.AddStream(&nats.StreamConfig{
		Name:       streamName,
		Subjects:   []string{streamSubjects},
		Storage:    nats.FileStorage,
		Retention:  nats.LimitsPolicy,
		Duplicates: 10 * time.Minute,
		MaxAge:     30 * 24 * time.Hour,
	})
	if err != nil {
		if err == nats.ErrStreamNameAlreadyInUse {
			return nil
		}
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

// Publish publishes a message with msg-id deduplication.
func (p *Publisher) Publish(subject string, payload []byte, msgID string) error {
	_, err := p.js.Publish(subject, payload, nats.MsgId(msgID))
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// DispatchLoop continuously drains the outbox into JetStream until ctx is
// cancelled. Publish failures reschedule the row with backoff.
func (p *Publisher) DispatchLoop(ctx context.Context, st *store.Store) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messages, err := st.DequeueOutbox(ctx, 100)
		if err != nil {
			log.Printf("outbox dispatch: dequeue: %v", err)
			time.Sleep(time.Second)
			continue
		}

		if len(messages) == 0 {
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, msg := range messages {
			if err := p.Publish(msg.Subject, msg.Payload, msg.MsgID); err != nil {
				log.Printf("outbox dispatch: publish %d: %v", msg.ID, err)
				_ = st.MarkOutboxRetry(ctx, msg.ID, 10*time.Second)
				continue
			}
			if err := st.MarkPublished(ctx, msg.ID); err != nil {
				log.Printf("outbox dispatch: mark published %d: %v", msg.ID, err)
			}
		}
	}
}
