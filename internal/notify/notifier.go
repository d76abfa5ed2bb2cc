// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

// Package notify publishes mapping change events to downstream
// consumers. Publishing is best-effort with bounded retries; events
// that cannot be delivered land in a dead-letter store instead of
// failing the sync that produced them.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/syncbridge/syncbridge/internal/logging"
	"github.com/syncbridge/syncbridge/internal/metrics"
)

// Event is the envelope published for every mapping change.
type Event struct {
	ID         string    `json:"id"`
	EventType  string    `json:"event_type"`
	EntityKind string    `json:"entity_kind"`
	LocalID    int64     `json:"local_id"`
	RemoteCode string    `json:"remote_code,omitempty"`
	Backend    string    `json:"backend"`
	OccurredAt time.Time `json:"occurred_at"`
	Link       string    `json:"link,omitempty"`
}

// Event types carried in the envelope.
const (
	EventMappingCreated  = "mapping.created"
	EventMappingResynced = "mapping.resynced"
	EventMappingFailed   = "mapping.failed"
)

// DeadLetter is an event that exhausted its publish attempts.
type DeadLetter struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`
	Topic     string    `json:"topic"`
	Payload   []byte    `json:"payload"`
	LastError string    `json:"last_error"`
	Attempts  int       `json:"attempts"`
	CreatedAt time.Time `json:"created_at"`
}

// DeadLetterStore persists undeliverable events. Implemented by
// internal/database.
type DeadLetterStore interface {
	InsertDeadLetter(ctx context.Context, dl *DeadLetter) error
	ListDeadLetters(ctx context.Context, limit int) ([]*DeadLetter, error)
	DeleteDeadLetter(ctx context.Context, id int64) error
}

// Notifier publishes events with retry and dead-lettering. A notifier
// never returns publish failures to the caller: a sync that succeeded
// remotely stays succeeded even when its notification cannot go out.
type Notifier struct {
	publisher   message.Publisher
	deadLetters DeadLetterStore
	topic       string
	maxAttempts int
	baseDelay   time.Duration
	linkBase    string
}

// NewNotifier creates a Notifier over any watermill publisher.
func NewNotifier(publisher message.Publisher, deadLetters DeadLetterStore, topic string, maxAttempts int, baseDelay time.Duration, linkBase string) *Notifier {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	return &Notifier{
		publisher:   publisher,
		deadLetters: deadLetters,
		topic:       topic,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		linkBase:    linkBase,
	}
}

// NewEvent fills the envelope's generated fields.
func (n *Notifier) NewEvent(eventType, entityKind string, localID int64, remoteCode, backend string) *Event {
	e := &Event{
		ID:         uuid.NewString(),
		EventType:  eventType,
		EntityKind: entityKind,
		LocalID:    localID,
		RemoteCode: remoteCode,
		Backend:    backend,
		OccurredAt: time.Now().UTC(),
	}
	if n.linkBase != "" {
		e.Link = fmt.Sprintf("%s/mappings/%s/%d", n.linkBase, entityKind, localID)
	}
	return e
}

// Publish delivers the event, retrying with doubling delays. After the
// final failure the event is written to the dead-letter store and nil
// is returned; only a dead-letter store failure surfaces as an error.
func (n *Notifier) Publish(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", event.ID, err)
	}

	msg := message.NewMessage(event.ID, payload)
	msg.Metadata.Set("event_type", event.EventType)
	msg.Metadata.Set("entity_kind", event.EntityKind)

	var lastErr error
	delay := n.baseDelay
	for attempt := 1; attempt <= n.maxAttempts; attempt++ {
		lastErr = n.publisher.Publish(n.topic, msg)
		if lastErr == nil {
			metrics.NotificationsPublished.Inc()
			return nil
		}
		if attempt == n.maxAttempts {
			break
		}
		logging.Warn().
			Str("event_id", event.ID).
			Int("attempt", attempt).
			Err(lastErr).
			Msg("notification publish failed, retrying")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = n.maxAttempts
		}
		delay *= 2
	}

	dl := &DeadLetter{
		EventID:   event.ID,
		Topic:     n.topic,
		Payload:   payload,
		LastError: lastErr.Error(),
		Attempts:  n.maxAttempts,
		CreatedAt: time.Now().UTC(),
	}
	if err := n.deadLetters.InsertDeadLetter(ctx, dl); err != nil {
		return fmt.Errorf("dead-letter event %s: %w", event.ID, err)
	}

	metrics.RecordDeadLetter()
	logging.Error().
		Str("event_id", event.ID).
		Str("topic", n.topic).
		Err(lastErr).
		Msg("notification dead-lettered after exhausting attempts")
	return nil
}

// ReplayDeadLetters re-publishes up to limit dead letters, deleting
// each one that goes out. Replay uses a single publish attempt per
// letter; anything still failing stays in the store.
func (n *Notifier) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	letters, err := n.deadLetters.ListDeadLetters(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list dead letters: %w", err)
	}

	replayed := 0
	for _, dl := range letters {
		if err := ctx.Err(); err != nil {
			return replayed, err
		}
		msg := message.NewMessage(dl.EventID, dl.Payload)
		if err := n.publisher.Publish(dl.Topic, msg); err != nil {
			logging.Warn().
				Str("event_id", dl.EventID).
				Err(err).
				Msg("dead letter replay failed, keeping")
			continue
		}
		if err := n.deadLetters.DeleteDeadLetter(ctx, dl.ID); err != nil {
			return replayed, fmt.Errorf("delete dead letter %d: %w", dl.ID, err)
		}
		replayed++
		metrics.NotificationsPublished.Inc()
	}

	if replayed > 0 {
		logging.Info().Int("count", replayed).Msg("dead letters replayed")
	}
	return replayed, nil
}

// Close shuts the underlying publisher down.
func (n *Notifier) Close() error {
	return n.publisher.Close()
}
