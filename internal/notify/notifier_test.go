// Syncbridge - Cross-System Entity Synchronization Core
// Copyright 2026 Syncbridge Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/syncbridge/syncbridge

package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	json "github.com/goccy/go-json"
)

// fakePublisher records published messages and fails the first failN
// publishes.
type fakePublisher struct {
	mu        sync.Mutex
	failN     int
	calls     int
	published []*message.Message
}

func (p *fakePublisher) Publish(topic string, messages ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.failN {
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, messages...)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

type memDeadLetters struct {
	mu      sync.Mutex
	nextID  int64
	letters map[int64]*DeadLetter
}

func newMemDeadLetters() *memDeadLetters {
	return &memDeadLetters{letters: make(map[int64]*DeadLetter)}
}

func (s *memDeadLetters) InsertDeadLetter(_ context.Context, dl *DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	dl.ID = s.nextID
	cp := *dl
	s.letters[dl.ID] = &cp
	return nil
}

func (s *memDeadLetters) ListDeadLetters(_ context.Context, limit int) ([]*DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*DeadLetter
	for _, dl := range s.letters {
		cp := *dl
		out = append(out, &cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memDeadLetters) DeleteDeadLetter(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.letters, id)
	return nil
}

func (s *memDeadLetters) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.letters)
}

func TestNotifier_PublishSucceeds(t *testing.T) {
	pub := &fakePublisher{}
	dls := newMemDeadLetters()
	n := NewNotifier(pub, dls, "mapping.changes", 3, time.Millisecond, "https://sync.internal")

	event := n.NewEvent(EventMappingCreated, "product", 42, "P-9001", "erp")
	if event.Link != "https://sync.internal/mappings/product/42" {
		t.Errorf("link = %q", event.Link)
	}

	if err := n.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(pub.published) != 1 {
		t.Fatalf("published %d messages, want 1", len(pub.published))
	}

	var got Event
	if err := json.Unmarshal(pub.published[0].Payload, &got); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if got.ID != event.ID || got.EventType != EventMappingCreated || got.LocalID != 42 {
		t.Errorf("payload round trip mismatch: %+v", got)
	}
	if dls.count() != 0 {
		t.Errorf("dead letters = %d, want 0", dls.count())
	}
}

func TestNotifier_RetriesThenSucceeds(t *testing.T) {
	pub := &fakePublisher{failN: 2}
	dls := newMemDeadLetters()
	n := NewNotifier(pub, dls, "mapping.changes", 3, time.Millisecond, "")

	event := n.NewEvent(EventMappingResynced, "supplier", 7, "S-1", "wms")
	if err := n.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if pub.calls != 3 {
		t.Errorf("publish calls = %d, want 3", pub.calls)
	}
	if dls.count() != 0 {
		t.Errorf("dead letters = %d, want 0", dls.count())
	}
}

func TestNotifier_DeadLettersAfterExhaustion(t *testing.T) {
	pub := &fakePublisher{failN: 100}
	dls := newMemDeadLetters()
	n := NewNotifier(pub, dls, "mapping.changes", 3, time.Millisecond, "")

	event := n.NewEvent(EventMappingFailed, "customer", 9, "", "erp")
	// Exhausted publishes dead-letter and report success to the caller.
	if err := n.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish should swallow delivery failure, got %v", err)
	}
	if pub.calls != 3 {
		t.Errorf("publish calls = %d, want 3", pub.calls)
	}
	if dls.count() != 1 {
		t.Fatalf("dead letters = %d, want 1", dls.count())
	}

	letters, _ := dls.ListDeadLetters(context.Background(), 10)
	dl := letters[0]
	if dl.EventID != event.ID || dl.Attempts != 3 || dl.Topic != "mapping.changes" {
		t.Errorf("dead letter = %+v", dl)
	}
	if dl.LastError == "" {
		t.Error("dead letter lost the last error")
	}
}

func TestNotifier_ReplayDeadLetters(t *testing.T) {
	pub := &fakePublisher{failN: 3}
	dls := newMemDeadLetters()
	n := NewNotifier(pub, dls, "mapping.changes", 3, time.Millisecond, "")

	event := n.NewEvent(EventMappingCreated, "order", 11, "O-1", "erp")
	if err := n.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if dls.count() != 1 {
		t.Fatalf("dead letters = %d, want 1", dls.count())
	}

	// The broker is back; replay drains the store.
	replayed, err := n.ReplayDeadLetters(context.Background(), 10)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed != 1 {
		t.Errorf("replayed = %d, want 1", replayed)
	}
	if dls.count() != 0 {
		t.Errorf("dead letters after replay = %d, want 0", dls.count())
	}
	if len(pub.published) != 1 {
		t.Errorf("published after replay = %d, want 1", len(pub.published))
	}
}

func TestNotifier_ReplayKeepsStillFailing(t *testing.T) {
	pub := &fakePublisher{failN: 100}
	dls := newMemDeadLetters()
	n := NewNotifier(pub, dls, "mapping.changes", 1, time.Millisecond, "")

	event := n.NewEvent(EventMappingCreated, "location", 3, "", "wms")
	if err := n.Publish(context.Background(), event); err != nil {
		t.Fatalf("publish: %v", err)
	}

	replayed, err := n.ReplayDeadLetters(context.Background(), 10)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed != 0 {
		t.Errorf("replayed = %d, want 0", replayed)
	}
	if dls.count() != 1 {
		t.Errorf("dead letters = %d, want still 1", dls.count())
	}
}
