package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
)

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []localEvent
}

type localEvent struct {
	DocumentID string
	Event      string
	Payload    json.RawMessage
}

func (r *recordingBroadcaster) BroadcastLocal(documentID, event string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	raw, _ := payload.(json.RawMessage)
	r.events = append(r.events, localEvent{DocumentID: documentID, Event: event, Payload: raw})
}

func (r *recordingBroadcaster) snapshot() []localEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]localEvent(nil), r.events...)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

func TestBridgeRebroadcastsForeignEvents(t *testing.T) {
	mr := miniredis.RunT(t)

	publisher, err := New(context.Background(), "redis://"+mr.Addr(), zerolog.Nop())
	if err != nil {
		t.Fatalf("New() publisher error = %v", err)
	}
	defer publisher.Close()

	receiver, err := New(context.Background(), "redis://"+mr.Addr(), zerolog.Nop())
	if err != nil {
		t.Fatalf("New() receiver error = %v", err)
	}
	defer receiver.Close()

	local := &recordingBroadcaster{}
	receiver.Run(local)

	// Give the pattern subscription a moment to land before publishing.
	time.Sleep(50 * time.Millisecond)

	publisher.Publish("doc_1", "change:applied", map[string]any{"version": 6})

	waitFor(t, func() bool { return len(local.snapshot()) == 1 })
	got := local.snapshot()[0]
	if got.DocumentID != "doc_1" || got.Event != "change:applied" {
		t.Fatalf("delivered = %+v", got)
	}
	var payload struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(got.Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Version != 6 {
		t.Fatalf("version = %d, want 6", payload.Version)
	}
}

func TestBridgeIgnoresOwnOrigin(t *testing.T) {
	mr := miniredis.RunT(t)

	node, err := New(context.Background(), "redis://"+mr.Addr(), zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer node.Close()

	local := &recordingBroadcaster{}
	node.Run(local)
	time.Sleep(50 * time.Millisecond)

	node.Publish("doc_1", "presence", map[string]any{"actorId": "usr_a"})

	// The node's own publish must not come back around.
	time.Sleep(100 * time.Millisecond)
	if events := local.snapshot(); len(events) != 0 {
		t.Fatalf("self-origin events delivered: %+v", events)
	}
}

func TestBridgePing(t *testing.T) {
	mr := miniredis.RunT(t)

	b, err := New(context.Background(), "redis://"+mr.Addr(), zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer b.Close()

	if err := b.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() error = %v", err)
	}

	mr.Close()
	if err := b.Ping(context.Background()); err == nil {
		t.Fatal("Ping() succeeded against a stopped server")
	}
}

func TestBridgeRejectsBadURL(t *testing.T) {
	if _, err := New(context.Background(), "not-a-url", zerolog.Nop()); err == nil {
		t.Fatal("New() accepted a malformed url")
	}
}
