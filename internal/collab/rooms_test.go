package collab

import (
	"sync"
	"testing"
)

type fakeSub struct {
	id string

	mu     sync.Mutex
	events []sentEvent
}

type sentEvent struct {
	Event   string
	Payload any
}

func (f *fakeSub) ConnID() string { return f.id }

func (f *fakeSub) Send(event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, sentEvent{Event: event, Payload: payload})
}

func (f *fakeSub) received() []sentEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentEvent, len(f.events))
	copy(out, f.events)
	return out
}

func TestBroadcastExcludesSender(t *testing.T) {
	r := newRooms()
	a := &fakeSub{id: "conn-a"}
	b := &fakeSub{id: "conn-b"}
	c := &fakeSub{id: "conn-c"}
	r.join("doc_1", a)
	r.join("doc_1", b)
	r.join("doc_1", c)

	delivered := r.broadcast("doc_1", "conn-a", "presence:joined", nil)
	if delivered != 2 {
		t.Fatalf("broadcast delivered %d, want 2", delivered)
	}
	if len(a.received()) != 0 {
		t.Fatalf("sender received its own broadcast: %v", a.received())
	}
	if len(b.received()) != 1 || len(c.received()) != 1 {
		t.Fatalf("peers got %d/%d events, want 1/1", len(b.received()), len(c.received()))
	}
}

func TestLeaveDropsDrainedRoom(t *testing.T) {
	r := newRooms()
	var drained []string
	r.onDrain = func(documentID string) { drained = append(drained, documentID) }

	a := &fakeSub{id: "conn-a"}
	b := &fakeSub{id: "conn-b"}
	r.join("doc_1", a)
	r.join("doc_1", b)

	if !r.leave("doc_1", "conn-a") {
		t.Fatal("leave() = false for a member")
	}
	if len(drained) != 0 {
		t.Fatalf("room drained with a member left: %v", drained)
	}
	if !r.leave("doc_1", "conn-b") {
		t.Fatal("leave() = false for last member")
	}
	if r.count() != 0 {
		t.Fatalf("room count = %d after drain, want 0", r.count())
	}
	if len(drained) != 1 || drained[0] != "doc_1" {
		t.Fatalf("drained = %v, want [doc_1]", drained)
	}

	// Leaving a room that no longer exists is a no-op.
	if r.leave("doc_1", "conn-b") {
		t.Fatal("leave() = true for a gone room")
	}
}

func TestLeaveAllCoversEveryRoom(t *testing.T) {
	r := newRooms()
	a := &fakeSub{id: "conn-a"}
	b := &fakeSub{id: "conn-b"}
	r.join("doc_1", a)
	r.join("doc_2", a)
	r.join("doc_2", b)

	left := r.leaveAll("conn-a")
	if len(left) != 2 {
		t.Fatalf("leaveAll left %v, want 2 rooms", left)
	}
	if r.isMember("doc_1", "conn-a") || r.isMember("doc_2", "conn-a") {
		t.Fatal("connection still a member after leaveAll")
	}
	if !r.isMember("doc_2", "conn-b") {
		t.Fatal("other member evicted by leaveAll")
	}
	if r.memberCount("doc_2") != 1 {
		t.Fatalf("doc_2 members = %d, want 1", r.memberCount("doc_2"))
	}
}

func TestConcurrentJoinLeave(t *testing.T) {
	r := newRooms()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			sub := &fakeSub{id: string(rune('a' + n))}
			r.join("doc_1", sub)
			r.broadcast("doc_1", sub.ConnID(), "presence", nil)
			r.leave("doc_1", sub.ConnID())
		}(i)
	}
	wg.Wait()
	if r.memberCount("doc_1") != 0 {
		t.Fatalf("members = %d after all left, want 0", r.memberCount("doc_1"))
	}
}
