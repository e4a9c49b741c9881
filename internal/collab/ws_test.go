package collab

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"drawbridge/api/internal/rbac"
	"drawbridge/api/internal/store"
)

type fakeVerifier struct {
	verifyFn func(token string) (string, string, error)
}

func (f *fakeVerifier) VerifyBearer(token string) (string, string, error) {
	return f.verifyFn(token)
}

func newTestGateway(t *testing.T, ms *memStore, level rbac.Level) *httptest.Server {
	t.Helper()
	svc := serviceWith(ms, level)
	gw := NewGateway(svc, &fakeVerifier{
		verifyFn: func(token string) (string, string, error) {
			if token != "good-token" {
				return "", "", errors.New("bad token")
			}
			return "usr_alice", "Alice", nil
		},
	}, zerolog.Nop())
	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)
	return srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

type testFrame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	Event   string          `json:"event"`
	OK      *bool           `json:"ok"`
	Payload json.RawMessage `json:"payload"`
	Error   *wsError        `json:"error"`
	Seq     *int64          `json:"seq"`
}

func readFrame(t *testing.T, conn *websocket.Conn) testFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame testFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

// readResponse skips pushed events until the response for id arrives.
func readResponse(t *testing.T, conn *websocket.Conn, id string) testFrame {
	t.Helper()
	for i := 0; i < 10; i++ {
		frame := readFrame(t, conn)
		if frame.Type == "res" && frame.ID == id {
			return frame
		}
	}
	t.Fatalf("no response for request %s", id)
	return testFrame{}
}

// readEvent skips responses until the named event arrives.
func readEvent(t *testing.T, conn *websocket.Conn, event string) testFrame {
	t.Helper()
	for i := 0; i < 10; i++ {
		frame := readFrame(t, conn)
		if frame.Type == "event" && frame.Event == event {
			return frame
		}
	}
	t.Fatalf("no %s event", event)
	return testFrame{}
}

func connectWS(t *testing.T, conn *websocket.Conn, params map[string]any) testFrame {
	t.Helper()
	writeFrame(t, conn, map[string]any{"type": "req", "id": "c1", "method": "connect", "params": params})
	return readResponse(t, conn, "c1")
}

func TestGatewayRequiresConnectFirst(t *testing.T) {
	srv := newTestGateway(t, newMemStore(), rbac.LevelEdit)
	conn := dialWS(t, srv)

	writeFrame(t, conn, map[string]any{"type": "req", "id": "r1", "method": "join", "params": map[string]any{"documentId": "doc_1"}})

	frame := readResponse(t, conn, "r1")
	if frame.OK == nil || *frame.OK {
		t.Fatal("pre-connect request did not fail")
	}
	if frame.Error == nil || frame.Error.Code != "UNAUTHORIZED" {
		t.Fatalf("error = %+v, want UNAUTHORIZED", frame.Error)
	}

	// The gateway closes the socket after the refusal.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("socket still open after refused handshake")
	}
}

func TestGatewayConnectRejectsBadToken(t *testing.T) {
	srv := newTestGateway(t, newMemStore(), rbac.LevelEdit)
	conn := dialWS(t, srv)

	frame := connectWS(t, conn, map[string]any{"token": "wrong"})
	if frame.OK == nil || *frame.OK {
		t.Fatal("connect with a bad token succeeded")
	}
	if frame.Error == nil || frame.Error.Code != "UNAUTHORIZED" {
		t.Fatalf("error = %+v, want UNAUTHORIZED", frame.Error)
	}
}

func TestGatewayJoinRoundTrip(t *testing.T) {
	srv := newTestGateway(t, newMemStore(), rbac.LevelEdit)
	conn := dialWS(t, srv)

	connected := connectWS(t, conn, map[string]any{"token": "good-token"})
	if connected.OK == nil || !*connected.OK {
		t.Fatalf("connect failed: %+v", connected.Error)
	}
	var hello struct {
		ActorID string `json:"actorId"`
		IsGuest bool   `json:"isGuest"`
	}
	if err := json.Unmarshal(connected.Payload, &hello); err != nil {
		t.Fatalf("decode connect payload: %v", err)
	}
	if hello.ActorID != "usr_alice" || hello.IsGuest {
		t.Fatalf("connect payload = %+v", hello)
	}

	writeFrame(t, conn, map[string]any{"type": "req", "id": "j1", "method": "join", "params": map[string]any{"documentId": "doc_1"}})
	joined := readResponse(t, conn, "j1")
	if joined.OK == nil || !*joined.OK {
		t.Fatalf("join failed: %+v", joined.Error)
	}
	var result struct {
		Snapshot   Snapshot `json:"snapshot"`
		Permission string   `json:"permission"`
	}
	if err := json.Unmarshal(joined.Payload, &result); err != nil {
		t.Fatalf("decode join payload: %v", err)
	}
	if result.Snapshot.Version != 5 {
		t.Fatalf("snapshot version = %d, want 5", result.Snapshot.Version)
	}
	if result.Permission != "edit" {
		t.Fatalf("permission = %q, want edit", result.Permission)
	}
}

func TestGatewayChangeFansOutAndConflicts(t *testing.T) {
	ms := newMemStore()
	srv := newTestGateway(t, ms, rbac.LevelEdit)

	join := func(conn *websocket.Conn, id string) {
		writeFrame(t, conn, map[string]any{"type": "req", "id": id, "method": "join", "params": map[string]any{"documentId": "doc_1"}})
		frame := readResponse(t, conn, id)
		if frame.OK == nil || !*frame.OK {
			t.Fatalf("join failed: %+v", frame.Error)
		}
	}

	alice := dialWS(t, srv)
	if frame := connectWS(t, alice, map[string]any{"token": "good-token"}); frame.OK == nil || !*frame.OK {
		t.Fatalf("alice connect failed: %+v", frame.Error)
	}
	join(alice, "j1")

	bob := dialWS(t, srv)
	if frame := connectWS(t, bob, map[string]any{"token": "good-token"}); frame.OK == nil || !*frame.OK {
		t.Fatalf("bob connect failed: %+v", frame.Error)
	}
	join(bob, "j2")
	readEvent(t, alice, "presence:joined")

	writeFrame(t, alice, map[string]any{
		"type": "req", "id": "ch1", "method": "change",
		"params": map[string]any{
			"documentId":  "doc_1",
			"baseVersion": 5,
			"ops":         map[string]any{"title": "Renamed"},
		},
	})
	applied := readResponse(t, alice, "ch1")
	if applied.OK == nil || !*applied.OK {
		t.Fatalf("change failed: %+v", applied.Error)
	}

	event := readEvent(t, bob, "change:applied")
	var change struct {
		Version int64 `json:"version"`
	}
	if err := json.Unmarshal(event.Payload, &change); err != nil {
		t.Fatalf("decode change event: %v", err)
	}
	if change.Version != 6 {
		t.Fatalf("broadcast version = %d, want 6", change.Version)
	}
	if event.Seq == nil || *event.Seq == 0 {
		t.Fatal("event carries no sequence number")
	}

	// Bob writes against the stale version and must see the conflict, both
	// as the response and as a change:error event.
	writeFrame(t, bob, map[string]any{
		"type": "req", "id": "ch2", "method": "change",
		"params": map[string]any{
			"documentId":  "doc_1",
			"baseVersion": 5,
			"ops":         map[string]any{"title": "Mine"},
		},
	})
	readEvent(t, bob, "change:error")
	conflicted := readResponse(t, bob, "ch2")
	if conflicted.OK == nil || *conflicted.OK {
		t.Fatal("stale change succeeded")
	}
	if conflicted.Error == nil || conflicted.Error.Code != "CONFLICT" {
		t.Fatalf("error = %+v, want CONFLICT", conflicted.Error)
	}
}

func TestGatewayGuestConnect(t *testing.T) {
	ms := newMemStore()
	ms.link = &store.ShareLink{
		ID:         "lnk_1",
		Slug:       "guestslug",
		Scope:      store.ScopeDocument,
		DocumentID: &ms.doc.ID,
		MinRole:    "reader",
		IsActive:   true,
	}
	srv := newTestGateway(t, ms, rbac.LevelRead)
	conn := dialWS(t, srv)

	frame := connectWS(t, conn, map[string]any{"slug": "guestslug"})
	if frame.OK == nil || !*frame.OK {
		t.Fatalf("guest connect failed: %+v", frame.Error)
	}
	var hello struct {
		ActorID string `json:"actorId"`
		IsGuest bool   `json:"isGuest"`
	}
	if err := json.Unmarshal(frame.Payload, &hello); err != nil {
		t.Fatalf("decode connect payload: %v", err)
	}
	if !hello.IsGuest {
		t.Fatal("guest connect did not mark the identity as guest")
	}
	if !strings.HasPrefix(hello.ActorID, "guest_guests") {
		t.Fatalf("guest actor id = %q", hello.ActorID)
	}

	writeFrame(t, conn, map[string]any{"type": "req", "id": "j1", "method": "join", "params": map[string]any{"documentId": "doc_1"}})
	joined := readResponse(t, conn, "j1")
	if joined.OK == nil || !*joined.OK {
		t.Fatalf("guest join failed: %+v", joined.Error)
	}
	if ms.spent != 1 {
		t.Fatalf("uses spent = %d, want 1", ms.spent)
	}
}

func TestGatewayPing(t *testing.T) {
	srv := newTestGateway(t, newMemStore(), rbac.LevelEdit)
	conn := dialWS(t, srv)
	if frame := connectWS(t, conn, map[string]any{"token": "good-token"}); frame.OK == nil || !*frame.OK {
		t.Fatalf("connect failed: %+v", frame.Error)
	}

	writeFrame(t, conn, map[string]any{"type": "req", "id": "p1", "method": "ping"})
	pong := readResponse(t, conn, "p1")
	if pong.OK == nil || !*pong.OK {
		t.Fatalf("ping failed: %+v", pong.Error)
	}
}
