package wsgateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/orchestratord/internal/session"
)

func newTestServer(t *testing.T) (*httptest.Server, *Gateway, *session.Backend) {
	t.Helper()
	backend := session.NewBackend(nil)
	gw := New(backend, nil)

	r := chi.NewRouter()
	r.Get("/ws/sessions/{name}", gw.ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, gw, backend
}

func dial(t *testing.T, srv *httptest.Server, name string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/" + name
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial() error = %v", err)
	}
	return ws
}

func TestServeHTTP_UnknownSessionReturns404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/sessions/does-not-exist"
	_, _, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatalf("Dial() succeeded against a nonexistent session, want error")
	}
}

func TestServeHTTP_StreamsSessionOutput(t *testing.T) {
	srv, _, backend := newTestServer(t)
	if _, err := backend.CreateSession("sess-1", session.Options{Shell: "/bin/sh"}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	ws := dial(t, srv, "sess-1")
	defer ws.Close(websocket.StatusNormalClosure, "")

	pty, err := backend.GetSession("sess-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if _, err := pty.Write([]byte("echo hello-ws\n")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	var seen strings.Builder
	for !strings.Contains(seen.String(), "hello-ws") {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("Read() error = %v (collected so far: %q)", err, seen.String())
		}
		if typ == websocket.MessageBinary {
			seen.Write(data)
		}
	}
}

func TestSendToConversation_DeliversToAttachedConnection(t *testing.T) {
	srv, gw, backend := newTestServer(t)
	if _, err := backend.CreateSession("sess-2", session.Options{Shell: "/bin/sh"}); err != nil {
		t.Fatalf("CreateSession() error = %v", err)
	}

	ws := dial(t, srv, "sess-2")
	defer ws.Close(websocket.StatusNormalClosure, "")

	// Give the server goroutine time to register the connection.
	deadline := time.Now().Add(time.Second)
	for {
		if err := gw.SendToConversation("sess-2", "queued response"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("SendToConversation() never found the attached connection")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for {
		typ, data, err := ws.Read(ctx)
		if err != nil {
			t.Fatalf("Read() error = %v", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		var msg map[string]string
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if msg["type"] == "response" {
			if msg["content"] != "queued response" {
				t.Errorf("content = %q, want %q", msg["content"], "queued response")
			}
			return
		}
	}
}

func TestSendToConversation_NoAttachedConnectionReturnsError(t *testing.T) {
	_, gw, _ := newTestServer(t)
	if err := gw.SendToConversation("nobody-here", "x"); err == nil {
		t.Errorf("SendToConversation() succeeded with no attached connection, want error")
	}
}
