// Package wsgateway is the thin WebSocket adapter that streams a session's
// PTY output to a browser and forwards browser input back into the PTY
// (spec.md §6 "Output stream contract"). It also implements
// coordinator.WebSocketRouter, letting C13 push a queue-routed response
// back out over the same connection a web_chat message arrived on.
//
// Grounded on internal/terminal/websocket.go's wsWriter/ServeHTTP shape,
// generalized from "attach to one Docker exec stream" to "subscribe to
// one session's output broadcaster."
package wsgateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/orchestratord/internal/errs"
	"github.com/ashureev/orchestratord/internal/session"
)

// sendQueueSize bounds the number of queue-routed responses buffered for
// a single connection before the oldest is dropped, mirroring the
// session broadcaster's drop-oldest backpressure.
const sendQueueSize = 16

// inMessage is the JSON envelope a browser sends over the socket.
type inMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Cols    int    `json:"cols,omitempty"`
	Rows    int    `json:"rows,omitempty"`
}

// wsWriter adapts websocket.Conn to io.Writer for PTY output. Uses
// context.Background() for the write itself since the websocket library
// tracks its own connection state; ctx only guards against writing after
// the handler has already torn the connection down.
type wsWriter struct {
	conn *websocket.Conn
	ctx  context.Context
}

func (w *wsWriter) Write(p []byte) (int, error) {
	if w.ctx.Err() != nil {
		return 0, w.ctx.Err()
	}
	if err := w.conn.Write(context.Background(), websocket.MessageBinary, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// conn is one registered browser connection for a given session name.
type conn struct {
	ws   *websocket.Conn
	send chan string
}

// Gateway registers browser WebSocket connections against session names
// and routes queue responses back to whichever connection is attached to
// a given conversation (conversation id == session name for web_chat).
type Gateway struct {
	backend *session.Backend
	logger  *slog.Logger

	mu    sync.Mutex
	conns map[string][]*conn
}

// New creates a Gateway over backend, the process's session registry.
func New(backend *session.Backend, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		backend: backend,
		logger:  logger,
		conns:   make(map[string][]*conn),
	}
}

// SendToConversation implements coordinator.WebSocketRouter, delivering
// text to every connection currently attached to conversationID. Returns
// NotFound if nothing is attached, matching the restart-case expectation
// that the coordinator falls back to the external-chat path only for
// external_chat messages, not web_chat ones; web_chat responses with no
// listener are simply dropped by the caller's warning log.
func (g *Gateway) SendToConversation(conversationID, text string) error {
	g.mu.Lock()
	cs := append([]*conn(nil), g.conns[conversationID]...)
	g.mu.Unlock()

	if len(cs) == 0 {
		return errs.NotFound("no websocket connection attached to conversation " + conversationID)
	}
	for _, c := range cs {
		select {
		case c.send <- text:
		default:
			select {
			case <-c.send:
			default:
			}
			select {
			case c.send <- text:
			default:
				g.logger.Warn("dropping queue response for slow websocket connection", "conversation_id", conversationID)
			}
		}
	}
	return nil
}

func (g *Gateway) register(name string, c *conn) {
	g.mu.Lock()
	g.conns[name] = append(g.conns[name], c)
	g.mu.Unlock()
}

func (g *Gateway) unregister(name string, c *conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cs := g.conns[name]
	for i, existing := range cs {
		if existing == c {
			g.conns[name] = append(cs[:i], cs[i+1:]...)
			break
		}
	}
	if len(g.conns[name]) == 0 {
		delete(g.conns, name)
	}
}

// ServeHTTP upgrades the request and streams session `{name}`'s PTY
// output to the browser, accepting "data"/"resize"/"ping" input messages
// and forwarding completed-queue-item responses pushed via
// SendToConversation.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	pty, err := g.backend.GetSession(name)
	if err != nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		g.logger.Error("failed to accept websocket", "session", name, "error", err)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			g.logger.Debug("failed to close websocket", "session", name, "error", closeErr)
		}
	}()

	c := &conn{ws: ws, send: make(chan string, sendQueueSize)}
	g.register(name, c)
	defer g.unregister(name, c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	unregisterData, err := pty.OnData(func(chunk []byte) {
		writer := &wsWriter{conn: ws, ctx: ctx}
		if _, err := writer.Write(chunk); err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Debug("websocket output write failed", "session", name, "error", err)
		}
	})
	if err != nil {
		g.logger.Warn("failed to attach output listener", "session", name, "error", err)
		return
	}
	defer unregisterData()

	unregisterExit, err := pty.OnExit(func(int) { cancel() })
	if err == nil {
		defer unregisterExit()
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		g.inputLoop(ctx, ws, pty, name)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		g.responseLoop(ctx, ws, c)
	}()
	wg.Wait()
}

func (g *Gateway) inputLoop(ctx context.Context, ws *websocket.Conn, pty *session.PTY, name string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				g.logger.Debug("websocket read error", "session", name, "error", err)
			}
			return
		}

		var msg inMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			if _, err := pty.Write(data); err != nil {
				g.logger.Warn("pty write failed", "session", name, "error", err)
				return
			}
			continue
		}

		switch msg.Type {
		case "data":
			if _, err := pty.Write([]byte(msg.Content)); err != nil {
				g.logger.Warn("pty write failed", "session", name, "error", err)
				return
			}
		case "resize":
			if err := pty.Resize(msg.Cols, msg.Rows); err != nil {
				g.logger.Warn("pty resize failed", "session", name, "error", err)
			}
		case "ping":
			if err := writeJSON(ws, map[string]string{"type": "pong"}); err != nil {
				g.logger.Debug("failed to send pong", "session", name, "error", err)
			}
		}
	}
}

func (g *Gateway) responseLoop(ctx context.Context, ws *websocket.Conn, c *conn) {
	for {
		select {
		case text := <-c.send:
			if err := writeJSON(ws, map[string]string{"type": "response", "content": text}); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeJSON(ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}

var _ io.Writer = (*wsWriter)(nil)
