package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nadzzz/speechbridge/internal/callback"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 50 * time.Second
	sendBuffer   = 64
)

// hub fans callback events out to websocket subscribers.
type hub struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*subscriber]struct{}
}

type subscriber struct {
	conn   *websocket.Conn
	source callback.Source // empty means every source
	send   chan []byte
	once   sync.Once
}

func (s *subscriber) close() {
	s.once.Do(func() { close(s.send) })
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*subscriber]struct{}),
	}
}

// Publish implements callback.Publisher. A subscriber that cannot keep up is
// disconnected rather than stalling delivery to everyone else.
func (h *hub) Publish(_ context.Context, ev callback.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshalling event: %w", err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.clients {
		if s.source != "" && s.source != ev.Source {
			continue
		}
		select {
		case s.send <- data:
		default:
			h.logger.Warn("dropping slow websocket subscriber", "remote", s.conn.RemoteAddr().String())
			delete(h.clients, s)
			s.close()
		}
	}
	return nil
}

// count returns the number of connected subscribers.
func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// serve upgrades the request and streams events until the peer goes away.
func (h *hub) serve(w http.ResponseWriter, r *http.Request) {
	source := callback.Source(r.URL.Query().Get("source"))
	if source != "" && source != callback.SourceSTT && source != callback.SourceTTS {
		http.Error(w, "source must be \"stt\" or \"tts\"", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	s := &subscriber{conn: conn, source: source, send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.clients[s] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("websocket subscriber connected", "remote", conn.RemoteAddr().String(), "source", source)

	go h.write(s)
	h.read(s)

	h.mu.Lock()
	if _, ok := h.clients[s]; ok {
		delete(h.clients, s)
		s.close()
	}
	h.mu.Unlock()
	h.logger.Info("websocket subscriber disconnected", "remote", conn.RemoteAddr().String())
}

// read discards inbound frames; it exists to process control frames and
// notice the peer closing.
func (h *hub) read(s *subscriber) {
	s.conn.SetReadLimit(512)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

func (h *hub) write(s *subscriber) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeAll disconnects every subscriber.
func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.clients {
		delete(h.clients, s)
		s.close()
	}
}
