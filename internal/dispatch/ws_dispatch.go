package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/25f3003058-afk/spllit-landing-sub001/internal/bus"
	"github.com/25f3003058-afk/spllit-landing-sub001/internal/observability"
)

const (
	defaultWriteWait    = 10 * time.Second
	defaultPongWait     = 60 * time.Second
	defaultPingInterval = 30 * time.Second
)

// WSSession is one connected client streaming a single bus topic.
type WSSession struct {
	UserID string
	Topic  string

	conn      *websocket.Conn
	mu        sync.Mutex
	writeWait time.Duration
}

func (s *WSSession) Send(ev bus.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeWait))
	return s.conn.WriteJSON(ev)
}

func (s *WSSession) ping() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeWait))
}

func (s *WSSession) close(code int, text string) {
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
	_ = s.conn.Close()
}

// WSRegistry holds the live sessions and pumps bus events into them.
type WSRegistry struct {
	Bus          *bus.Bus
	Logger       *slog.Logger
	WriteWait    time.Duration
	PongWait     time.Duration
	PingInterval time.Duration

	mu       sync.Mutex
	sessions map[*WSSession]struct{}
}

func NewWSRegistry(b *bus.Bus, logger *slog.Logger) *WSRegistry {
	return &WSRegistry{
		Bus:          b,
		Logger:       logger,
		WriteWait:    defaultWriteWait,
		PongWait:     defaultPongWait,
		PingInterval: defaultPingInterval,
		sessions:     make(map[*WSSession]struct{}),
	}
}

func (r *WSRegistry) add(s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s] = struct{}{}
	observability.WSSessions.Inc()
}

func (r *WSRegistry) remove(s *WSSession) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[s]; ok {
		delete(r.sessions, s)
		observability.WSSessions.Dec()
	}
}

func (r *WSRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Serve subscribes conn to topic and forwards events until the client goes
// away, a write fails, or ctx is done. It owns conn and closes it on return.
func (r *WSRegistry) Serve(ctx context.Context, conn *websocket.Conn, userID, topic string) {
	s := &WSSession{UserID: userID, Topic: topic, conn: conn, writeWait: r.WriteWait}
	sub := r.Bus.Subscribe(topic)
	r.add(s)
	defer func() {
		sub.Cancel()
		r.remove(s)
		_ = conn.Close()
		r.Logger.Info("ws_disconnected", "user_id", userID, "topic", topic)
	}()
	r.Logger.Info("ws_connected", "user_id", userID, "topic", topic)

	// Clients only listen; the read loop exists to process control frames.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		_ = conn.SetReadDeadline(time.Now().Add(r.PongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(r.PongWait))
		})
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(r.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.close(websocket.CloseGoingAway, "server shutting down")
			return
		case <-gone:
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := s.Send(ev); err != nil {
				r.Logger.Warn("ws_send_failed", "user_id", userID, "topic", topic, "error", err)
				return
			}
		case <-ticker.C:
			if err := s.ping(); err != nil {
				r.Logger.Debug("ws_ping_failed", "user_id", userID, "error", err)
				return
			}
		}
	}
}

// CloseAll sends a going-away frame to every session. Each Serve call then
// returns and cleans up its subscription.
func (r *WSRegistry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*WSSession, 0, len(r.sessions))
	for s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()
	for _, s := range sessions {
		s.close(websocket.CloseGoingAway, "server shutting down")
	}
}
