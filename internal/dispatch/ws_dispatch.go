package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/accessride/internal/models"
)

var ErrNoSession = errors.New("dispatch: no websocket session")

const (
	MessageOffer    = "offer"
	MessageWithdraw = "offer_withdrawn"
)

// Message is what drivers receive over their websocket.
type Message struct {
	Type  string       `json:"type"`
	Offer models.Offer `json:"offer"`
}

// WSSession is one connected driver app.
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(ctx context.Context, m Message) error {
	return s.WriteJSON(ctx, m)
}

// WriteJSON serializes writes on the connection.
func (s *WSSession) WriteJSON(ctx context.Context, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = s.conn.SetWriteDeadline(deadline)
	return s.conn.WriteJSON(v)
}

// WSRegistry holds driver sessions and is a NotificationSink.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

// Add registers conn for driverID, replacing any previous session.
func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) *WSSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.sessions[driverID]; ok && old.conn != conn {
		_ = old.conn.Close()
	}
	s := &WSSession{conn: conn}
	r.sessions[driverID] = s
	return s
}

// Remove drops the session only if it is still conn.
func (r *WSRegistry) Remove(driverID string, conn *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[driverID]; ok && s.conn == conn {
		delete(r.sessions, driverID)
	}
}

func (r *WSRegistry) Connected(driverID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[driverID]
	return ok
}

func (r *WSRegistry) SendOffer(ctx context.Context, driverID string, offer models.Offer) error {
	return r.send(ctx, driverID, Message{Type: MessageOffer, Offer: offer})
}

func (r *WSRegistry) WithdrawOffer(ctx context.Context, driverID string, offer models.Offer) error {
	return r.send(ctx, driverID, Message{Type: MessageWithdraw, Offer: offer})
}

func (r *WSRegistry) send(ctx context.Context, driverID string, m Message) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	return s.Send(ctx, m)
}
