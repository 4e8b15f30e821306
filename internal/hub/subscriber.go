package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// wsConn is the subset of *websocket.Conn the Hub depends on,
// narrowed so Subscriber can be exercised against a fake in tests
// without a real network connection.
type wsConn interface {
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
}

// Subscriber is one live push connection. Its outbound queue is
// bounded; a full queue drops the message rather than blocking the
// Hub's broadcast.
type Subscriber struct {
	id   string
	conn wsConn
	send chan []byte

	drops     atomic.Int32
	failures  atomic.Int32
}

func newSubscriber(conn wsConn, queueSize int) *Subscriber {
	return &Subscriber{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, queueSize),
	}
}

// ID returns the subscriber's identifier.
func (s *Subscriber) ID() string { return s.id }

func (s *Subscriber) enqueue(data []byte) bool {
	select {
	case s.send <- data:
		s.drops.Store(0)
		return true
	default:
		s.drops.Add(1)
		return false
	}
}

func (s *Subscriber) consecutiveDrops() int32 {
	return s.drops.Load()
}

// Close closes the underlying transport immediately.
func (s *Subscriber) Close() {
	s.conn.CloseNow()
}

// Run drives the subscriber's write pump (draining send) and read
// pump (answering ping with pong) until ctx is cancelled or the
// connection errors. It blocks until both pumps exit.
func (s *Subscriber) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.readPump(ctx, cancel)
	}()

	s.writePump(ctx)
	<-done
}

func (s *Subscriber) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
				if s.failures.Add(1) >= maxSendFailures {
					slog.Warn("hub: subscriber exceeded send failure threshold", "subscriber_id", s.id)
					s.conn.CloseNow()
					return
				}
			}
		}
	}
}

func (s *Subscriber) readPump(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			return
		}
		var msg struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(data, &msg) != nil {
			continue
		}
		if msg.Type == "ping" {
			pong, _ := json.Marshal(envelope{Type: "pong"})
			s.enqueue(pong)
		}
	}
}
