package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/voxd-labs/voxd/internal/protocol"
)

// BusTransport carries session commands over NATS and fans the proxy's
// event stream into a channel, preserving per-session ordering.
type BusTransport struct {
	conn   *nats.Conn
	sub    *nats.Subscription
	events chan protocol.SessionEvent
	logger *slog.Logger

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewBusTransport(conn *nats.Conn, logger *slog.Logger) (*BusTransport, error) {
	t := &BusTransport{
		conn:   conn,
		events: make(chan protocol.SessionEvent, 256),
		logger: logger.With(slog.String("component", "session-transport")),
	}

	sub, err := conn.Subscribe(protocol.SubjectSessionEvents+".>", t.handleEvent)
	if err != nil {
		return nil, fmt.Errorf("subscribe to session events: %w", err)
	}
	t.sub = sub
	return t, nil
}

func (t *BusTransport) StartSession(ctx context.Context, req protocol.StartSession) (int64, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("encode start request: %w", err)
	}

	msg, err := t.conn.RequestWithContext(ctx, protocol.SubjectSessionStart, data)
	if err != nil {
		return 0, fmt.Errorf("request session start: %w", err)
	}

	var reply protocol.StartSessionReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return 0, fmt.Errorf("decode start reply: %w", err)
	}
	if reply.Error != "" {
		return 0, errors.New(reply.Error)
	}
	return reply.SessionID, nil
}

func (t *BusTransport) SendAudio(sessionID int64, audio string) error {
	return t.publish(protocol.SubjectSessionAudio, protocol.AudioChunk{SessionID: sessionID, Audio: audio})
}

func (t *BusTransport) StopSession(sessionID int64) error {
	return t.publish(protocol.SubjectSessionStop, protocol.StopSession{SessionID: sessionID})
}

func (t *BusTransport) Events() <-chan protocol.SessionEvent {
	return t.events
}

func (t *BusTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		if t.sub != nil {
			err = t.sub.Unsubscribe()
		}
		t.mu.Lock()
		t.closed = true
		close(t.events)
		t.mu.Unlock()
	})
	return err
}

func (t *BusTransport) publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	if err := t.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// handleEvent runs on the subscription's delivery goroutine, so a plain
// channel send keeps events in publish order.
func (t *BusTransport) handleEvent(msg *nats.Msg) {
	var evt protocol.SessionEvent
	if err := json.Unmarshal(msg.Data, &evt); err != nil {
		t.logger.Warn("drop malformed session event", slog.String("error", err.Error()))
		return
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return
	}
	select {
	case t.events <- evt:
	default:
		t.logger.Warn("session event buffer full, dropping",
			slog.String("type", string(evt.Type)),
			slog.Int64("session_id", evt.SessionID))
	}
}
