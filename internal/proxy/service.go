package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/voxd-labs/voxd/internal/bus"
	"github.com/voxd-labs/voxd/internal/config"
	"github.com/voxd-labs/voxd/internal/eventstore"
	"github.com/voxd-labs/voxd/internal/protocol"
)

// Service binds the proxy to the bus: it subscribes to the session command
// subjects and publishes relayed events, keeping the caller domain and the
// socket-owning domain in separate processes if desired.
type Service struct {
	cfg    config.ProviderConfig
	bus    *bus.Client
	store  *eventstore.Store
	logger *slog.Logger

	proxy  *Proxy
	subs   []*nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(parent context.Context, cfg config.ProviderConfig, busClient *bus.Client, store *eventstore.Store, dialer Dialer, logger *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	s := &Service{
		cfg:    cfg,
		bus:    busClient,
		store:  store,
		logger: logger.With(slog.String("component", "proxy-service")),
		ctx:    ctx,
		cancel: cancel,
	}
	s.proxy = New(cfg, dialer, s.publishEvent, logger)
	return s
}

func (s *Service) Start() error {
	conn := s.bus.Conn()

	startSub, err := conn.Subscribe(protocol.SubjectSessionStart, s.handleStart)
	if err != nil {
		return fmt.Errorf("subscribe session start: %w", err)
	}
	s.subs = append(s.subs, startSub)

	audioSub, err := conn.Subscribe(protocol.SubjectSessionAudio, s.handleAudio)
	if err != nil {
		return fmt.Errorf("subscribe session audio: %w", err)
	}
	s.subs = append(s.subs, audioSub)

	commitSub, err := conn.Subscribe(protocol.SubjectSessionCommit, s.handleCommit)
	if err != nil {
		return fmt.Errorf("subscribe session commit: %w", err)
	}
	s.subs = append(s.subs, commitSub)

	stopSub, err := conn.Subscribe(protocol.SubjectSessionStop, s.handleStop)
	if err != nil {
		return fmt.Errorf("subscribe session stop: %w", err)
	}
	s.subs = append(s.subs, stopSub)

	return nil
}

func (s *Service) Close() {
	s.cancel()
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.proxy.Close()
	s.wg.Wait()
}

func (s *Service) handleStart(msg *nats.Msg) {
	var req protocol.StartSession
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode start command", slog.String("error", err.Error()))
		return
	}

	// Start blocks until the provider confirms readiness; run it off the
	// subscription goroutine so audio commands are not starved.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		reply := protocol.StartSessionReply{}
		id, err := s.proxy.Start(s.ctx, req)
		if err != nil {
			reply.Error = err.Error()
		} else {
			reply.SessionID = id
			s.recordSession(id)
		}
		data, merr := json.Marshal(reply)
		if merr != nil {
			s.logger.Warn("failed to marshal start reply", slog.String("error", merr.Error()))
			return
		}
		if err := msg.Respond(data); err != nil {
			s.logger.Warn("failed to reply to start command", slog.String("error", err.Error()))
		}
	}()
}

func (s *Service) handleAudio(msg *nats.Msg) {
	var chunk protocol.AudioChunk
	if err := json.Unmarshal(msg.Data, &chunk); err != nil {
		s.logger.Warn("failed to decode audio command", slog.String("error", err.Error()))
		return
	}
	s.proxy.SendAudio(chunk.SessionID, chunk.Audio)
}

func (s *Service) handleCommit(msg *nats.Msg) {
	var cmd protocol.CommitSession
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.logger.Warn("failed to decode commit command", slog.String("error", err.Error()))
		return
	}
	s.proxy.Commit(cmd.SessionID)
}

func (s *Service) handleStop(msg *nats.Msg) {
	var cmd protocol.StopSession
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		s.logger.Warn("failed to decode stop command", slog.String("error", err.Error()))
		return
	}
	s.proxy.Stop(cmd.SessionID)
}

func (s *Service) publishEvent(evt protocol.SessionEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		s.logger.Warn("failed to marshal session event", slog.String("error", err.Error()))
		return
	}
	subject := protocol.SubjectSessionEvents + "." + string(evt.Type)
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish session event",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
	s.recordEvent(evt, data)
}

func (s *Service) recordSession(id int64) {
	if s.store == nil {
		return
	}
	if err := s.store.AppendSession(s.ctx, sessionKey(id)); err != nil {
		s.logger.Warn("failed to record session", slog.String("error", err.Error()))
	}
}

// recordEvent keeps the dictation timeline. Best effort: losing a history
// row never interferes with a live session.
func (s *Service) recordEvent(evt protocol.SessionEvent, payload []byte) {
	if s.store == nil {
		return
	}
	if err := s.store.AppendSession(s.ctx, sessionKey(evt.SessionID)); err != nil {
		s.logger.Warn("failed to record session", slog.String("error", err.Error()))
		return
	}
	err := s.store.AppendEvent(s.ctx, eventstore.Event{
		SessionID: sessionKey(evt.SessionID),
		TraceID:   uuid.NewString(),
		Type:      string(evt.Type),
		Payload:   payload,
		CreatedAt: evt.Timestamp,
	})
	if err != nil {
		s.logger.Warn("failed to record session event", slog.String("error", err.Error()))
	}
}

func sessionKey(id int64) string {
	return "session-" + strconv.FormatInt(id, 10)
}
