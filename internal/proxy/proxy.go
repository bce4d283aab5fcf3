// Package proxy owns the single authenticated socket to the ASR provider.
// It translates the four caller commands (start, send audio, commit, stop)
// into the provider's message protocol and relays provider messages back
// as session events, every one tagged with the session id it belongs to.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/voxd-labs/voxd/internal/config"
	"github.com/voxd-labs/voxd/internal/protocol"
)

// errSuperseded reports a start that lost the race to a later start.
// The later session is the current one; this attempt has no usable id.
var errSuperseded = errors.New("session superseded by a newer start")

type sessionState int

const (
	stateConnecting sessionState = iota
	stateOpen
	stateCommitting
	stateClosed
)

// session is one socket to the provider. At most one session is current
// at any instant; a superseded session keeps draining its socket but is
// marked quiet so its teardown never looks like a failure.
type session struct {
	id   int64
	conn Conn

	mu            sync.Mutex
	state         sessionState
	quiet         bool
	closedByProxy bool
	readyOnce     sync.Once
	ready         chan struct{}
	flushedOnce   sync.Once
	flushed       chan struct{}
}

func (s *session) setState(st sessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *session) getState() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *session) markQuiet() {
	s.mu.Lock()
	s.quiet = true
	s.mu.Unlock()
}

// supersede marks the session quiet and detaches whatever socket it has
// attached so far. The caller closes the returned conn. A session
// superseded while its dial is still in flight returns nil; attachConn
// then refuses the late socket.
func (s *session) supersede() Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quiet = true
	return s.conn
}

// attachConn publishes a freshly dialed socket. It reports false when
// the session was superseded while the dial was in flight; the caller
// must close the socket itself in that case.
func (s *session) attachConn(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quiet {
		return false
	}
	s.conn = conn
	return true
}

func (s *session) markFlushed() {
	s.flushedOnce.Do(func() { close(s.flushed) })
}

func (s *session) isQuiet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quiet
}

func (s *session) markClosedByProxy() {
	s.mu.Lock()
	s.closedByProxy = true
	s.mu.Unlock()
}

func (s *session) wasClosedByProxy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedByProxy
}

// Sink receives every relayed session event, in the order the provider
// sent the underlying messages.
type Sink func(protocol.SessionEvent)

// Proxy is the session proxy. The socket handle and the session id counter
// are exclusively owned here and never exposed to callers.
type Proxy struct {
	cfg    config.ProviderConfig
	dialer Dialer
	sink   Sink
	logger *slog.Logger

	mu      sync.Mutex
	current *session
	lastID  int64
	wg      sync.WaitGroup

	sessionsStarted metric.Int64Counter
	chunksRelayed   metric.Int64Counter
	providerErrors  metric.Int64Counter
}

func New(cfg config.ProviderConfig, dialer Dialer, sink Sink, logger *slog.Logger) *Proxy {
	p := &Proxy{
		cfg:    cfg,
		dialer: dialer,
		sink:   sink,
		logger: logger.With(slog.String("component", "session-proxy")),
	}
	p.initMetrics()
	return p
}

func (p *Proxy) initMetrics() {
	meter := otel.Meter("github.com/voxd-labs/voxd/proxy")
	var err error
	if p.sessionsStarted, err = meter.Int64Counter("voxd.sessions.started"); err != nil {
		p.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		return
	}
	if p.chunksRelayed, err = meter.Int64Counter("voxd.audio.chunks_relayed"); err != nil {
		p.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
		return
	}
	if p.providerErrors, err = meter.Int64Counter("voxd.provider.errors"); err != nil {
		p.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
}

// Start issues a fresh session id, silently tears down any still-open
// previous session, opens a new authenticated socket and sends the session
// configuration. It returns once the provider confirms the session is
// ready, or fails after the configured connect timeout.
func (p *Proxy) Start(ctx context.Context, req protocol.StartSession) (int64, error) {
	p.mu.Lock()
	if prev := p.current; prev != nil {
		// Supersession is routine: no close event, no error.
		if conn := prev.supersede(); conn != nil {
			conn.Close()
		}
		p.current = nil
	}
	p.lastID++
	sess := &session{
		id:      p.lastID,
		state:   stateConnecting,
		ready:   make(chan struct{}),
		flushed: make(chan struct{}),
	}
	p.current = sess
	p.mu.Unlock()

	timeout := time.Duration(p.cfg.ConnectTimeout) * time.Millisecond
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	apiKey := req.APIKey
	if apiKey == "" {
		apiKey = p.cfg.APIKey
	}
	region := req.Region
	if region == "" {
		region = p.cfg.Region
	}
	language := req.Language
	if language == "" {
		language = p.cfg.Language
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+apiKey)
	header.Set("X-ASR-Region", region)

	conn, err := p.dialer.Dial(dialCtx, p.cfg.Endpoint, header)
	if err != nil {
		p.dropIfCurrent(sess)
		return 0, fmt.Errorf("dial provider: %w", err)
	}
	if !sess.attachConn(conn) {
		// A later start superseded this session while the dial was in
		// flight. The extra socket must not survive it.
		conn.Close()
		p.dropIfCurrent(sess)
		return 0, errSuperseded
	}

	update := sessionUpdateMessage{
		Type: msgSessionUpdate,
		Session: sessionConfig{
			Modality:         "transcription",
			InputAudioFormat: "pcm",
			SampleRate:       16000,
			Language:         language,
			TurnDetection: turnDetection{
				Type:              "server_vad",
				Threshold:         p.cfg.VADThreshold,
				PrefixPaddingMS:   p.cfg.VADPrefixPadding,
				SilenceDurationMS: p.cfg.VADSilence,
			},
		},
	}
	if err := conn.WriteJSON(update); err != nil {
		conn.Close()
		p.dropIfCurrent(sess)
		return 0, fmt.Errorf("send session config: %w", err)
	}

	p.wg.Add(1)
	go p.readLoop(sess)

	select {
	case <-sess.ready:
	case <-dialCtx.Done():
		sess.markQuiet()
		conn.Close()
		p.dropIfCurrent(sess)
		return 0, errors.New("provider did not confirm session within connect timeout")
	}

	// The handshake can race a later start; a superseded session must
	// not be reported as a usable id.
	if sess.isQuiet() {
		return 0, errSuperseded
	}

	if p.sessionsStarted != nil {
		p.sessionsStarted.Add(ctx, 1)
	}
	p.logger.Info("session started",
		slog.Int64("session_id", sess.id),
		slog.String("language", language))
	return sess.id, nil
}

// SendAudio appends one base64 chunk to the provider's input buffer.
// Fire-and-forget: a failed or stale chunk is logged and dropped, never
// surfaced, because losing one chunk must not abort the session.
func (p *Proxy) SendAudio(sessionID int64, audio string) {
	sess := p.sessionFor(sessionID)
	if sess == nil {
		return
	}
	if st := sess.getState(); st != stateOpen && st != stateCommitting {
		return
	}
	msg := audioAppendMessage{Type: msgAudioAppend, Audio: audio}
	if err := sess.conn.WriteJSON(msg); err != nil {
		p.logger.Warn("failed to append audio chunk",
			slog.Int64("session_id", sessionID),
			slog.String("error", err.Error()))
		return
	}
	if p.chunksRelayed != nil {
		p.chunksRelayed.Add(context.Background(), 1)
	}
}

// Commit signals end of the current speech input, prompting the provider
// to emit a final transcript for the segment in flight.
func (p *Proxy) Commit(sessionID int64) {
	sess := p.sessionFor(sessionID)
	if sess == nil {
		return
	}
	if err := sess.conn.WriteJSON(audioCommitMessage{Type: msgAudioCommit}); err != nil {
		p.logger.Warn("failed to send commit",
			slog.Int64("session_id", sessionID),
			slog.String("error", err.Error()))
	}
}

// Stop commits the session and closes the socket once the provider has
// flushed the final segment, waiting at most the close grace. A stop for
// a session that has already been superseded is a no-op: the
// supersession closed the stale socket quietly.
func (p *Proxy) Stop(sessionID int64) {
	sess := p.sessionFor(sessionID)
	if sess == nil {
		return
	}
	sess.setState(stateCommitting)
	if err := sess.conn.WriteJSON(audioCommitMessage{Type: msgAudioCommit}); err != nil {
		p.logger.Warn("failed to send commit on stop",
			slog.Int64("session_id", sessionID),
			slog.String("error", err.Error()))
	}

	grace := time.NewTimer(time.Duration(p.cfg.CloseGrace) * time.Millisecond)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer grace.Stop()

		// Close as soon as the provider has flushed the final
		// transcript; the grace timer only bounds a provider that
		// never does.
		select {
		case <-sess.flushed:
		case <-grace.C:
		}

		p.mu.Lock()
		stillCurrent := p.current == sess
		if stillCurrent {
			p.current = nil
		}
		p.mu.Unlock()

		if stillCurrent {
			sess.markClosedByProxy()
			sess.conn.Close()
		}
	}()
}

// Close tears down the current session quietly and waits for loops to
// settle. Used on daemon shutdown.
func (p *Proxy) Close() {
	p.mu.Lock()
	if sess := p.current; sess != nil {
		if conn := sess.supersede(); conn != nil {
			conn.Close()
		}
		p.current = nil
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Proxy) sessionFor(id int64) *session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil || p.current.id != id || p.current.conn == nil {
		return nil
	}
	return p.current
}

func (p *Proxy) dropIfCurrent(sess *session) {
	p.mu.Lock()
	if p.current == sess {
		p.current = nil
	}
	p.mu.Unlock()
}

// readLoop drains one session's socket and relays provider messages as
// tagged events. It is the only reader of the socket, so events for a
// given session id reach the sink in provider order.
func (p *Proxy) readLoop(sess *session) {
	defer p.wg.Done()

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			p.finishSession(sess, err)
			return
		}
		msg, perr := parseServerMessage(data)
		if perr != nil {
			p.logger.Warn("unparseable provider message",
				slog.Int64("session_id", sess.id),
				slog.String("error", perr.Error()))
			continue
		}

		switch msg.Type {
		case evtSessionCreated:
			p.emit(sess.id, protocol.SessionEvent{Type: protocol.EventConnected})
		case evtSessionUpdated:
			sess.setState(stateOpen)
			sess.readyOnce.Do(func() { close(sess.ready) })
			p.emit(sess.id, protocol.SessionEvent{Type: protocol.EventReady})
		case evtTranscriptInterim:
			p.emit(sess.id, protocol.SessionEvent{Type: protocol.EventInterim, Text: msg.Stash})
		case evtTranscriptDone:
			if sess.getState() == stateCommitting {
				p.emit(sess.id, protocol.SessionEvent{Type: protocol.EventFinal, Text: msg.Text})
				sess.markFlushed()
			} else {
				p.emit(sess.id, protocol.SessionEvent{Type: protocol.EventSegment, Text: msg.Text})
			}
		case evtProviderError:
			message := "provider error"
			if msg.Error != nil {
				message = msg.Error.Message
			}
			if p.providerErrors != nil {
				p.providerErrors.Add(context.Background(), 1)
			}
			p.emit(sess.id, protocol.SessionEvent{Type: protocol.EventError, Message: message})
		default:
			// Unknown provider messages are tolerated for forward
			// compatibility.
		}
	}
}

// finishSession translates socket teardown into events. Superseded
// sessions finish silently; a proxy-initiated close after stop is a
// routine closure; everything else is fatal to that session only.
func (p *Proxy) finishSession(sess *session, readErr error) {
	sess.setState(stateClosed)
	p.dropIfCurrent(sess)

	if sess.isQuiet() {
		return
	}

	if sess.wasClosedByProxy() || websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		p.emit(sess.id, protocol.SessionEvent{
			Type: protocol.EventClosed,
			Code: websocket.CloseNormalClosure,
		})
		return
	}

	p.emit(sess.id, protocol.SessionEvent{Type: protocol.EventError, Message: readErr.Error()})
	p.emit(sess.id, protocol.SessionEvent{
		Type:    protocol.EventClosed,
		Code:    websocket.CloseAbnormalClosure,
		Message: readErr.Error(),
	})
}

func (p *Proxy) emit(sessionID int64, evt protocol.SessionEvent) {
	evt.SessionID = sessionID
	evt.Timestamp = time.Now().UTC()
	p.sink(evt)
}
