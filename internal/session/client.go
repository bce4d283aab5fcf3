// Package session implements the caller-side transcription session
// client. One Client binds a single recording attempt to exactly one
// proxy session, accumulates transcript text, and resolves a
// deterministic final result when the recording stops.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voxd-labs/voxd/internal/config"
	"github.com/voxd-labs/voxd/internal/protocol"
)

// Transport carries session commands to the proxy and delivers its
// event stream back. The production implementation rides the bus; tests
// substitute an in-memory fake.
type Transport interface {
	StartSession(ctx context.Context, req protocol.StartSession) (int64, error)
	SendAudio(sessionID int64, audio string) error
	StopSession(sessionID int64) error
	Events() <-chan protocol.SessionEvent
	Close() error
}

type State int

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Hooks are optional notifications fired as transcript state changes.
// Interim receives the full live display text (completed segments plus
// the in-flight one); Segment receives each completed utterance.
type Hooks struct {
	Interim func(text string)
	Segment func(text string)
	Error   func(message string)
}

// stopResult is the one-shot resolution of a Stop call.
type stopResult struct {
	text string
	err  error
}

type Client struct {
	cfg       config.ProviderConfig
	transport Transport
	hooks     Hooks
	logger    *slog.Logger

	mu        sync.Mutex
	state     State
	sessionID int64
	segments  []string
	current   string
	final     chan stopResult
	lastErr   error

	loopOnce sync.Once
}

func NewClient(cfg config.ProviderConfig, transport Transport, hooks Hooks, logger *slog.Logger) *Client {
	return &Client{
		cfg:       cfg,
		transport: transport,
		hooks:     hooks,
		logger:    logger.With(slog.String("component", "session-client")),
	}
}

// Start clears the per-session accumulators and requests a fresh proxy
// session. The returned error is fatal for this attempt only.
func (c *Client) Start(ctx context.Context, req protocol.StartSession) error {
	c.mu.Lock()
	if c.state == StateStarting || c.state == StateRunning || c.state == StateStopping {
		c.mu.Unlock()
		return fmt.Errorf("session already active (state %s)", c.state)
	}
	c.state = StateStarting
	c.segments = nil
	c.current = ""
	c.lastErr = nil
	c.final = make(chan stopResult, 1)
	attempt := c.final
	c.mu.Unlock()

	c.loopOnce.Do(func() { go c.eventLoop() })

	id, err := c.transport.StartSession(ctx, req)

	c.mu.Lock()
	// Stop can run while StartSession is still in flight; the attempt
	// channel ties this return to the start that issued it.
	active := c.state == StateStarting && c.final == attempt
	if err != nil {
		if active {
			c.state = StateIdle
		}
		c.mu.Unlock()
		return fmt.Errorf("start session: %w", err)
	}
	if !active {
		c.mu.Unlock()
		// Stopped before the proxy answered. A session id was issued
		// anyway, so tear it down instead of leaving it running with
		// nobody attached.
		if serr := c.transport.StopSession(id); serr != nil {
			c.logger.Warn("stop abandoned session", slog.String("error", serr.Error()))
		}
		return errors.New("session stopped before start completed")
	}
	c.sessionID = id
	c.state = StateRunning
	c.logger.Debug("session started", slog.Int64("session_id", id))
	c.mu.Unlock()
	return nil
}

// SendAudio forwards one encoded PCM chunk. Chunks sent outside a
// running session are dropped; delivery failures degrade the transcript
// but never abort the recording.
func (c *Client) SendAudio(pcm []byte) {
	c.mu.Lock()
	if c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	id := c.sessionID
	c.mu.Unlock()

	if err := c.transport.SendAudio(id, base64.StdEncoding.EncodeToString(pcm)); err != nil {
		c.logger.Warn("send audio chunk", slog.String("error", err.Error()))
	}
}

// Stop commits the session and resolves exactly once: with the
// provider's final transcript if it arrives, or with whatever has
// accumulated once the grace timeout lapses. Resolution is a state
// transition out of StateStopping, so the final event and the timer
// cannot both fire a result.
func (c *Client) Stop(ctx context.Context) (string, error) {
	c.mu.Lock()
	switch c.state {
	case StateIdle, StateStarting:
		c.state = StateIdle
		c.mu.Unlock()
		return "", nil
	case StateStopping:
		c.mu.Unlock()
		return "", errors.New("stop already in progress")
	case StateErrored:
		err := c.lastErr
		text := c.transcriptLocked()
		c.state = StateIdle
		c.mu.Unlock()
		return text, err
	}
	c.state = StateStopping
	id := c.sessionID
	final := c.final
	c.mu.Unlock()

	if err := c.transport.StopSession(id); err != nil {
		c.logger.Warn("send stop", slog.String("error", err.Error()))
	}

	grace := time.NewTimer(time.Duration(c.cfg.StopGrace) * time.Millisecond)
	defer grace.Stop()
	select {
	case res := <-final:
		return res.text, res.err
	case <-grace.C:
	case <-ctx.Done():
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateStopping {
		// Resolved between the timer firing and the lock.
		select {
		case res := <-final:
			return res.text, res.err
		default:
		}
	}
	c.state = StateIdle
	return c.transcriptLocked(), ctx.Err()
}

// Transcript returns the live display text: completed segments plus the
// in-flight one, joined by newlines.
func (c *Client) Transcript() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transcriptLocked()
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Close() error {
	return c.transport.Close()
}

func (c *Client) transcriptLocked() string {
	parts := c.segments
	if c.current != "" {
		parts = append(parts[:len(parts):len(parts)], c.current)
	}
	return strings.Join(parts, "\n")
}

// resolveStopLocked fires the one-shot stop result and leaves the
// session idle. Callers must hold c.mu and have verified the state is
// StateStopping, which makes a second resolution unreachable.
func (c *Client) resolveStopLocked(tail string, err error) {
	parts := c.segments
	if tail != "" {
		parts = append(parts[:len(parts):len(parts)], tail)
	}
	c.state = StateIdle
	select {
	case c.final <- stopResult{text: strings.Join(parts, "\n"), err: err}:
	default:
	}
}

func (c *Client) eventLoop() {
	for evt := range c.transport.Events() {
		c.dispatch(evt)
	}
}

// dispatch applies one proxy event. The session id comparison is the
// guard that keeps stragglers from a superseded session out of the
// current session's accumulators.
func (c *Client) dispatch(evt protocol.SessionEvent) {
	var notify func()

	c.mu.Lock()
	if evt.SessionID != c.sessionID || c.state == StateIdle || c.state == StateStarting {
		c.mu.Unlock()
		return
	}

	switch evt.Type {
	case protocol.EventInterim:
		c.current = evt.Text
		if c.hooks.Interim != nil {
			text := c.transcriptLocked()
			notify = func() { c.hooks.Interim(text) }
		}
	case protocol.EventSegment:
		c.segments = append(c.segments, evt.Text)
		c.current = ""
		if c.hooks.Segment != nil {
			text := evt.Text
			notify = func() { c.hooks.Segment(text) }
		}
	case protocol.EventFinal:
		if c.state == StateStopping {
			c.resolveStopLocked(evt.Text, nil)
		}
	case protocol.EventError:
		if c.isBenign(evt.Message) {
			c.logger.Debug("benign provider error", slog.String("message", evt.Message))
			if c.state == StateStopping {
				c.resolveStopLocked("", nil)
			}
			break
		}
		c.lastErr = fmt.Errorf("provider error: %s", evt.Message)
		if c.state == StateStopping {
			// Let the in-flight Stop surface the failure.
			c.resolveStopLocked("", c.lastErr)
		} else {
			c.state = StateErrored
		}
		if c.hooks.Error != nil {
			msg := evt.Message
			notify = func() { c.hooks.Error(msg) }
		}
	case protocol.EventClosed:
		// Routine closure after stop needs no action; an abnormal
		// closure was already surfaced by the paired error event.
	}
	c.mu.Unlock()

	if notify != nil {
		notify()
	}
}

func (c *Client) isBenign(message string) bool {
	lower := strings.ToLower(message)
	for _, needle := range c.cfg.BenignErrors {
		if needle != "" && strings.Contains(lower, strings.ToLower(needle)) {
			return true
		}
	}
	return false
}
