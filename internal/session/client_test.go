package session

import (
	"context"
	"encoding/base64"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/voxd-labs/voxd/internal/config"
	"github.com/voxd-labs/voxd/internal/protocol"
)

type fakeTransport struct {
	mu        sync.Mutex
	nextID    int64
	audio     []string
	stops     []int64
	events    chan protocol.SessionEvent
	startGate chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan protocol.SessionEvent, 64)}
}

func (f *fakeTransport) StartSession(_ context.Context, _ protocol.StartSession) (int64, error) {
	f.mu.Lock()
	gate := f.startGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	return f.nextID, nil
}

func (f *fakeTransport) SendAudio(_ int64, audio string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audio = append(f.audio, audio)
	return nil
}

func (f *fakeTransport) StopSession(id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, id)
	return nil
}

func (f *fakeTransport) Events() <-chan protocol.SessionEvent { return f.events }

func (f *fakeTransport) Close() error {
	close(f.events)
	return nil
}

func (f *fakeTransport) emit(evt protocol.SessionEvent) {
	f.events <- evt
}

func (f *fakeTransport) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.stops)
}

func testClientConfig() config.ProviderConfig {
	cfg := config.Default().Provider
	cfg.StopGrace = 100
	return cfg
}

func newTestClient(t *testing.T, transport Transport, hooks Hooks) *Client {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewClient(testClientConfig(), transport, hooks, logger)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func pollUntil(cond func() bool) bool {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}

// waitFor polls until cond holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	if !pollUntil(cond) {
		t.Fatal("condition not met before deadline")
	}
}

func TestTranscriptAccumulation(t *testing.T) {
	transport := newFakeTransport()
	interims := make(chan string, 16)
	c := newTestClient(t, transport, Hooks{Interim: func(text string) { interims <- text }})

	if err := c.Start(context.Background(), protocol.StartSession{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	transport.emit(protocol.SessionEvent{Type: protocol.EventInterim, SessionID: 1, Text: "hel"})
	transport.emit(protocol.SessionEvent{Type: protocol.EventInterim, SessionID: 1, Text: "hello"})
	transport.emit(protocol.SessionEvent{Type: protocol.EventSegment, SessionID: 1, Text: "hello world"})
	transport.emit(protocol.SessionEvent{Type: protocol.EventInterim, SessionID: 1, Text: "how"})

	waitFor(t, func() bool { return c.Transcript() == "hello world\nhow" })

	// Each interim replaces the in-flight segment, never appends to it.
	if first := <-interims; first != "hel" {
		t.Fatalf("unexpected first interim display %q", first)
	}
	if second := <-interims; second != "hello" {
		t.Fatalf("unexpected second interim display %q", second)
	}
}

func TestStopCombinesSegmentsWithFinal(t *testing.T) {
	transport := newFakeTransport()
	c := newTestClient(t, transport, Hooks{})

	if err := c.Start(context.Background(), protocol.StartSession{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	transport.emit(protocol.SessionEvent{Type: protocol.EventSegment, SessionID: 1, Text: "hello world"})
	waitFor(t, func() bool { return c.Transcript() == "hello world" })

	go func() {
		pollUntil(func() bool { return transport.stopCount() == 1 })
		transport.emit(protocol.SessionEvent{Type: protocol.EventFinal, SessionID: 1, Text: "goodbye"})
	}()

	text, err := c.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if text != "hello world\ngoodbye" {
		t.Fatalf("unexpected final transcript %q", text)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle after stop, got %s", c.State())
	}
}

func TestStopResolvesOnGraceTimeout(t *testing.T) {
	transport := newFakeTransport()
	c := newTestClient(t, transport, Hooks{})

	if err := c.Start(context.Background(), protocol.StartSession{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	transport.emit(protocol.SessionEvent{Type: protocol.EventSegment, SessionID: 1, Text: "partial"})
	waitFor(t, func() bool { return c.Transcript() == "partial" })

	started := time.Now()
	text, err := c.Stop(context.Background())
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if text != "partial" {
		t.Fatalf("expected accumulated text on timeout, got %q", text)
	}
	if elapsed := time.Since(started); elapsed > 600*time.Millisecond {
		t.Fatalf("stop took %v, expected resolution near the 100ms grace", elapsed)
	}
}

func TestLateFinalAfterTimeoutIsDiscarded(t *testing.T) {
	transport := newFakeTransport()
	c := newTestClient(t, transport, Hooks{})

	if err := c.Start(context.Background(), protocol.StartSession{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := c.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// Straggler from the old session arrives after resolution and after
	// a new session has started.
	if err := c.Start(context.Background(), protocol.StartSession{}); err != nil {
		t.Fatalf("restart: %v", err)
	}
	transport.emit(protocol.SessionEvent{Type: protocol.EventFinal, SessionID: 1, Text: "stale"})
	transport.emit(protocol.SessionEvent{Type: protocol.EventInterim, SessionID: 2, Text: "fresh"})
	waitFor(t, func() bool { return c.Transcript() == "fresh" })

	if c.State() != StateRunning {
		t.Fatalf("expected running, got %s", c.State())
	}
}

func TestStaleSessionEventsDiscarded(t *testing.T) {
	transport := newFakeTransport()
	c := newTestClient(t, transport, Hooks{})

	if err := c.Start(context.Background(), protocol.StartSession{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	transport.emit(protocol.SessionEvent{Type: protocol.EventSegment, SessionID: 99, Text: "intruder"})
	transport.emit(protocol.SessionEvent{Type: protocol.EventInterim, SessionID: 1, Text: "ok"})
	waitFor(t, func() bool { return c.Transcript() == "ok" })
}

func TestBenignNoAudioYieldsEmptyFinal(t *testing.T) {
	transport := newFakeTransport()
	c := newTestClient(t, transport, Hooks{})

	if err := c.Start(context.Background(), protocol.StartSession{}); err != nil {
		t.Fatalf("start: %v", err)
	}

	go func() {
		pollUntil(func() bool { return transport.stopCount() == 1 })
		transport.emit(protocol.SessionEvent{Type: protocol.EventError, SessionID: 1, Message: "No Audio captured in buffer"})
	}()

	text, err := c.Stop(context.Background())
	if err != nil {
		t.Fatalf("benign error must not surface, got %v", err)
	}
	if text != "" {
		t.Fatalf("expected empty final text, got %q", text)
	}
}

func TestProviderErrorSurfacesThroughStop(t *testing.T) {
	transport := newFakeTransport()
	errs := make(chan string, 1)
	c := newTestClient(t, transport, Hooks{Error: func(msg string) { errs <- msg }})

	if err := c.Start(context.Background(), protocol.StartSession{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	transport.emit(protocol.SessionEvent{Type: protocol.EventError, SessionID: 1, Message: "connection reset"})
	waitFor(t, func() bool { return c.State() == StateErrored })

	if msg := <-errs; msg != "connection reset" {
		t.Fatalf("unexpected error hook message %q", msg)
	}
	if _, err := c.Stop(context.Background()); err == nil {
		t.Fatal("expected stop to surface the provider error")
	}
	if c.State() != StateIdle {
		t.Fatalf("expected idle after errored stop, got %s", c.State())
	}
}

func TestSendAudioOnlyWhileRunning(t *testing.T) {
	transport := newFakeTransport()
	c := newTestClient(t, transport, Hooks{})

	c.SendAudio([]byte{0, 1})
	if err := c.Start(context.Background(), protocol.StartSession{}); err != nil {
		t.Fatalf("start: %v", err)
	}
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	c.SendAudio(pcm)

	transport.mu.Lock()
	defer transport.mu.Unlock()
	if len(transport.audio) != 1 {
		t.Fatalf("expected exactly one relayed chunk, got %d", len(transport.audio))
	}
	if transport.audio[0] != base64.StdEncoding.EncodeToString(pcm) {
		t.Fatalf("unexpected encoded chunk %q", transport.audio[0])
	}
}

func TestRapidStartStopSequences(t *testing.T) {
	transport := newFakeTransport()
	c := newTestClient(t, transport, Hooks{})

	for i := int64(1); i <= 3; i++ {
		if err := c.Start(context.Background(), protocol.StartSession{}); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		id := i
		go func() {
			pollUntil(func() bool { return transport.stopCount() >= int(id) })
			transport.emit(protocol.SessionEvent{Type: protocol.EventFinal, SessionID: id, Text: "take"})
		}()
		text, err := c.Stop(context.Background())
		if err != nil {
			t.Fatalf("stop %d: %v", i, err)
		}
		if text != "take" {
			t.Fatalf("stop %d resolved %q", i, text)
		}
	}
	if got := transport.stopCount(); got != 3 {
		t.Fatalf("expected 3 stop commands, got %d", got)
	}
}

func TestStopDuringPendingStartAbortsStart(t *testing.T) {
	transport := newFakeTransport()
	transport.startGate = make(chan struct{})
	c := newTestClient(t, transport, Hooks{})

	startErr := make(chan error, 1)
	go func() {
		startErr <- c.Start(context.Background(), protocol.StartSession{})
	}()
	waitFor(t, func() bool { return c.State() == StateStarting })

	text, err := c.Stop(context.Background())
	if err != nil || text != "" {
		t.Fatalf("stop during pending start: got (%q, %v), want empty text and nil", text, err)
	}
	if st := c.State(); st != StateIdle {
		t.Fatalf("expected idle after stop, got %s", st)
	}

	close(transport.startGate)

	if err := <-startErr; err == nil {
		t.Fatal("expected the pending start to abort after stop")
	}
	if st := c.State(); st != StateIdle {
		t.Fatalf("pending start overrode the stop, client left in state %s", st)
	}
	// The proxy issued a session id anyway; it must be told to stop.
	waitFor(t, func() bool { return transport.stopCount() == 1 })
}
