package dictation

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/voxd-labs/voxd/internal/capture"
	"github.com/voxd-labs/voxd/internal/config"
	"github.com/voxd-labs/voxd/internal/local"
	"github.com/voxd-labs/voxd/internal/protocol"
	"github.com/voxd-labs/voxd/internal/session"
)

func testCaptureConfig() capture.Config {
	return capture.Config{
		SampleRate:   16000,
		TargetRate:   16000,
		Channels:     1,
		ChunkSamples: 256,
		QueueDepth:   64,
	}
}

// silence returns raw float32 sample bytes for one second at 16 kHz.
func silence() []byte {
	return make([]byte, 16000*4)
}

func TestLocalProviderTranscribesAccumulatedAudio(t *testing.T) {
	source := capture.NewReaderSource(testCaptureConfig(), bytes.NewReader(silence()), false)
	p := NewLocalProvider(16000, source, local.NewMockRecognizer(), discardLogger())

	if err := p.Begin(context.Background()); err != nil {
		t.Fatalf("begin: %v", err)
	}
	// Let the reader drain fully before stopping.
	time.Sleep(50 * time.Millisecond)

	outcome, err := p.Finish(context.Background())
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if len(outcome.PCM) != 16000*2 {
		t.Fatalf("expected one second of encoded PCM, got %d bytes", len(outcome.PCM))
	}
	if !strings.Contains(outcome.Text, "1.0s") {
		t.Fatalf("expected mock transcript with duration, got %q", outcome.Text)
	}
}

func TestLocalProviderEmptyRecordingYieldsEmptyText(t *testing.T) {
	source := capture.NewReaderSource(testCaptureConfig(), bytes.NewReader(nil), false)
	p := NewLocalProvider(16000, source, local.NewMockRecognizer(), discardLogger())

	if err := p.Begin(context.Background()); err != nil {
		t.Fatalf("begin: %v", err)
	}
	outcome, err := p.Finish(context.Background())
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if outcome.Text != "" {
		t.Fatalf("expected empty text for empty recording, got %q", outcome.Text)
	}
}

type stubTransport struct {
	mu     sync.Mutex
	audio  []string
	stops  int
	events chan protocol.SessionEvent
}

func newStubTransport() *stubTransport {
	return &stubTransport{events: make(chan protocol.SessionEvent, 64)}
}

func (s *stubTransport) StartSession(context.Context, protocol.StartSession) (int64, error) {
	return 1, nil
}

func (s *stubTransport) SendAudio(_ int64, audio string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, audio)
	return nil
}


func (s *stubTransport) StopSession(int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

func (s *stubTransport) Events() <-chan protocol.SessionEvent { return s.events }

func (s *stubTransport) Close() error {
	close(s.events)
	return nil
}

func (s *stubTransport) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

func TestCloudProviderRelaysAndAccumulates(t *testing.T) {
	transport := newStubTransport()
	providerCfg := config.Default().Provider
	providerCfg.StopGrace = 500
	client := session.NewClient(providerCfg, transport, session.Hooks{}, discardLogger())

	source := capture.NewReaderSource(testCaptureConfig(), bytes.NewReader(silence()), false)
	p := NewCloudProvider(providerCfg, config.Default().Capture, source, client, discardLogger())

	if err := p.Begin(context.Background()); err != nil {
		t.Fatalf("begin: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if transport.stopCount() > 0 {
				transport.events <- protocol.SessionEvent{Type: protocol.EventFinal, SessionID: 1, Text: "hello world"}
				return
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	outcome, err := p.Finish(context.Background())
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	if outcome.Text != "hello world" {
		t.Fatalf("unexpected text %q", outcome.Text)
	}
	if len(outcome.PCM) != 16000*2 {
		t.Fatalf("expected one second of encoded PCM, got %d bytes", len(outcome.PCM))
	}

	transport.mu.Lock()
	relayed := len(transport.audio)
	transport.mu.Unlock()
	if relayed == 0 {
		t.Fatal("expected audio chunks relayed to the transport")
	}
}
