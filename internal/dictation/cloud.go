package dictation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voxd-labs/voxd/internal/capture"
	"github.com/voxd-labs/voxd/internal/config"
	"github.com/voxd-labs/voxd/internal/protocol"
	"github.com/voxd-labs/voxd/internal/session"
)

// CloudProvider streams captured audio through the session client while
// accumulating the encoded PCM, so a failed attempt still has audio to
// back up.
type CloudProvider struct {
	cfg    config.ProviderConfig
	rate   int
	source capture.Source
	client *session.Client
	logger *slog.Logger

	mu       sync.Mutex
	accum    []byte
	pumpDone chan struct{}
}

func NewCloudProvider(cfg config.ProviderConfig, captureCfg config.CaptureConfig, source capture.Source, client *session.Client, logger *slog.Logger) *CloudProvider {
	return &CloudProvider{
		cfg:    cfg,
		rate:   captureCfg.TargetRate,
		source: source,
		client: client,
		logger: logger.With(slog.String("component", "cloud-provider")),
	}
}

// Begin claims the microphone first, so a permission failure surfaces
// before any socket is opened, then requests a proxy session.
func (p *CloudProvider) Begin(ctx context.Context) error {
	if err := p.source.Start(ctx); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}

	err := p.client.Start(ctx, protocol.StartSession{
		APIKey:   p.cfg.APIKey,
		Region:   p.cfg.Region,
		Language: p.cfg.Language,
	})
	if err != nil {
		p.releaseCapture()
		return err
	}

	p.mu.Lock()
	p.accum = nil
	p.pumpDone = make(chan struct{})
	done := p.pumpDone
	p.mu.Unlock()

	go p.pump(p.source.Chunks(), done)
	return nil
}

// Finish releases the microphone, waits for every captured chunk to be
// relayed, then resolves the session's final text.
func (p *CloudProvider) Finish(ctx context.Context) (Outcome, error) {
	p.mu.Lock()
	done := p.pumpDone
	p.mu.Unlock()

	p.source.Stop()
	if done != nil {
		<-done
	}

	text, err := p.client.Stop(ctx)

	p.mu.Lock()
	pcm := p.accum
	p.accum = nil
	p.pumpDone = nil
	p.mu.Unlock()

	outcome := Outcome{Text: text, PCM: pcm, SampleRate: p.rate}
	if err != nil {
		return outcome, err
	}
	return outcome, nil
}

func (p *CloudProvider) Close() error {
	err := p.source.Close()
	if cErr := p.client.Close(); err == nil {
		err = cErr
	}
	return err
}

func (p *CloudProvider) pump(chunks <-chan capture.Chunk, done chan struct{}) {
	defer close(done)
	for chunk := range chunks {
		p.mu.Lock()
		p.accum = append(p.accum, chunk.PCM...)
		p.mu.Unlock()
		p.client.SendAudio(chunk.PCM)
	}
}

// releaseCapture shuts the source down when the session never opened.
// The tail flush blocks until consumed, so drain before stopping.
func (p *CloudProvider) releaseCapture() {
	chunks := p.source.Chunks()
	if chunks != nil {
		go func() {
			for range chunks {
			}
		}()
	}
	p.source.Stop()
}
