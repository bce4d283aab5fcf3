package dictation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voxd-labs/voxd/internal/capture"
	"github.com/voxd-labs/voxd/internal/local"
)

// LocalProvider accumulates captured audio and transcribes it in one
// shot with the offline recognizer when the recording stops. There is
// no interim text on this path.
type LocalProvider struct {
	rate       int
	source     capture.Source
	recognizer local.Recognizer
	logger     *slog.Logger

	mu       sync.Mutex
	accum    []byte
	pumpDone chan struct{}
}

func NewLocalProvider(targetRate int, source capture.Source, recognizer local.Recognizer, logger *slog.Logger) *LocalProvider {
	return &LocalProvider{
		rate:       targetRate,
		source:     source,
		recognizer: recognizer,
		logger:     logger.With(slog.String("component", "local-provider")),
	}
}

func (p *LocalProvider) Begin(ctx context.Context) error {
	if err := p.source.Start(ctx); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}

	p.mu.Lock()
	p.accum = nil
	p.pumpDone = make(chan struct{})
	done := p.pumpDone
	p.mu.Unlock()

	go p.pump(p.source.Chunks(), done)
	return nil
}

func (p *LocalProvider) Finish(ctx context.Context) (Outcome, error) {
	p.mu.Lock()
	done := p.pumpDone
	p.mu.Unlock()

	p.source.Stop()
	if done != nil {
		<-done
	}

	p.mu.Lock()
	pcm := p.accum
	p.accum = nil
	p.pumpDone = nil
	p.mu.Unlock()

	outcome := Outcome{PCM: pcm, SampleRate: p.rate}
	if len(pcm) == 0 {
		return outcome, nil
	}

	res, err := p.recognizer.Transcribe(ctx, pcm, p.rate)
	if err != nil {
		return outcome, fmt.Errorf("offline transcription: %w", err)
	}
	outcome.Text = res.Text
	return outcome, nil
}

func (p *LocalProvider) Close() error {
	return p.source.Close()
}

func (p *LocalProvider) pump(chunks <-chan capture.Chunk, done chan struct{}) {
	defer close(done)
	for chunk := range chunks {
		p.mu.Lock()
		p.accum = append(p.accum, chunk.PCM...)
		p.mu.Unlock()
	}
}
