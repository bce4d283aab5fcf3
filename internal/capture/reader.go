package capture

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// ReaderSource is the fallback capture path for environments without a
// usable audio device, and the replay path for retrying stored recordings.
// It pulls little-endian float32 samples at the configured device rate
// from an io.Reader on an ordinary goroutine, pacing reads to wall-clock
// audio time, and runs the exact same resample/encode pipeline as the
// device recorder.
type ReaderSource struct {
	cfg    Config
	src    io.Reader
	paced  bool
	cancel context.CancelFunc

	mu      sync.Mutex
	framer  *framer
	running bool
	done    chan struct{}
	flush   *sync.Once
}

// NewReaderSource wraps r as a capture source. When paced is true, reads
// are throttled to real time; retry replay passes false to drain as fast
// as the consumer allows.
func NewReaderSource(cfg Config, r io.Reader, paced bool) *ReaderSource {
	return &ReaderSource{cfg: cfg, src: r, paced: paced}
}

func (s *ReaderSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("already recording")
	}
	s.framer = newFramer(s.cfg)
	s.running = true
	s.done = make(chan struct{})
	s.flush = new(sync.Once)

	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
	return nil
}

func (s *ReaderSource) run(ctx context.Context) {
	f := s.framer
	defer close(s.done)
	// Exhausting the reader ends the recording; the tail still gets
	// delivered, matching the device path's stop semantics.
	defer s.flush.Do(f.flush)

	frameBytes := s.cfg.ChunkSamples * 4
	buf := make([]byte, frameBytes)
	frameDur := time.Duration(s.cfg.ChunkSamples) * time.Second / time.Duration(s.cfg.SampleRate)

	for {
		if ctx.Err() != nil {
			return
		}
		n, err := io.ReadFull(s.src, buf)
		if n > 0 {
			samples := bytesToFloat32(buf[:n], uint32(n/4))
			s.mu.Lock()
			f := s.framer
			running := s.running
			s.mu.Unlock()
			if !running {
				return
			}
			f.push(samples)
		}
		if err != nil {
			return
		}
		if s.paced {
			select {
			case <-time.After(frameDur):
			case <-ctx.Done():
				return
			}
		}
	}
}

func (s *ReaderSource) Chunks() <-chan Chunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.framer == nil {
		return nil
	}
	return s.framer.out
}

// Stop halts the read loop, waits for it to settle, then flushes the tail.
func (s *ReaderSource) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	f := s.framer
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	s.flush.Do(f.flush)
}

func (s *ReaderSource) Close() error {
	s.Stop()
	return nil
}
