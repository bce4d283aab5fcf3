package capture

import "sync/atomic"

// framer accumulates device-rate samples into fixed-size frames and emits
// each full frame as a decimated, PCM16-encoded chunk. push is called from
// the audio callback and must never block: if the handoff queue is full
// the chunk is dropped and counted rather than stalling the device.
type framer struct {
	cfg     Config
	buf     []float32
	out     chan Chunk
	dropped atomic.Uint64
}

func newFramer(cfg Config) *framer {
	return &framer{
		cfg: cfg,
		buf: make([]float32, 0, cfg.ChunkSamples),
		out: make(chan Chunk, cfg.QueueDepth),
	}
}

func (f *framer) push(samples []float32) {
	f.buf = append(f.buf, samples...)
	for len(f.buf) >= f.cfg.ChunkSamples {
		f.emit(f.buf[:f.cfg.ChunkSamples], false)
		f.buf = f.buf[f.cfg.ChunkSamples:]
	}
}

// flush emits whatever remains in the frame buffer and closes the channel.
// Called once on stop, after the device callback has quiesced, so the tail
// of the last utterance is never discarded. The flush send may block; by
// then we are off the audio thread.
func (f *framer) flush() {
	if len(f.buf) > 0 {
		f.emit(f.buf, true)
		f.buf = f.buf[:0]
	}
	close(f.out)
}

func (f *framer) emit(frame []float32, block bool) {
	resampled := Decimate(frame, f.cfg.SampleRate, f.cfg.TargetRate)
	chunk := Chunk{
		PCM:     EncodePCM16(resampled),
		Samples: len(resampled),
	}
	if block {
		f.out <- chunk
		return
	}
	select {
	case f.out <- chunk:
	default:
		f.dropped.Add(1)
	}
}

func (f *framer) droppedChunks() uint64 {
	return f.dropped.Load()
}
