package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/gen2brain/malgo"
)

// Recorder captures audio from the default microphone via a dedicated
// device callback. It implements Source for one recording at a time; the
// hardware device is claimed on Start and fully released on Stop, so a
// subsequent recording can reclaim it.
type Recorder struct {
	ctx *malgo.AllocatedContext
	cfg Config

	mu        sync.Mutex
	device    *malgo.Device
	framer    *framer
	recording bool
}

// NewRecorder initializes the audio backend. Call Close when done.
func NewRecorder(cfg Config) (*Recorder, error) {
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("initializing audio context: %w", err)
	}
	return &Recorder{ctx: mctx, cfg: cfg}, nil
}

// Start claims the capture device and begins emitting chunks. A device or
// permission failure is returned to the caller; there is no silent no-op.
func (r *Recorder) Start(_ context.Context) error {
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return fmt.Errorf("already recording")
	}
	r.framer = newFramer(r.cfg)
	r.recording = true
	r.mu.Unlock()

	deviceCfg := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceCfg.Capture.Format = malgo.FormatF32
	deviceCfg.Capture.Channels = uint32(r.cfg.Channels)
	deviceCfg.SampleRate = uint32(r.cfg.SampleRate)

	callbacks := malgo.DeviceCallbacks{
		Data: r.onData,
	}

	device, err := malgo.InitDevice(r.ctx.Context, deviceCfg, callbacks)
	if err != nil {
		r.abort()
		return fmt.Errorf("initializing capture device: %w", err)
	}

	if err := device.Start(); err != nil {
		device.Uninit()
		r.abort()
		return fmt.Errorf("starting capture device: %w", err)
	}

	r.mu.Lock()
	r.device = device
	r.mu.Unlock()

	return nil
}

func (r *Recorder) abort() {
	r.mu.Lock()
	r.recording = false
	close(r.framer.out)
	r.framer = nil
	r.mu.Unlock()
}

// Chunks returns the handoff channel for the current recording. Closed by
// Stop after the final partial chunk is delivered.
func (r *Recorder) Chunks() <-chan Chunk {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.framer == nil {
		return nil
	}
	return r.framer.out
}

// Stop releases the capture device and flushes the partial tail chunk.
// Uninit waits for the in-flight callback, so no samples race the flush.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return
	}
	device := r.device
	f := r.framer
	r.device = nil
	r.recording = false
	r.mu.Unlock()

	if device != nil {
		device.Uninit()
	}
	f.flush()
}

// DroppedChunks reports chunks discarded because the handoff queue was
// full. Nonzero values mean the consumer stalled, not that capture failed.
func (r *Recorder) DroppedChunks() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.framer == nil {
		return 0
	}
	return r.framer.droppedChunks()
}

// Close releases all audio backend resources.
func (r *Recorder) Close() error {
	r.Stop()
	if r.ctx != nil {
		if err := r.ctx.Uninit(); err != nil {
			return fmt.Errorf("uninitializing audio context: %w", err)
		}
		r.ctx.Free()
		r.ctx = nil
	}
	return nil
}

// onData runs on the audio thread. pSample holds frameCount frames of
// little-endian float32 samples. Multi-channel input is reduced to mono by
// taking the first channel.
func (r *Recorder) onData(_, pSample []byte, frameCount uint32) {
	sampleCount := frameCount * uint32(r.cfg.Channels)
	samples := bytesToFloat32(pSample, sampleCount)
	if r.cfg.Channels > 1 {
		mono := samples[:0]
		for i := 0; i < len(samples); i += r.cfg.Channels {
			mono = append(mono, samples[i])
		}
		samples = mono
	}

	r.mu.Lock()
	f := r.framer
	recording := r.recording
	r.mu.Unlock()
	if !recording || f == nil {
		return
	}
	f.push(samples)
}
