// Package capture acquires microphone audio and turns it into
// transport-ready chunks: fixed-size blocks of float32 samples captured at
// the device rate, decimated to the provider's 16 kHz target and encoded
// as 16-bit signed PCM.
//
// The device callback runs on the audio thread and must never block; it
// only hands completed chunks to a buffered channel. Everything downstream
// (base64, bus publishing) happens in the session-orchestration domain.
package capture

import (
	"context"
)

// Chunk is one transport-ready block of audio: 16-bit little-endian PCM
// at the target rate. Chunks are ephemeral; callers that need the audio
// later (backup, retry) must accumulate the bytes themselves.
type Chunk struct {
	PCM     []byte
	Samples int
}

// Source produces chunks for the lifetime of one recording. Start claims
// the underlying device; Stop releases it and closes the chunk channel
// after delivering everything captured before release.
type Source interface {
	Start(ctx context.Context) error
	Chunks() <-chan Chunk
	Stop()
	Close() error
}

// Config mirrors config.CaptureConfig without importing it, so the audio
// path stays free of the config package.
type Config struct {
	SampleRate   int
	TargetRate   int
	Channels     int
	ChunkSamples int
	QueueDepth   int
}
