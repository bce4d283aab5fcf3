// Package local provides the offline fallback recognizer used when the
// cloud provider is unavailable or not configured. Recognition runs on
// already-captured audio, so there is no streaming surface here.
package local

import (
	"context"
	"fmt"

	"github.com/voxd-labs/voxd/internal/config"
)

// Result captures recognizer output for one utterance.
type Result struct {
	Text       string
	Confidence float64
}

// Recognizer abstracts offline transcription backends.
type Recognizer interface {
	Transcribe(ctx context.Context, pcm []byte, sampleRate int) (Result, error)
}

// New builds the recognizer named by cfg.Mode.
func New(cfg config.LocalConfig) (Recognizer, error) {
	switch cfg.Mode {
	case "mock", "":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unknown local recognizer mode %q", cfg.Mode)
	}
}
