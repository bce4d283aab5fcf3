package local

import (
	"context"
	"fmt"
)

// mockRecognizer produces deterministic placeholder text so the whole
// dictation flow can run without a model installed.
type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, sampleRate int) (Result, error) {
	if sampleRate <= 0 {
		return Result{}, fmt.Errorf("invalid sample rate %d", sampleRate)
	}
	seconds := float64(len(pcm)/2) / float64(sampleRate)
	return Result{
		Text: fmt.Sprintf("[offline transcript %.1fs]", seconds),
	}, nil
}
