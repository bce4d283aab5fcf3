// Package dictation exposes one stable start/stop surface over the
// cloud transcription pipeline or the offline fallback, and owns the
// externally visible recording state.
package dictation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voxd-labs/voxd/internal/config"
	"github.com/voxd-labs/voxd/internal/recovery"
)

type State string

const (
	StateIdle       State = "idle"
	StateRecording  State = "recording"
	StateProcessing State = "processing"
	StateError      State = "error"
)

const (
	ModeAuto    = "auto"
	ModeConfirm = "confirm"
)

// Outcome is what one recording attempt produced: the final text plus
// the accumulated encoded audio, kept so a failed attempt can be backed
// up and retried later.
type Outcome struct {
	Text       string
	PCM        []byte
	SampleRate int
}

// Provider runs one recording attempt end to end. Providers are not
// interchangeable mid-flight; switching provider or credentials means
// building a new Orchestrator.
type Provider interface {
	Begin(ctx context.Context) error
	Finish(ctx context.Context) (Outcome, error)
	Close() error
}

// Result is the outcome of Stop. Pending means the text awaits an
// explicit Confirm or Discard before the orchestrator returns to idle.
type Result struct {
	Text    string
	Pending bool
}

type Orchestrator struct {
	cfg      config.DictationConfig
	provider Provider
	store    *recovery.Store
	logger   *slog.Logger

	mu      sync.Mutex
	state   State
	pending *Outcome
	lastErr error
}

// New builds an orchestrator. store may be nil when recovery backups
// are disabled.
func New(cfg config.DictationConfig, provider Provider, store *recovery.Store, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		provider: provider,
		store:    store,
		logger:   logger.With(slog.String("component", "dictation")),
		state:    StateIdle,
	}
}

// Start begins a recording. Calling Start while already recording is a
// no-op; a previous error state is cleared by starting fresh.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	switch o.state {
	case StateRecording:
		o.mu.Unlock()
		return nil
	case StateProcessing:
		o.mu.Unlock()
		return errors.New("previous recording still processing")
	}
	o.state = StateRecording
	o.lastErr = nil
	o.mu.Unlock()

	if err := o.provider.Begin(ctx); err != nil {
		o.mu.Lock()
		o.state = StateError
		o.lastErr = err
		o.mu.Unlock()
		return fmt.Errorf("begin recording: %w", err)
	}
	return nil
}

// Stop ends the recording and resolves the final text. In auto mode the
// orchestrator returns to idle immediately; in confirm mode it holds
// the text until Confirm or Discard. Provider errors force the error
// state and hand sufficiently long audio to the recovery store.
func (o *Orchestrator) Stop(ctx context.Context) (Result, error) {
	o.mu.Lock()
	if o.state != StateRecording {
		o.mu.Unlock()
		return Result{}, nil
	}
	o.state = StateProcessing
	o.mu.Unlock()

	outcome, err := o.provider.Finish(ctx)
	if err != nil {
		o.mu.Lock()
		o.state = StateError
		o.lastErr = err
		o.mu.Unlock()
		o.backup(outcome, err)
		return Result{}, fmt.Errorf("finish recording: %w", err)
	}

	if o.cfg.Mode == ModeConfirm {
		o.mu.Lock()
		o.pending = &outcome
		o.mu.Unlock()
		return Result{Text: outcome.Text, Pending: true}, nil
	}

	o.record(outcome)
	o.mu.Lock()
	o.state = StateIdle
	o.mu.Unlock()
	return Result{Text: outcome.Text}, nil
}

// Confirm accepts a pending transcription and returns the final text.
func (o *Orchestrator) Confirm() (string, error) {
	o.mu.Lock()
	pending := o.pending
	if pending == nil {
		o.mu.Unlock()
		return "", errors.New("no transcription awaiting confirmation")
	}
	o.pending = nil
	o.state = StateIdle
	o.mu.Unlock()

	o.record(*pending)
	return pending.Text, nil
}

// Discard drops a pending transcription without recording it.
func (o *Orchestrator) Discard() {
	o.mu.Lock()
	o.pending = nil
	if o.state == StateProcessing {
		o.state = StateIdle
	}
	o.mu.Unlock()
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastErr
}

func (o *Orchestrator) Close() error {
	return o.provider.Close()
}

// record writes a transcribed history entry. Persistence failures are
// logged and swallowed: losing history must not fail the dictation.
func (o *Orchestrator) record(outcome Outcome) {
	if o.store == nil || outcome.Text == "" {
		return
	}
	if _, err := o.store.AddTranscribed(o.cfg.ProjectID, outcome.Text, durationMS(outcome)); err != nil {
		o.logger.Warn("record transcription", slog.String("error", err.Error()))
	}
}

// backup hands failed audio to the recovery store. Best effort only: a
// backup that cannot be written is logged, never surfaced.
func (o *Orchestrator) backup(outcome Outcome, cause error) {
	if o.store == nil || len(outcome.PCM) == 0 {
		return
	}
	record, err := o.store.SaveFailure(o.cfg.ProjectID, outcome.PCM, outcome.SampleRate, cause)
	if err != nil {
		o.logger.Warn("save recovery backup", slog.String("error", err.Error()))
		return
	}
	if record != nil {
		o.logger.Info("audio backed up for retry", slog.String("record_id", record.ID))
	}
}

func durationMS(outcome Outcome) int {
	if outcome.SampleRate <= 0 {
		return 0
	}
	return len(outcome.PCM) / 2 * 1000 / outcome.SampleRate
}
