// Package recovery persists audio from failed transcription attempts so
// speech a user produced is never silently lost. Each project owns one
// JSON index plus one WAV blob per pending record; the index is the
// single source of truth and is rewritten atomically on every mutation.
package recovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/voxd-labs/voxd/internal/config"
)

const schemaVersion = 1

type Status string

const (
	StatusPending     Status = "pending"
	StatusRetrying    Status = "retrying"
	StatusFailed      Status = "failed"
	StatusTranscribed Status = "transcribed"
)

// VoiceRecord is one recording outcome: either transcribed text, or a
// retryable failure carrying a reference to its audio blob.
type VoiceRecord struct {
	ID         string    `json:"id"`
	ProjectID  string    `json:"project_id"`
	Status     Status    `json:"status"`
	Text       string    `json:"text,omitempty"`
	DurationMS int       `json:"duration_ms"`
	SampleRate int       `json:"sample_rate,omitempty"`
	AudioFile  string    `json:"audio_file,omitempty"`
	RetryCount int       `json:"retry_count,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

type Index struct {
	SchemaVersion int           `json:"schema_version"`
	Records       []VoiceRecord `json:"records"`
	LastUpdated   time.Time     `json:"last_updated"`
}

// TranscribeFunc resubmits stored audio through a transcription
// pipeline, as if it were a live, already-captured recording.
type TranscribeFunc func(ctx context.Context, pcm []byte, sampleRate int) (string, error)

type Store struct {
	dir         string
	minDuration time.Duration
	logger      *slog.Logger
	clock       func() time.Time

	mu sync.Mutex
}

func NewStore(cfg config.RecoveryConfig, logger *slog.Logger) *Store {
	return &Store{
		dir:         cfg.Dir,
		minDuration: time.Duration(cfg.MinDurationMS) * time.Millisecond,
		logger:      logger.With(slog.String("component", "recovery")),
		clock:       time.Now,
	}
}

// SaveFailure persists the accumulated audio of a failed attempt. Short
// attempts below the minimum duration are not worth keeping and return
// a nil record without error.
func (s *Store) SaveFailure(projectID string, pcm []byte, sampleRate int, cause error) (*VoiceRecord, error) {
	duration := pcmDuration(pcm, sampleRate)
	if duration < s.minDuration {
		s.logger.Debug("skipping backup below minimum duration",
			slog.Duration("duration", duration))
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.projectDir(projectID), 0o755); err != nil {
		return nil, fmt.Errorf("create recovery dir: %w", err)
	}
	idx, err := s.loadIndex(projectID)
	if err != nil {
		return nil, err
	}
	id := s.newID(idx)
	blob := id + ".wav"
	if err := writeWAV(filepath.Join(s.projectDir(projectID), blob), pcm, sampleRate); err != nil {
		return nil, fmt.Errorf("write audio blob: %w", err)
	}

	record := VoiceRecord{
		ID:         id,
		ProjectID:  projectID,
		Status:     StatusPending,
		DurationMS: int(duration / time.Millisecond),
		SampleRate: sampleRate,
		AudioFile:  blob,
		LastError:  cause.Error(),
		CreatedAt:  s.clock().UTC(),
	}

	idx.Records = append(idx.Records, record)
	if err := s.saveIndex(projectID, idx); err != nil {
		return nil, err
	}
	s.logger.Info("saved recovery backup",
		slog.String("record_id", id),
		slog.Int("duration_ms", record.DurationMS))
	return &record, nil
}

// AddTranscribed records a successful dictation outcome in the index.
// No audio blob is kept for transcribed records.
func (s *Store) AddTranscribed(projectID, text string, durationMS int) (VoiceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex(projectID)
	if err != nil {
		return VoiceRecord{}, err
	}
	record := VoiceRecord{
		ID:         s.newID(idx),
		ProjectID:  projectID,
		Status:     StatusTranscribed,
		Text:       text,
		DurationMS: durationMS,
		CreatedAt:  s.clock().UTC(),
	}

	idx.Records = append(idx.Records, record)
	if err := s.saveIndex(projectID, idx); err != nil {
		return VoiceRecord{}, err
	}
	return record, nil
}

// List returns all records for the project. A missing index means no
// backups exist, not an error.
func (s *Store) List(projectID string) ([]VoiceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex(projectID)
	if err != nil {
		return nil, err
	}
	return idx.Records, nil
}

// Retry resubmits a stored backup. Success deletes the blob and leaves
// one transcribed record in its place; failure increments the retry
// count and returns the transcription error.
func (s *Store) Retry(ctx context.Context, projectID, id string, transcribe TranscribeFunc) (VoiceRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex(projectID)
	if err != nil {
		return VoiceRecord{}, err
	}
	pos := indexOf(idx.Records, id)
	if pos < 0 {
		return VoiceRecord{}, fmt.Errorf("record %s not found", id)
	}
	record := idx.Records[pos]
	if record.Status == StatusTranscribed {
		return VoiceRecord{}, fmt.Errorf("record %s is already transcribed", id)
	}

	blobPath := filepath.Join(s.projectDir(projectID), record.AudioFile)
	pcm, sampleRate, err := readWAV(blobPath)
	if err != nil {
		return VoiceRecord{}, fmt.Errorf("read audio blob: %w", err)
	}

	record.Status = StatusRetrying
	idx.Records[pos] = record
	if err := s.saveIndex(projectID, idx); err != nil {
		return VoiceRecord{}, err
	}

	text, tErr := transcribe(ctx, pcm, sampleRate)
	if tErr != nil {
		record.Status = StatusFailed
		record.RetryCount++
		record.LastError = tErr.Error()
		idx.Records[pos] = record
		if err := s.saveIndex(projectID, idx); err != nil {
			s.logger.Warn("persist failed retry state", slog.String("error", err.Error()))
		}
		return record, fmt.Errorf("retry transcription: %w", tErr)
	}

	if err := os.Remove(blobPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		s.logger.Warn("remove audio blob after retry", slog.String("error", err.Error()))
	}
	record.Status = StatusTranscribed
	record.Text = strings.TrimSpace(text)
	record.AudioFile = ""
	record.LastError = ""
	idx.Records[pos] = record
	if err := s.saveIndex(projectID, idx); err != nil {
		return VoiceRecord{}, err
	}
	s.logger.Info("retry transcribed backup", slog.String("record_id", id))
	return record, nil
}

// Delete removes a record and its blob. A blob already gone is fine.
func (s *Store) Delete(projectID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.loadIndex(projectID)
	if err != nil {
		return err
	}
	pos := indexOf(idx.Records, id)
	if pos < 0 {
		return fmt.Errorf("record %s not found", id)
	}
	if blob := idx.Records[pos].AudioFile; blob != "" {
		if err := os.Remove(filepath.Join(s.projectDir(projectID), blob)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove audio blob: %w", err)
		}
	}
	idx.Records = append(idx.Records[:pos], idx.Records[pos+1:]...)
	return s.saveIndex(projectID, idx)
}

// newID derives a record id from the creation timestamp, bumping by a
// millisecond when two records land in the same clock tick.
func (s *Store) newID(idx Index) string {
	at := s.clock().UTC()
	for {
		id := at.Format("20060102-150405.000")
		if indexOf(idx.Records, id) < 0 {
			return id
		}
		at = at.Add(time.Millisecond)
	}
}

func (s *Store) projectDir(projectID string) string {
	if projectID == "" {
		projectID = "default"
	}
	return filepath.Join(s.dir, projectID)
}

func (s *Store) indexPath(projectID string) string {
	return filepath.Join(s.projectDir(projectID), "index.json")
}

func (s *Store) loadIndex(projectID string) (Index, error) {
	data, err := os.ReadFile(s.indexPath(projectID))
	if errors.Is(err, os.ErrNotExist) {
		return Index{SchemaVersion: schemaVersion}, nil
	}
	if err != nil {
		return Index{}, fmt.Errorf("read recovery index: %w", err)
	}
	var idx Index
	if err := json.Unmarshal(data, &idx); err != nil {
		return Index{}, fmt.Errorf("decode recovery index: %w", err)
	}
	return idx, nil
}

// saveIndex rewrites the index through a temp file and rename so a
// crash mid-write never leaves a truncated document behind.
func (s *Store) saveIndex(projectID string, idx Index) error {
	idx.SchemaVersion = schemaVersion
	idx.LastUpdated = s.clock().UTC()

	dir := s.projectDir(projectID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create recovery dir: %w", err)
	}
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encode recovery index: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "index_*.json")
	if err != nil {
		return fmt.Errorf("create temp index: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp index: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.indexPath(projectID)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace recovery index: %w", err)
	}
	return nil
}

func indexOf(records []VoiceRecord, id string) int {
	for i, r := range records {
		if r.ID == id {
			return i
		}
	}
	return -1
}

func pcmDuration(pcm []byte, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := len(pcm) / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}
