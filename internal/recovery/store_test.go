package recovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxd-labs/voxd/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s := NewStore(config.RecoveryConfig{Dir: t.TempDir(), MinDurationMS: 500}, logger)

	// Deterministic, strictly advancing clock so record ids never collide.
	now := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	s.clock = func() time.Time {
		now = now.Add(10 * time.Millisecond)
		return now
	}
	return s
}

// pcmOf builds silence of the given duration at 16 kHz.
func pcmOf(d time.Duration) []byte {
	samples := int(d.Seconds() * 16000)
	return make([]byte, samples*2)
}

func TestSaveFailureSkipsShortAttempts(t *testing.T) {
	s := newTestStore(t)

	record, err := s.SaveFailure("proj", pcmOf(300*time.Millisecond), 16000, errors.New("socket dropped"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if record != nil {
		t.Fatalf("expected no backup below the minimum duration, got %+v", record)
	}
	records, err := s.List("proj")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty index, got %d records", len(records))
	}
}

func TestSaveFailureCreatesPendingRecord(t *testing.T) {
	s := newTestStore(t)

	record, err := s.SaveFailure("proj", pcmOf(time.Second), 16000, errors.New("socket dropped"))
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if record == nil {
		t.Fatal("expected a backup record")
	}
	if record.Status != StatusPending {
		t.Fatalf("expected pending status, got %s", record.Status)
	}
	if record.DurationMS != 1000 || record.SampleRate != 16000 {
		t.Fatalf("unexpected record metadata: %+v", record)
	}

	blob := filepath.Join(s.projectDir("proj"), record.AudioFile)
	if _, err := os.Stat(blob); err != nil {
		t.Fatalf("expected audio blob on disk: %v", err)
	}

	records, err := s.List("proj")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || records[0].ID != record.ID {
		t.Fatalf("unexpected index contents: %+v", records)
	}
}

func TestRetrySuccessLeavesOneTranscribedRecord(t *testing.T) {
	s := newTestStore(t)

	saved, err := s.SaveFailure("proj", pcmOf(time.Second), 16000, errors.New("timeout"))
	if err != nil || saved == nil {
		t.Fatalf("save: record=%v err=%v", saved, err)
	}
	blob := filepath.Join(s.projectDir("proj"), saved.AudioFile)

	record, err := s.Retry(context.Background(), "proj", saved.ID, func(_ context.Context, pcm []byte, sampleRate int) (string, error) {
		if len(pcm) != 16000*2 || sampleRate != 16000 {
			t.Fatalf("retry received wrong audio: %d bytes at %d Hz", len(pcm), sampleRate)
		}
		return "hello world", nil
	})
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if record.Status != StatusTranscribed || record.Text != "hello world" {
		t.Fatalf("unexpected record after retry: %+v", record)
	}
	if _, err := os.Stat(blob); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected blob removed after successful retry, stat err=%v", err)
	}

	records, err := s.List("proj")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 1 || records[0].Status != StatusTranscribed {
		t.Fatalf("expected exactly one transcribed record, got %+v", records)
	}
}

func TestRetryFailureIncrementsCountExactlyOnce(t *testing.T) {
	s := newTestStore(t)

	saved, err := s.SaveFailure("proj", pcmOf(time.Second), 16000, errors.New("timeout"))
	if err != nil || saved == nil {
		t.Fatalf("save: record=%v err=%v", saved, err)
	}

	fail := func(context.Context, []byte, int) (string, error) {
		return "", errors.New("model unavailable")
	}

	record, err := s.Retry(context.Background(), "proj", saved.ID, fail)
	if err == nil {
		t.Fatal("expected retry error")
	}
	if record.Status != StatusFailed || record.RetryCount != 1 {
		t.Fatalf("unexpected record after first failure: %+v", record)
	}
	if record.LastError != "model unavailable" {
		t.Fatalf("expected last error recorded, got %q", record.LastError)
	}

	record, err = s.Retry(context.Background(), "proj", saved.ID, fail)
	if err == nil {
		t.Fatal("expected retry error")
	}
	if record.RetryCount != 2 {
		t.Fatalf("expected retry count 2, got %d", record.RetryCount)
	}
}

func TestDeleteToleratesMissingBlob(t *testing.T) {
	s := newTestStore(t)

	saved, err := s.SaveFailure("proj", pcmOf(time.Second), 16000, errors.New("timeout"))
	if err != nil || saved == nil {
		t.Fatalf("save: record=%v err=%v", saved, err)
	}
	if err := os.Remove(filepath.Join(s.projectDir("proj"), saved.AudioFile)); err != nil {
		t.Fatalf("remove blob: %v", err)
	}

	if err := s.Delete("proj", saved.ID); err != nil {
		t.Fatalf("delete with missing blob: %v", err)
	}
	records, err := s.List("proj")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty index after delete, got %+v", records)
	}
}

func TestListWithoutIndexIsEmpty(t *testing.T) {
	s := newTestStore(t)
	records, err := s.List("never-used")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("expected empty list, got %+v", records)
	}
}

func TestWAVRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob.wav")

	pcm := make([]byte, 320)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	if err := writeWAV(path, pcm, 16000); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, rate, err := readWAV(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if rate != 16000 {
		t.Fatalf("expected 16000 Hz, got %d", rate)
	}
	if len(got) != len(pcm) {
		t.Fatalf("expected %d bytes back, got %d", len(pcm), len(got))
	}
	for i := range pcm {
		if got[i] != pcm[i] {
			t.Fatalf("sample byte %d differs: %d != %d", i, got[i], pcm[i])
		}
	}
}

func TestSameTickRecordsGetDistinctIDs(t *testing.T) {
	s := newTestStore(t)
	frozen := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	s.clock = func() time.Time { return frozen }

	first, err := s.SaveFailure("proj", pcmOf(time.Second), 16000, errors.New("socket dropped"))
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	second, err := s.SaveFailure("proj", pcmOf(time.Second), 16000, errors.New("socket dropped"))
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("records created in the same clock tick share id %q", first.ID)
	}
}
