// voxd-dictate is the interactive push-to-talk client for the voxd
// daemon. Enter toggles recording; backups left behind by failed
// attempts are managed with -list, -retry and -delete.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/voxd-labs/voxd/internal/bus"
	"github.com/voxd-labs/voxd/internal/capture"
	"github.com/voxd-labs/voxd/internal/config"
	"github.com/voxd-labs/voxd/internal/dictation"
	"github.com/voxd-labs/voxd/internal/local"
	"github.com/voxd-labs/voxd/internal/protocol"
	"github.com/voxd-labs/voxd/internal/recovery"
	"github.com/voxd-labs/voxd/internal/session"
)

var version = "0.1.0-dev"

func main() {
	var (
		configPath  string
		showVersion bool
		listBackups bool
		retryID     string
		deleteID    string
	)

	flag.StringVar(&configPath, "config", "voxd.yaml", "Path to configuration file")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.BoolVar(&listBackups, "list", false, "List recovery backups and exit")
	flag.StringVar(&retryID, "retry", "", "Retry the backup with the given record id and exit")
	flag.StringVar(&deleteID, "delete", "", "Delete the backup with the given record id and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return
	}

	// Interactive output goes to stdout; logs stay on stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	cfg, err := config.Load(configPath)
	if err != nil {
		fatal(logger, "load config", err)
	}

	store := recovery.NewStore(cfg.Recovery, logger)

	switch {
	case listBackups:
		runList(store, cfg.Dictation.ProjectID)
		return
	case deleteID != "":
		if err := store.Delete(cfg.Dictation.ProjectID, deleteID); err != nil {
			fatal(logger, "delete backup", err)
		}
		fmt.Printf("deleted %s\n", deleteID)
		return
	case retryID != "":
		runRetry(cfg, store, retryID, logger)
		return
	}

	runDictation(cfg, store, logger)
}

func runList(store *recovery.Store, projectID string) {
	records, err := store.List(projectID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list backups: %v\n", err)
		os.Exit(1)
	}
	if len(records) == 0 {
		fmt.Println("no backups")
		return
	}
	for _, r := range records {
		switch r.Status {
		case recovery.StatusTranscribed:
			fmt.Printf("%s  %-11s  %5.1fs  %q\n", r.ID, r.Status, float64(r.DurationMS)/1000, r.Text)
		default:
			fmt.Printf("%s  %-11s  %5.1fs  retries=%d  last error: %s\n",
				r.ID, r.Status, float64(r.DurationMS)/1000, r.RetryCount, r.LastError)
		}
	}
}

func runRetry(cfg config.Config, store *recovery.Store, id string, logger *slog.Logger) {
	ctx := context.Background()

	transcribe, cleanup, err := buildTranscriber(ctx, cfg, logger)
	if err != nil {
		fatal(logger, "build transcriber", err)
	}
	defer cleanup()

	record, err := store.Retry(ctx, cfg.Dictation.ProjectID, id, transcribe)
	if err != nil {
		fmt.Fprintf(os.Stderr, "retry failed (attempt %d): %v\n", record.RetryCount, err)
		os.Exit(1)
	}
	fmt.Printf("transcribed: %s\n", record.Text)
}

// buildTranscriber resubmits stored audio through the configured
// pipeline: streamed through a fresh proxy session for the cloud
// provider, or fed to the offline recognizer in one shot.
func buildTranscriber(ctx context.Context, cfg config.Config, logger *slog.Logger) (recovery.TranscribeFunc, func(), error) {
	if cfg.Dictation.Provider == "local" {
		recognizer, err := local.New(cfg.Local)
		if err != nil {
			return nil, nil, err
		}
		fn := func(ctx context.Context, pcm []byte, sampleRate int) (string, error) {
			res, err := recognizer.Transcribe(ctx, pcm, sampleRate)
			return res.Text, err
		}
		return fn, func() {}, nil
	}

	busClient, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return nil, nil, err
	}
	transport, err := session.NewBusTransport(busClient.Conn(), logger)
	if err != nil {
		busClient.Close()
		return nil, nil, err
	}
	client := session.NewClient(cfg.Provider, transport, session.Hooks{}, logger)

	fn := func(ctx context.Context, pcm []byte, _ int) (string, error) {
		err := client.Start(ctx, protocol.StartSession{
			APIKey:   cfg.Provider.APIKey,
			Region:   cfg.Provider.Region,
			Language: cfg.Provider.Language,
		})
		if err != nil {
			return "", err
		}
		chunk := cfg.Capture.ChunkSamples * 2
		for off := 0; off < len(pcm); off += chunk {
			end := off + chunk
			if end > len(pcm) {
				end = len(pcm)
			}
			client.SendAudio(pcm[off:end])
		}
		return client.Stop(ctx)
	}
	cleanup := func() {
		_ = client.Close()
		busClient.Close()
	}
	return fn, cleanup, nil
}

func runDictation(cfg config.Config, store *recovery.Store, logger *slog.Logger) {
	ctx := context.Background()

	source, err := capture.NewRecorder(capture.Config{
		SampleRate:   cfg.Capture.SampleRate,
		TargetRate:   cfg.Capture.TargetRate,
		Channels:     cfg.Capture.Channels,
		ChunkSamples: cfg.Capture.ChunkSamples,
		QueueDepth:   cfg.Capture.QueueDepth,
	})
	if err != nil {
		fatal(logger, "initialize audio", err)
	}

	provider, cleanup, err := buildProvider(ctx, cfg, source, logger)
	if err != nil {
		fatal(logger, "build provider", err)
	}
	defer cleanup()

	orchestrator := dictation.New(cfg.Dictation, provider, store, logger)
	defer orchestrator.Close()

	fmt.Printf("voxd-dictate %s (%s provider, %s mode)\n", version, providerName(cfg), cfg.Dictation.Mode)
	fmt.Println("press Enter to start/stop recording, q to quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "q" || line == "quit" {
			return
		}

		switch orchestrator.State() {
		case dictation.StateRecording:
			result, err := orchestrator.Stop(ctx)
			if err != nil {
				fmt.Printf("transcription failed: %v\n", err)
				continue
			}
			if result.Pending {
				if confirmText(scanner, result.Text) {
					text, _ := orchestrator.Confirm()
					fmt.Printf("inserted: %s\n", text)
				} else {
					orchestrator.Discard()
					fmt.Println("discarded")
				}
				continue
			}
			fmt.Printf("inserted: %s\n", result.Text)
		default:
			if err := orchestrator.Start(ctx); err != nil {
				fmt.Printf("could not start recording: %v\n", err)
				continue
			}
			fmt.Println("recording... press Enter to stop")
		}
	}
}

func buildProvider(ctx context.Context, cfg config.Config, source capture.Source, logger *slog.Logger) (dictation.Provider, func(), error) {
	if cfg.Dictation.Provider == "local" {
		recognizer, err := local.New(cfg.Local)
		if err != nil {
			return nil, nil, err
		}
		return dictation.NewLocalProvider(cfg.Capture.TargetRate, source, recognizer, logger), func() {}, nil
	}

	busClient, err := bus.Connect(ctx, cfg.Bus, logger)
	if err != nil {
		return nil, nil, err
	}
	transport, err := session.NewBusTransport(busClient.Conn(), logger)
	if err != nil {
		busClient.Close()
		return nil, nil, err
	}

	hooks := session.Hooks{
		Interim: func(text string) {
			fmt.Printf("\r\033[K… %s", text)
		},
		Segment: func(text string) {
			fmt.Printf("\r\033[K%s\n", text)
		},
	}
	client := session.NewClient(cfg.Provider, transport, hooks, logger)
	provider := dictation.NewCloudProvider(cfg.Provider, cfg.Capture, source, client, logger)
	return provider, func() { busClient.Close() }, nil
}

func confirmText(scanner *bufio.Scanner, text string) bool {
	fmt.Printf("transcript: %s\nkeep it? [y/N] ", text)
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}

func providerName(cfg config.Config) string {
	if cfg.Dictation.Provider == "" {
		return "cloud"
	}
	return cfg.Dictation.Provider
}

func fatal(logger *slog.Logger, action string, err error) {
	logger.Error(action, slog.String("error", err.Error()))
	fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
	os.Exit(1)
}
