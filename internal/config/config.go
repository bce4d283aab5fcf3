package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Provider    ProviderConfig   `yaml:"provider"`
	Capture     CaptureConfig    `yaml:"capture"`
	Local       LocalConfig      `yaml:"local"`
	Dictation   DictationConfig  `yaml:"dictation"`
	Recovery    RecoveryConfig   `yaml:"recovery"`
	EventStore  EventStoreConfig `yaml:"event_store"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

// ProviderConfig describes the cloud ASR endpoint the session proxy
// streams audio to.
type ProviderConfig struct {
	Endpoint         string  `yaml:"endpoint"`
	APIKey           string  `yaml:"api_key"`
	Region           string  `yaml:"region"`
	Language         string  `yaml:"language"`
	ConnectTimeout   int     `yaml:"connect_timeout_ms"`
	StopGrace        int     `yaml:"stop_grace_ms"`
	CloseGrace       int     `yaml:"close_grace_ms"`
	VADThreshold     float64 `yaml:"vad_threshold"`
	VADPrefixPadding int     `yaml:"vad_prefix_padding_ms"`
	VADSilence       int     `yaml:"vad_silence_duration_ms"`
	// BenignErrors are substrings of provider error messages that mean
	// "nothing was said", not "something broke". Matched case-insensitively.
	BenignErrors []string `yaml:"benign_errors"`
}

type CaptureConfig struct {
	SampleRate   int `yaml:"sample_rate"`
	TargetRate   int `yaml:"target_rate"`
	Channels     int `yaml:"channels"`
	ChunkSamples int `yaml:"chunk_samples"`
	QueueDepth   int `yaml:"queue_depth"`
}

// LocalConfig configures the offline fallback recognizer.
type LocalConfig struct {
	Mode      string `yaml:"mode"` // mock, exec
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
}

type DictationConfig struct {
	Provider  string `yaml:"provider"` // cloud, local
	Mode      string `yaml:"mode"`     // auto, confirm
	ProjectID string `yaml:"project_id"`
}

type RecoveryConfig struct {
	Dir           string `yaml:"dir"`
	MinDurationMS int    `yaml:"min_duration_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

func Default() Config {
	return Config{
		RuntimeName: "voxd-runtime",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		Provider: ProviderConfig{
			Endpoint:         "wss://asr.example.com/v1/realtime",
			Region:           "us-east-1",
			Language:         "en-US",
			ConnectTimeout:   10000,
			StopGrace:        800,
			CloseGrace:       700,
			VADThreshold:     0.5,
			VADPrefixPadding: 300,
			VADSilence:       500,
			BenignErrors:     []string{"no audio", "audio is empty"},
		},
		Capture: CaptureConfig{
			SampleRate:   48000,
			TargetRate:   16000,
			Channels:     1,
			ChunkSamples: 1024,
			QueueDepth:   64,
		},
		Local: LocalConfig{
			Mode: "mock",
		},
		Dictation: DictationConfig{
			Provider:  "cloud",
			Mode:      "auto",
			ProjectID: "default",
		},
		Recovery: RecoveryConfig{
			Dir:           "./data/recovery",
			MinDurationMS: 500,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voxd-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "VOXD_RUNTIME_NAME")
	overrideString(&cfg.Environment, "VOXD_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "VOXD_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "VOXD_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "VOXD_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "VOXD_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "VOXD_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "VOXD_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "VOXD_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "VOXD_BUS_PORT")
	overrideStringSlice(&cfg.Bus.Servers, "VOXD_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "VOXD_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "VOXD_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "VOXD_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "VOXD_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "VOXD_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Provider.Endpoint, "VOXD_PROVIDER_ENDPOINT")
	overrideString(&cfg.Provider.APIKey, "VOXD_PROVIDER_API_KEY")
	overrideString(&cfg.Provider.Region, "VOXD_PROVIDER_REGION")
	overrideString(&cfg.Provider.Language, "VOXD_PROVIDER_LANGUAGE")
	overrideInt(&cfg.Provider.ConnectTimeout, "VOXD_PROVIDER_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Provider.StopGrace, "VOXD_PROVIDER_STOP_GRACE_MS")
	overrideInt(&cfg.Provider.CloseGrace, "VOXD_PROVIDER_CLOSE_GRACE_MS")
	overrideFloat(&cfg.Provider.VADThreshold, "VOXD_PROVIDER_VAD_THRESHOLD")
	overrideInt(&cfg.Provider.VADPrefixPadding, "VOXD_PROVIDER_VAD_PREFIX_PADDING_MS")
	overrideInt(&cfg.Provider.VADSilence, "VOXD_PROVIDER_VAD_SILENCE_DURATION_MS")
	overrideStringSlice(&cfg.Provider.BenignErrors, "VOXD_PROVIDER_BENIGN_ERRORS")
	overrideInt(&cfg.Capture.SampleRate, "VOXD_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.TargetRate, "VOXD_CAPTURE_TARGET_RATE")
	overrideInt(&cfg.Capture.Channels, "VOXD_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.ChunkSamples, "VOXD_CAPTURE_CHUNK_SAMPLES")
	overrideInt(&cfg.Capture.QueueDepth, "VOXD_CAPTURE_QUEUE_DEPTH")
	overrideString(&cfg.Local.Mode, "VOXD_LOCAL_MODE")
	overrideString(&cfg.Local.Command, "VOXD_LOCAL_COMMAND")
	overrideString(&cfg.Local.ModelPath, "VOXD_LOCAL_MODEL_PATH")
	overrideString(&cfg.Local.Language, "VOXD_LOCAL_LANGUAGE")
	overrideString(&cfg.Dictation.Provider, "VOXD_DICTATION_PROVIDER")
	overrideString(&cfg.Dictation.Mode, "VOXD_DICTATION_MODE")
	overrideString(&cfg.Dictation.ProjectID, "VOXD_DICTATION_PROJECT_ID")
	overrideString(&cfg.Recovery.Dir, "VOXD_RECOVERY_DIR")
	overrideInt(&cfg.Recovery.MinDurationMS, "VOXD_RECOVERY_MIN_DURATION_MS")
	overrideString(&cfg.EventStore.Path, "VOXD_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "VOXD_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "VOXD_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "VOXD_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "VOXD_EVENT_STORE_VACUUM_ON_START")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Provider.Endpoint == "" {
		return errors.New("provider.endpoint must not be empty")
	}
	if cfg.Provider.ConnectTimeout <= 0 {
		return errors.New("provider.connect_timeout_ms must be positive")
	}
	if cfg.Provider.StopGrace <= 0 {
		return errors.New("provider.stop_grace_ms must be positive")
	}
	if cfg.Provider.CloseGrace <= 0 {
		return errors.New("provider.close_grace_ms must be positive")
	}
	if cfg.Provider.VADThreshold < 0 || cfg.Provider.VADThreshold > 1 {
		return errors.New("provider.vad_threshold must be between 0 and 1")
	}
	if cfg.Capture.SampleRate <= 0 {
		return errors.New("capture.sample_rate must be positive")
	}
	if cfg.Capture.TargetRate <= 0 {
		return errors.New("capture.target_rate must be positive")
	}
	if cfg.Capture.TargetRate > cfg.Capture.SampleRate {
		return errors.New("capture.target_rate must not exceed capture.sample_rate")
	}
	if cfg.Capture.Channels <= 0 {
		return errors.New("capture.channels must be positive")
	}
	if cfg.Capture.ChunkSamples <= 0 {
		return errors.New("capture.chunk_samples must be positive")
	}
	if cfg.Capture.QueueDepth <= 0 {
		return errors.New("capture.queue_depth must be positive")
	}
	switch cfg.Local.Mode {
	case "mock", "exec":
	default:
		return errors.New("local.mode must be one of mock|exec")
	}
	if cfg.Local.Mode == "exec" && cfg.Local.Command == "" {
		return errors.New("local.command must be set when mode=exec")
	}
	switch cfg.Dictation.Provider {
	case "cloud", "local":
	default:
		return errors.New("dictation.provider must be one of cloud|local")
	}
	switch cfg.Dictation.Mode {
	case "auto", "confirm":
	default:
		return errors.New("dictation.mode must be one of auto|confirm")
	}
	if cfg.Dictation.ProjectID == "" {
		return errors.New("dictation.project_id must not be empty")
	}
	if cfg.Recovery.Dir == "" {
		return errors.New("recovery.dir must not be empty")
	}
	if cfg.Recovery.MinDurationMS < 0 {
		return errors.New("recovery.min_duration_ms must be >= 0")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	return nil
}
