package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Capture.SampleRate != 48000 || cfg.Capture.TargetRate != 16000 {
		t.Fatalf("unexpected capture defaults: %+v", cfg.Capture)
	}
	if cfg.Provider.StopGrace != 800 {
		t.Fatalf("expected 800ms stop grace default, got %d", cfg.Provider.StopGrace)
	}
	if len(cfg.Provider.BenignErrors) == 0 {
		t.Fatal("expected default benign error allow-list")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("VOXD_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("VOXD_PROVIDER_API_KEY", "sk-test")
	t.Setenv("VOXD_PROVIDER_REGION", "eu-west-1")
	t.Setenv("VOXD_PROVIDER_STOP_GRACE_MS", "1200")
	t.Setenv("VOXD_PROVIDER_VAD_THRESHOLD", "0.7")
	t.Setenv("VOXD_PROVIDER_BENIGN_ERRORS", "no audio, empty buffer")
	t.Setenv("VOXD_CAPTURE_CHUNK_SAMPLES", "2048")
	t.Setenv("VOXD_DICTATION_MODE", "confirm")
	t.Setenv("VOXD_RECOVERY_MIN_DURATION_MS", "250")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Provider.APIKey != "sk-test" || cfg.Provider.Region != "eu-west-1" {
		t.Fatalf("expected provider credential overrides, got %+v", cfg.Provider)
	}
	if cfg.Provider.StopGrace != 1200 {
		t.Fatalf("expected stop grace override, got %d", cfg.Provider.StopGrace)
	}
	if cfg.Provider.VADThreshold != 0.7 {
		t.Fatalf("expected vad threshold override, got %f", cfg.Provider.VADThreshold)
	}
	if len(cfg.Provider.BenignErrors) != 2 || cfg.Provider.BenignErrors[1] != "empty buffer" {
		t.Fatalf("expected benign error override, got %v", cfg.Provider.BenignErrors)
	}
	if cfg.Capture.ChunkSamples != 2048 {
		t.Fatalf("expected chunk samples override, got %d", cfg.Capture.ChunkSamples)
	}
	if cfg.Dictation.Mode != "confirm" {
		t.Fatalf("expected dictation mode override, got %s", cfg.Dictation.Mode)
	}
	if cfg.Recovery.MinDurationMS != 250 {
		t.Fatalf("expected recovery min duration override, got %d", cfg.Recovery.MinDurationMS)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty endpoint", func(c *Config) { c.Provider.Endpoint = "" }},
		{"zero stop grace", func(c *Config) { c.Provider.StopGrace = 0 }},
		{"threshold above one", func(c *Config) { c.Provider.VADThreshold = 1.5 }},
		{"target above capture rate", func(c *Config) { c.Capture.TargetRate = 96000 }},
		{"exec without command", func(c *Config) { c.Local.Mode = "exec" }},
		{"unknown dictation mode", func(c *Config) { c.Dictation.Mode = "hold" }},
		{"empty recovery dir", func(c *Config) { c.Recovery.Dir = "" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
