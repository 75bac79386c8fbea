package viewengine

import (
	"errors"
	"testing"

	"viewengine/internal/pipeline"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("VIEW_CONFIGS", "")
	t.Setenv("SERIES", "")
	t.Setenv("HTTP_ADDR", "")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != ":9096" {
		t.Errorf("HTTPAddr = %q", cfg.HTTPAddr)
	}
	if cfg.ViewSpecsFromEnv {
		t.Error("ViewSpecsFromEnv should be false without VIEW_CONFIGS")
	}
	if len(cfg.ViewSpecs) != len(pipeline.DefaultSpecs()) {
		t.Errorf("expected default specs, got %v", cfg.ViewSpecs)
	}
	if len(cfg.Series) != 0 {
		t.Errorf("Series = %v", cfg.Series)
	}
}

func TestLoadConfig_Env(t *testing.T) {
	t.Setenv("VIEW_CONFIGS", "ECHO, TRENDFLEX:8@128")
	t.Setenv("SERIES", "A, B,,C")
	t.Setenv("SQLITE_PATH", "")
	t.Setenv("WARMUP_OBSERVATIONS", "500")
	t.Setenv("WS_REPLAY_BUFFER", "not-a-number")
	t.Setenv("CORS_ORIGINS", "http://localhost:3000,https://example.com")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.ViewSpecsFromEnv || len(cfg.ViewSpecs) != 2 || cfg.ViewSpecs[1].Name() != "TRENDFLEX_8_N128" {
		t.Errorf("ViewSpecs = %v (fromEnv=%v)", cfg.ViewSpecs, cfg.ViewSpecsFromEnv)
	}
	if len(cfg.Series) != 3 || cfg.Series[2] != "C" {
		t.Errorf("Series = %v", cfg.Series)
	}
	if cfg.SQLitePath != "" {
		t.Errorf("empty SQLITE_PATH should disable sqlite, got %q", cfg.SQLitePath)
	}
	if cfg.WarmupObservations != 500 {
		t.Errorf("WarmupObservations = %d", cfg.WarmupObservations)
	}
	if cfg.ReplayBuffer != 1000 {
		t.Errorf("invalid int should fall back, got %d", cfg.ReplayBuffer)
	}
	if len(cfg.CORSOrigins) != 2 {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestLoadConfig_InvalidViews(t *testing.T) {
	t.Setenv("VIEW_CONFIGS", "ECHO,BOGUS:3")
	_, err := LoadConfig()
	if !errors.Is(err, pipeline.ErrUnknownView) {
		t.Fatalf("expected ErrUnknownView, got %v", err)
	}
}
