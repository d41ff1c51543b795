package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tampabayelite/taylor/internal/config"
	"github.com/tampabayelite/taylor/internal/market"
	"github.com/tampabayelite/taylor/pkg/provider/live"
	livemock "github.com/tampabayelite/taylor/pkg/provider/live/mock"
	"github.com/tampabayelite/taylor/pkg/provider/llm"
	llmmock "github.com/tampabayelite/taylor/pkg/provider/llm/mock"
)

// ── helpers ──────────────────────────────────────────────────────────────────

const sampleYAML = `
server:
  listen_addr: ":8080"
  log_level: debug
  trace_sample_ratio: 0.5

providers:
  live:
    name: openai-realtime
    api_key: sk-test
    model: gpt-realtime
  llm:
    name: genai
    api_key: g-test
  llm_fallbacks:
    - name: openai
      api_key: sk-test
      model: gpt-4o-mini
    - name: ollama
      model: llama3.2
      options:
        keep_alive: 5m

assistant:
  voice: Puck
  greeting: Hello from the bay!
  max_tool_rounds: 2

audio:
  block_size: 2048
  max_lookahead: 5s
  input_device: USB

market:
  stats:
    - area: Seminole Heights
      avg_price: 520000
      growth: 6.1
      inventory: 30
`

// ── YAML loading ──────────────────────────────────────────────────────────────

func TestLoadFromReader_Valid(t *testing.T) {
	cfg, err := config.LoadFromReader(strings.NewReader(sampleYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("server.listen_addr: got %q, want %q", cfg.Server.ListenAddr, ":8080")
	}
	if cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server.log_level: got %q, want %q", cfg.Server.LogLevel, config.LogDebug)
	}
	if cfg.Providers.Live.Name != "openai-realtime" || cfg.Providers.Live.Model != "gpt-realtime" {
		t.Errorf("providers.live: got %+v", cfg.Providers.Live)
	}
	if len(cfg.Providers.LLMFallbacks) != 2 {
		t.Fatalf("providers.llm_fallbacks: got %d, want 2", len(cfg.Providers.LLMFallbacks))
	}
	if got := cfg.Providers.LLMFallbacks[1].Options["keep_alive"]; got != "5m" {
		t.Errorf("llm_fallbacks[1].options.keep_alive: got %v, want 5m", got)
	}
	if cfg.Assistant.Voice != "Puck" {
		t.Errorf("assistant.voice: got %q, want Puck", cfg.Assistant.Voice)
	}
	if cfg.Assistant.Instructions != config.DefaultInstructions {
		t.Error("assistant.instructions should default to the built-in persona")
	}
	if cfg.Audio.BlockSize != 2048 {
		t.Errorf("audio.block_size: got %d, want 2048", cfg.Audio.BlockSize)
	}
	if cfg.Audio.MaxLookahead != 5*time.Second {
		t.Errorf("audio.max_lookahead: got %s, want 5s", cfg.Audio.MaxLookahead)
	}
	if cfg.Audio.InputSampleRate != 16000 || cfg.Audio.OutputSampleRate != 24000 {
		t.Errorf("audio rates: got %d/%d, want 16000/24000", cfg.Audio.InputSampleRate, cfg.Audio.OutputSampleRate)
	}
}

func TestLoadFromReader_EmptyIsDefault(t *testing.T) {
	for _, doc := range []string{"", "{}"} {
		cfg, err := config.LoadFromReader(strings.NewReader(doc))
		if err != nil {
			t.Fatalf("LoadFromReader(%q): %v", doc, err)
		}
		want := config.Default()
		if cfg.Server != want.Server || cfg.Assistant != want.Assistant || cfg.Audio != want.Audio {
			t.Errorf("LoadFromReader(%q) = %+v, want defaults %+v", doc, cfg, want)
		}
		if cfg.Providers.Live.Name != config.DefaultLiveProvider {
			t.Errorf("providers.live.name: got %q, want %q", cfg.Providers.Live.Name, config.DefaultLiveProvider)
		}
		if cfg.Audio.MaxLookahead != config.DefaultMaxLookahead {
			t.Errorf("audio.max_lookahead: got %s, want %s", cfg.Audio.MaxLookahead, config.DefaultMaxLookahead)
		}
	}
}

func TestLoadFromReader_UnknownKey(t *testing.T) {
	_, err := config.LoadFromReader(strings.NewReader("listings: []\n"))
	if err == nil {
		t.Fatal("expected error for unknown top-level key, got nil")
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taylor.yaml")
	if err := os.WriteFile(path, []byte(sampleYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":8080" {
		t.Errorf("server.listen_addr: got %q", cfg.Server.ListenAddr)
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLogLevel(t *testing.T) {
	tests := []struct {
		level config.LogLevel
		valid bool
		slog  slog.Level
	}{
		{config.LogDebug, true, slog.LevelDebug},
		{config.LogInfo, true, slog.LevelInfo},
		{config.LogWarn, true, slog.LevelWarn},
		{config.LogError, true, slog.LevelError},
		{"verbose", false, slog.LevelInfo},
		{"", false, slog.LevelInfo},
	}
	for _, tc := range tests {
		if got := tc.level.IsValid(); got != tc.valid {
			t.Errorf("%q.IsValid() = %v, want %v", tc.level, got, tc.valid)
		}
		if got := tc.level.Level(); got != tc.slog {
			t.Errorf("%q.Level() = %v, want %v", tc.level, got, tc.slog)
		}
	}
}

// ── Market dataset ────────────────────────────────────────────────────────────

func TestMarketStats_Sources(t *testing.T) {
	inline := []market.Stat{{Area: "Ybor City", AvgPrice: 410000, Growth: 3.3, Inventory: 12}}

	dir := t.TempDir()
	file := filepath.Join(dir, "market.yaml")
	const fileYAML = `
stats:
  - area: Davis Islands
    avg_price: 1450000
    growth: 2.0
    inventory: 8
`
	if err := os.WriteFile(file, []byte(fileYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name     string
		cfg      config.MarketConfig
		wantArea string
		wantLen  int
	}{
		{name: "defaults", wantArea: market.Defaults()[0].Area, wantLen: len(market.Defaults())},
		{name: "inline", cfg: config.MarketConfig{Stats: inline}, wantArea: "Ybor City", wantLen: 1},
		{name: "file wins", cfg: config.MarketConfig{File: file, Stats: inline}, wantArea: "Davis Islands", wantLen: 1},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := config.Default()
			cfg.Market = tc.cfg
			stats, err := cfg.MarketStats()
			if err != nil {
				t.Fatalf("MarketStats: %v", err)
			}
			if len(stats) != tc.wantLen || stats[0].Area != tc.wantArea {
				t.Errorf("MarketStats = %+v, want %d records starting with %q", stats, tc.wantLen, tc.wantArea)
			}
		})
	}
}

func TestMarketStats_MissingFile(t *testing.T) {
	cfg := config.Default()
	cfg.Market.File = filepath.Join(t.TempDir(), "nope.yaml")
	if _, err := cfg.MarketStats(); err == nil {
		t.Fatal("expected error for missing market file")
	}
}

// ── Registry ─────────────────────────────────────────────────────────────────

func TestRegistry_Unknown(t *testing.T) {
	reg := config.NewRegistry()
	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "nonexistent"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLLM: expected ErrProviderNotRegistered, got: %v", err)
	}
	if _, err := reg.CreateLive(config.ProviderEntry{Name: "nonexistent"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateLive: expected ErrProviderNotRegistered, got: %v", err)
	}
}

func TestRegistry_RegisteredLLM(t *testing.T) {
	reg := config.NewRegistry()
	want := &llmmock.Provider{}
	var gotEntry config.ProviderEntry
	reg.RegisterLLM("stub", func(e config.ProviderEntry) (llm.Provider, error) {
		gotEntry = e
		return want, nil
	})
	got, err := reg.CreateLLM(config.ProviderEntry{Name: "stub", Model: "m1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
	if gotEntry.Model != "m1" {
		t.Errorf("factory received model %q, want m1", gotEntry.Model)
	}
}

func TestRegistry_RegisteredLive(t *testing.T) {
	reg := config.NewRegistry()
	want := &livemock.Provider{}
	reg.RegisterLive("stub", func(config.ProviderEntry) (live.Provider, error) {
		return want, nil
	})
	got, err := reg.CreateLive(config.ProviderEntry{Name: "stub"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != want {
		t.Error("returned provider is not the expected instance")
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	reg := config.NewRegistry()
	wantErr := errors.New("factory boom")
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) {
		return nil, wantErr
	})
	_, err := reg.CreateLLM(config.ProviderEntry{Name: "broken"})
	if !errors.Is(err, wantErr) {
		t.Errorf("expected factory error %v, got %v", wantErr, err)
	}
}

func TestRegistry_Names(t *testing.T) {
	reg := config.NewRegistry()
	for _, n := range []string{"openai", "anthropic", "genai"} {
		reg.RegisterLLM(n, func(config.ProviderEntry) (llm.Provider, error) { return nil, nil })
	}
	reg.RegisterLive("gemini-live", func(config.ProviderEntry) (live.Provider, error) { return nil, nil })

	if got := strings.Join(reg.LLMNames(), ","); got != "anthropic,genai,openai" {
		t.Errorf("LLMNames = %s", got)
	}
	if got := strings.Join(reg.LiveNames(), ","); got != "gemini-live" {
		t.Errorf("LiveNames = %s", got)
	}
}
