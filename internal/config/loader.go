package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tampabayelite/taylor/internal/market"
)

// ValidProviderNames lists the built-in provider names per kind. [Validate]
// warns about names outside this list, which may belong to providers
// registered by an embedding program.
var ValidProviderNames = map[string][]string{
	"live": {"gemini-live", "openai-realtime"},
	"llm":  {"genai", "openai", "anthropic", "deepseek", "gemini", "groq", "llamacpp", "llamafile", "mistral", "ollama"},
}

// Load reads, defaults, and validates the YAML file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r, applies defaults, and validates the
// result. Unknown keys are rejected. An empty document yields [Default].
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse is [LoadFromReader] over an in-memory document.
func Parse(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// Validate checks cfg and returns every problem found, joined.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if r := cfg.Server.TraceSampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %.2f is out of range [0, 1]", r))
	}

	warnUnknownProvider("live", cfg.Providers.Live.Name)
	warnUnknownProvider("llm", cfg.Providers.LLM.Name)
	seen := map[string]int{}
	for i, fb := range cfg.Providers.LLMFallbacks {
		prefix := fmt.Sprintf("providers.llm_fallbacks[%d]", i)
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		key := fb.Name + "/" + fb.Model
		if prev, ok := seen[key]; ok {
			errs = append(errs, fmt.Errorf("%s duplicates providers.llm_fallbacks[%d] (%s)", prefix, prev, key))
		}
		seen[key] = i
		warnUnknownProvider("llm", fb.Name)
	}

	if strings.TrimSpace(cfg.Assistant.Instructions) == "" {
		errs = append(errs, errors.New("assistant.instructions must not be blank"))
	}
	if cfg.Assistant.MaxToolRounds < 0 {
		errs = append(errs, fmt.Errorf("assistant.max_tool_rounds %d must not be negative", cfg.Assistant.MaxToolRounds))
	}

	a := cfg.Audio
	if a.InputSampleRate < 8000 || a.InputSampleRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d is out of range [8000, 48000]", a.InputSampleRate))
	}
	if a.OutputSampleRate < 8000 || a.OutputSampleRate > 48000 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d is out of range [8000, 48000]", a.OutputSampleRate))
	}
	if a.BlockSize < 256 || a.BlockSize > 16384 {
		errs = append(errs, fmt.Errorf("audio.block_size %d is out of range [256, 16384]", a.BlockSize))
	}
	if a.MaxLookahead < 0 {
		errs = append(errs, fmt.Errorf("audio.max_lookahead %s must not be negative", a.MaxLookahead))
	}

	if cfg.Market.File != "" && len(cfg.Market.Stats) > 0 {
		slog.Warn("config: market.file and market.stats are both set; market.stats is ignored")
	}
	if len(cfg.Market.Stats) > 0 {
		if err := market.Validate(cfg.Market.Stats); err != nil {
			errs = append(errs, fmt.Errorf("market.stats: %w", err))
		}
	}

	return errors.Join(errs...)
}

func warnUnknownProvider(kind, name string) {
	if name == "" || slices.Contains(ValidProviderNames[kind], name) {
		return
	}
	slog.Warn("config: unknown provider name, may be a typo or a custom provider",
		"kind", kind, "name", name, "known", ValidProviderNames[kind])
}
