// Package config provides the configuration schema, loader, provider
// registry, and hot-reload watcher for the Taylor concierge.
package config

import (
	"log/slog"
	"time"

	"github.com/tampabayelite/taylor/internal/market"
	"github.com/tampabayelite/taylor/pkg/audio"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level converts l to a slog level. Unknown and empty values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [Config.ApplyDefaults].
const (
	DefaultListenAddr    = ":9090"
	DefaultLiveProvider  = "gemini-live"
	DefaultLLMProvider   = "genai"
	DefaultAssistantName = "Taylor"
	DefaultVoice         = "Kore"
	DefaultMaxLookahead  = 20 * time.Second
)

// DefaultInstructions is the assistant persona used when none is configured.
const DefaultInstructions = `You are Taylor, an Expert Real Estate Concierge from "Tampa Bay Elite Realty".
Location: Tampa, Florida.

CORE UPDATES:
- We offer a "7-Day Perfect Match Trial": We search exclusively for 7 days to find the user's dream home.
- Our Fee: 2% commission on the final transaction value.
- Service Range: Buying, Selling, Renting, Leasing, and Single-Day stays.
- Budget Focus: Find "Budgetly" matches, high value at competitive price points.
- Privacy: Never reveal specific owner contact details in chat. Redirect users to the "Request Details" button on the listing.

IDENTITY & TONE:
- Professional, energetic, local expert.
- Consultative, not salesy. Focus on finding value.

CONVERSATION FLOW:
1. GREETING: "Hi, this is Taylor from Tampa Bay Elite! I'm ready to find your perfect match today. Are you looking to buy, rent, or perhaps a single-day stay?"
2. TRIAL PITCH: "We offer a 7-day dedicated search trial to ensure we find exactly what fits your budget."
3. BUDGET: Always run the numbers using 'get_market_data' to ensure they get the best market price.
`

// DefaultGreeting is shown when a text chat starts.
const DefaultGreeting = "Hi! I'm Taylor, your Tampa Bay real estate concierge. How can I help you today?"

// Config is the root configuration. Load it with [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Assistant AssistantConfig `yaml:"assistant"`
	Audio     AudioConfig     `yaml:"audio"`
	Market    MarketConfig    `yaml:"market"`
}

// ServerConfig holds the health and metrics listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the address of the /healthz, /readyz and /metrics
	// server. "off" disables it.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel LogLevel `yaml:"log_level"`

	// TraceSampleRatio is the fraction of traces recorded, in [0, 1].
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// ProvidersConfig selects the backends.
type ProvidersConfig struct {
	// Live is the bidirectional audio backend for voice mode.
	Live ProviderEntry `yaml:"live"`

	// LLM is the text model for chat mode.
	LLM ProviderEntry `yaml:"llm"`

	// LLMFallbacks are tried in order when LLM fails.
	LLMFallbacks []ProviderEntry `yaml:"llm_fallbacks"`
}

// ProviderEntry is the configuration shared by all provider kinds. Name
// selects the factory in the [Registry].
type ProviderEntry struct {
	Name    string `yaml:"name"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`

	// Options holds provider-specific settings.
	Options map[string]any `yaml:"options"`
}

// AssistantConfig describes the persona.
type AssistantConfig struct {
	Name         string `yaml:"name"`
	Voice        string `yaml:"voice"`
	Instructions string `yaml:"instructions"`
	Greeting     string `yaml:"greeting"`

	// MaxToolRounds bounds tool use per chat message. Zero means the
	// package default.
	MaxToolRounds int `yaml:"max_tool_rounds"`
}

// AudioConfig tunes capture and playback.
type AudioConfig struct {
	InputSampleRate  int           `yaml:"input_sample_rate"`
	OutputSampleRate int           `yaml:"output_sample_rate"`
	BlockSize        int           `yaml:"block_size"`
	MaxLookahead     time.Duration `yaml:"max_lookahead"`

	// InputDevice selects a microphone by name substring.
	InputDevice string `yaml:"input_device"`
}

// MarketConfig supplies the neighborhood dataset. File takes precedence over
// Stats; with neither, the built-in records are used.
type MarketConfig struct {
	File  string        `yaml:"file"`
	Stats []market.Stat `yaml:"stats"`
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}
	if c.Providers.Live.Name == "" {
		c.Providers.Live.Name = DefaultLiveProvider
	}
	if c.Providers.LLM.Name == "" {
		c.Providers.LLM.Name = DefaultLLMProvider
	}
	if c.Assistant.Name == "" {
		c.Assistant.Name = DefaultAssistantName
	}
	if c.Assistant.Voice == "" {
		c.Assistant.Voice = DefaultVoice
	}
	if c.Assistant.Instructions == "" {
		c.Assistant.Instructions = DefaultInstructions
	}
	if c.Assistant.Greeting == "" {
		c.Assistant.Greeting = DefaultGreeting
	}
	if c.Audio.InputSampleRate == 0 {
		c.Audio.InputSampleRate = audio.InputSampleRate
	}
	if c.Audio.OutputSampleRate == 0 {
		c.Audio.OutputSampleRate = audio.OutputSampleRate
	}
	if c.Audio.BlockSize == 0 {
		c.Audio.BlockSize = audio.CaptureBlockSize
	}
	if c.Audio.MaxLookahead == 0 {
		c.Audio.MaxLookahead = DefaultMaxLookahead
	}
}

// Default returns a config with every default applied.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

// MarketStats resolves the configured dataset.
func (c *Config) MarketStats() ([]market.Stat, error) {
	switch {
	case c.Market.File != "":
		return market.LoadFile(c.Market.File)
	case len(c.Market.Stats) > 0:
		return c.Market.Stats, nil
	default:
		return market.Defaults(), nil
	}
}
