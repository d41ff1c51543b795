package app

import (
	"fmt"
	"log/slog"

	"github.com/tampabayelite/taylor/internal/config"
	"github.com/tampabayelite/taylor/internal/resilience"
	"github.com/tampabayelite/taylor/pkg/provider/live"
)

// Mode selects which providers [BuildProviders] constructs.
type Mode int

const (
	// ModeVoice builds the live provider.
	ModeVoice Mode = iota + 1

	// ModeChat builds the text provider and its fallbacks.
	ModeChat
)

// String returns the mode name used in logs and metrics.
func (m Mode) String() string {
	switch m {
	case ModeVoice:
		return "voice"
	case ModeChat:
		return "chat"
	default:
		return "unknown"
	}
}

// Providers holds the constructed backends. Nil means not built.
type Providers struct {
	Live live.Provider
	LLM  *resilience.LLMFallback
}

// BuildProviders constructs the providers mode needs from cfg via reg. LLM
// fallbacks that fail to build are skipped with a warning; the primary must
// build.
func BuildProviders(cfg *config.Config, reg *config.Registry, mode Mode) (*Providers, error) {
	ps := &Providers{}

	switch mode {
	case ModeVoice:
		entry := cfg.Providers.Live
		p, err := reg.CreateLive(entry)
		if err != nil {
			return nil, fmt.Errorf("app: create live provider %q: %w", entry.Name, err)
		}
		ps.Live = p
		slog.Info("provider created", "kind", "live", "name", entry.Name, "model", entry.Model)

	case ModeChat:
		entry := cfg.Providers.LLM
		primary, err := reg.CreateLLM(entry)
		if err != nil {
			return nil, fmt.Errorf("app: create llm provider %q: %w", entry.Name, err)
		}
		ps.LLM = resilience.NewLLMFallback(primary, entry.Name, resilience.FallbackConfig{})
		slog.Info("provider created", "kind", "llm", "name", entry.Name, "model", entry.Model)

		for _, fb := range cfg.Providers.LLMFallbacks {
			p, err := reg.CreateLLM(fb)
			if err != nil {
				slog.Warn("skipping llm fallback", "name", fb.Name, "err", err)
				continue
			}
			ps.LLM.AddFallback(fb.Name, p)
			slog.Info("provider created", "kind", "llm-fallback", "name", fb.Name, "model", fb.Model)
		}

	default:
		return nil, fmt.Errorf("app: unknown mode %d", mode)
	}
	return ps, nil
}
