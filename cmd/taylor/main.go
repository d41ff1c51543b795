// Command taylor runs the Tampa Bay Elite real estate concierge, either as a
// live voice conversation on the local microphone and speaker or as a text
// chat on stdin and stdout.
//
// Usage:
//
//	taylor [-config taylor.yaml] voice
//	taylor [-config taylor.yaml] chat
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/tampabayelite/taylor/internal/app"
	"github.com/tampabayelite/taylor/internal/chat"
	"github.com/tampabayelite/taylor/internal/config"
	"github.com/tampabayelite/taylor/internal/observe"
	"github.com/tampabayelite/taylor/internal/transcript"
	"github.com/tampabayelite/taylor/internal/voice"
	"github.com/tampabayelite/taylor/pkg/provider/live"
	geminilive "github.com/tampabayelite/taylor/pkg/provider/live/gemini"
	openailive "github.com/tampabayelite/taylor/pkg/provider/live/openai"
	"github.com/tampabayelite/taylor/pkg/provider/llm"
	"github.com/tampabayelite/taylor/pkg/provider/llm/anyllm"
	"github.com/tampabayelite/taylor/pkg/provider/llm/genai"
	openaillm "github.com/tampabayelite/taylor/pkg/provider/llm/openai"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	fs := flag.NewFlagSet("taylor", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML configuration file (defaults are used when empty)")
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "usage: taylor [-config file] voice|chat\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(os.Args[1:]); err != nil {
		return 2
	}
	var mode app.Mode
	switch fs.Arg(0) {
	case "voice":
		mode = app.ModeVoice
	case "chat":
		mode = app.ModeChat
	default:
		fs.Usage()
		return 2
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "taylor: %v\n", err)
			return 1
		}
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("taylor starting",
		"version", version,
		"mode", mode,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion:   version,
		TraceSampleRatio: cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := telemetry.Shutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(ctx, reg)

	providers, err := app.BuildProviders(cfg, reg, mode)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	// ── Application ───────────────────────────────────────────────────────────
	ui := &console{out: os.Stdout}
	application, err := app.New(ctx, cfg, providers,
		app.WithLevelVar(level),
		app.WithMetricsHandler(telemetry.Handler()),
		app.WithVoiceCallbacks(ui.state, nil, ui.message),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	serveCtx, cancelServe := context.WithCancel(ctx)
	defer cancelServe()
	served := make(chan error, 1)
	go func() { served <- application.Run(serveCtx) }()

	if *configPath != "" {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			go func() { _ = w.Run(serveCtx) }()
			go reloadOnHangup(serveCtx, w)
		}
	}

	var runErr error
	switch mode {
	case app.ModeVoice:
		runErr = runVoice(ctx, application.Voice(), ui)
	case app.ModeChat:
		runErr = runChat(ctx, application.Chat(), cfg.Assistant.Greeting, os.Stdin, os.Stdout)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	cancelServe()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	code := 0
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("session ended with error", "err", runErr)
		code = 1
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := <-served; err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("http server error", "err", err)
		code = 1
	}
	slog.Info("goodbye")
	return code
}

// reloadOnHangup re-reads the config file each time the process receives
// SIGHUP, without waiting for the next poll.
func reloadOnHangup(ctx context.Context, w *config.Watcher) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
			changed, err := w.Reload()
			switch {
			case err != nil:
				slog.Warn("config reload rejected", "path", w.Path(), "err", err)
			case !changed:
				slog.Info("config unchanged", "path", w.Path())
			}
		}
	}
}

// ── Modes ─────────────────────────────────────────────────────────────────────

// runVoice starts the live session and waits until ctx ends or the session
// closes on its own.
func runVoice(ctx context.Context, s *voice.Session, ui *console) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	ui.printf("Listening. Press Ctrl+C to end the session.\n")
	select {
	case <-ctx.Done():
		s.Stop()
		return ctx.Err()
	case <-s.Done():
		return s.Err()
	}
}

// runChat reads one message per line from in until EOF or ctx ends. "/reset"
// clears the conversation.
func runChat(ctx context.Context, c *chat.Concierge, greeting string, in io.Reader, out io.Writer) error {
	fmt.Fprintf(out, "Taylor: %s\n", greeting)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		fmt.Fprint(out, "> ")
		var line string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l, ok := <-lines:
			if !ok {
				return nil
			}
			line = l
		}

		switch strings.TrimSpace(line) {
		case "":
			continue
		case "/reset":
			c.Reset()
			fmt.Fprintf(out, "Taylor: %s\n", greeting)
			continue
		}
		reply, err := c.Send(ctx, line)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Taylor: %s\n", reply)
	}
}

// ── Console ───────────────────────────────────────────────────────────────────

type console struct {
	out io.Writer
}

func (c *console) printf(format string, args ...any) {
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) state(s voice.State, err error) {
	status := voice.StatusOf(s, err)
	if err != nil {
		c.printf("[%s] %v\n", status, err)
		return
	}
	c.printf("[%s]\n", status)
}

func (c *console) message(m transcript.Message) {
	who := "You"
	if m.Speaker == transcript.Assistant {
		who = "Taylor"
	}
	c.printf("%s: %s\n", who, m.Text)
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires every provider that ships with Taylor into
// reg.
func registerBuiltinProviders(ctx context.Context, reg *config.Registry) {
	// ── Live ──────────────────────────────────────────────────────────────────
	reg.RegisterLive("gemini-live", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(apiKey(entry, "GEMINI_API_KEY"), opts...), nil
	})

	reg.RegisterLive("openai-realtime", func(entry config.ProviderEntry) (live.Provider, error) {
		var opts []openailive.Option
		if entry.Model != "" {
			opts = append(opts, openailive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, openailive.WithBaseURL(entry.BaseURL))
		}
		return openailive.New(apiKey(entry, "OPENAI_API_KEY"), opts...), nil
	})

	// ── LLM ───────────────────────────────────────────────────────────────────
	reg.RegisterLLM("genai", func(entry config.ProviderEntry) (llm.Provider, error) {
		model := entry.Model
		if model == "" {
			model = genai.DefaultModel
		}
		var opts []genai.Option
		if entry.BaseURL != "" {
			opts = append(opts, genai.WithBaseURL(entry.BaseURL))
		}
		p, err := genai.New(ctx, apiKey(entry, "GEMINI_API_KEY"), model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openaillm.Option
		if entry.BaseURL != "" {
			opts = append(opts, openaillm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openaillm.WithOrganization(org))
		}
		if d, err := time.ParseDuration(optString(entry.Options, "timeout")); err == nil {
			opts = append(opts, openaillm.WithTimeout(d))
		}
		p, err := openaillm.New(apiKey(entry, "OPENAI_API_KEY"), entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// The remaining vendors go through any-llm-go. Without an API key each
	// backend reads its own vendor environment variable.
	for _, name := range anyllm.Supported() {
		if name == "openai" {
			continue
		}
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(name, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	slog.Debug("registered providers", "live", reg.LiveNames(), "llm", reg.LLMNames())
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// apiKey returns entry.APIKey, falling back to the environment variable env.
func apiKey(entry config.ProviderEntry, env string) string {
	if entry.APIKey != "" {
		return entry.APIKey
	}
	return os.Getenv(env)
}

// optString extracts a string from a provider Options map. It returns "" for
// a nil map, a missing key, or a non-string value.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}
