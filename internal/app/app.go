// Package app wires all parley subsystems into a running voice client.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the background loops and the HTTP server, and
// Shutdown tears everything down in order.
//
// For testing, inject doubles via functional options (WithBackend,
// WithIdentityStore, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/assistant"
	"github.com/MrWong99/parley/internal/avatar"
	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/conversation"
	"github.com/MrWong99/parley/internal/display"
	"github.com/MrWong99/parley/internal/health"
	"github.com/MrWong99/parley/internal/identity"
	"github.com/MrWong99/parley/internal/observe"
	"github.com/MrWong99/parley/internal/phrase"
	"github.com/MrWong99/parley/internal/recording"
	"github.com/MrWong99/parley/internal/resilience"
	"github.com/MrWong99/parley/internal/segment"
	"github.com/MrWong99/parley/internal/wakeword"
	"github.com/MrWong99/parley/pkg/audio"
	"github.com/MrWong99/parley/pkg/audio/playback"
	"github.com/MrWong99/parley/pkg/vad"
)

// Devices holds the audio hardware. Populated by main.go via the config
// registry.
type Devices struct {
	Capture audio.CaptureDevice
	Player  audio.Player
}

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	devices Devices

	level          *slog.LevelVar
	metrics        *observe.Metrics
	metricsHandler http.Handler
	watchPath      string
	watchInterval  time.Duration

	// Subsystems, initialised in New and torn down in Shutdown.
	backend  assistant.Backend
	breakers func() []resilience.EntryStatus
	ids      identity.Store
	pinger   func(context.Context) error
	recorder *recording.Recorder
	playback *playback.Queue
	hub      *display.Hub
	ctrl     *conversation.Controller
	gate     *wakeword.Gate
	watcher  *config.Watcher
	server   *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBackend injects an assistant backend instead of creating HTTP clients
// from config.
func WithBackend(b assistant.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithIdentityStore injects an identity store instead of creating one from
// config.
func WithIdentityStore(s identity.Store) Option {
	return func(a *App) { a.ids = s }
}

// WithMetrics records metrics on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets config reloads change the log level of the handler
// built on lv.
func WithLevelVar(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithMetricsHandler serves h on /metrics instead of the default Prometheus
// registry handler.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithConfigWatch polls the config file at path and applies hot-reloadable
// changes. A zero interval uses the watcher default.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.watchPath = path
		a.watchInterval = interval
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Devices come from
// main.go. New performs all initialisation synchronously: backend clients,
// identity store, recorder, playback, conversation controller and wake gate.
func New(ctx context.Context, cfg *config.Config, devices Devices, opts ...Option) (*App, error) {
	if devices.Capture == nil || devices.Player == nil {
		return nil, errors.New("app: capture device and player are required")
	}
	a := &App{cfg: cfg, devices: devices}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Slog())
	}

	if err := a.initBackend(); err != nil {
		return nil, fmt.Errorf("app: init backend: %w", err)
	}
	if err := a.initIdentity(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init identity: %w", err)
	}
	if err := a.initConversation(); err != nil {
		a.close()
		return nil, fmt.Errorf("app: init conversation: %w", err)
	}
	if err := a.ctrl.LoadIdentity(ctx); err != nil {
		slog.Warn("starting without stored identity", "err", err)
	}
	a.initWakeWord()
	if a.watchPath != "" {
		w, err := config.NewWatcher(a.watchPath, a.reload, config.WithInterval(a.watchInterval))
		if err != nil {
			a.close()
			return nil, fmt.Errorf("app: %w", err)
		}
		a.watcher = w
	}
	a.initServer()
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initBackend creates one HTTP client per configured base URL behind a
// circuit-breaking fallback group.
func (a *App) initBackend() error {
	if a.backend != nil {
		return nil
	}
	ac := a.cfg.Assistant
	clientOpts := []assistant.Option{
		assistant.WithLanguage(ac.Language),
		assistant.WithMetrics(a.metrics),
	}
	if ac.APIKey != "" {
		clientOpts = append(clientOpts, assistant.WithAPIKey(ac.APIKey))
	}

	primary, err := assistant.New(ac.BaseURL, clientOpts...)
	if err != nil {
		return err
	}
	fb := resilience.NewAssistantFallback(primary, "primary", resilience.FallbackConfig{
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  ac.CircuitBreaker.MaxFailures,
			ResetTimeout: config.Ms(ac.CircuitBreaker.ResetTimeoutMs),
			HalfOpenMax:  ac.CircuitBreaker.HalfOpenMax,
			OnStateChange: func(name string, from, to resilience.State) {
				slog.Warn("assistant circuit breaker changed state", "backend", name, "from", from, "to", to)
			},
		},
	})
	for i, u := range ac.FallbackURLs {
		c, err := assistant.New(u, clientOpts...)
		if err != nil {
			return fmt.Errorf("fallback %d: %w", i, err)
		}
		fb.AddFallback(fmt.Sprintf("fallback-%d", i+1), c)
	}
	a.backend = fb
	a.breakers = fb.Status
	return nil
}

// initIdentity opens the PostgreSQL identity store, or keeps the ids in
// memory when no DSN is configured.
func (a *App) initIdentity(ctx context.Context) error {
	if a.ids != nil {
		return nil
	}
	ic := a.cfg.Identity
	if ic.PostgresDSN == "" {
		a.ids = identity.NewMemStore(identity.Identity{ThreadID: ic.ThreadID, AssistantID: ic.AssistantID})
		return nil
	}

	pg, err := identity.NewPostgres(ctx, ic.PostgresDSN, ic.Profile)
	if err != nil {
		return err
	}
	a.closers = append(a.closers, func() error { pg.Close(); return nil })
	a.ids = pg
	a.pinger = pg.Ping

	// Seed an empty profile from config.
	cur, err := pg.Load(ctx)
	if err != nil {
		return err
	}
	if cur.AssistantID == "" && ic.AssistantID != "" {
		if err := pg.SetAssistantID(ctx, ic.AssistantID); err != nil {
			return err
		}
	}
	if cur.ThreadID == "" && ic.ThreadID != "" {
		if err := pg.SetThreadID(ctx, ic.ThreadID); err != nil {
			return err
		}
	}
	return nil
}

// initConversation builds the recorder, playback queue, display and
// controller. The recorder and playback hooks call into the controller, which
// is assigned before any of them can fire.
func (a *App) initConversation() error {
	cfg := a.cfg
	format := audio.Format{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels}
	frame := config.Ms(cfg.Audio.FrameMs)

	det, err := vad.New(vad.Config{
		CalibrationFrames:    cfg.VAD.CalibrationFrames,
		MinCalibrationFrames: cfg.VAD.MinCalibrationFrames,
		SpikeRatio:           cfg.VAD.SpikeRatio,
		StartDelta:           cfg.VAD.StartDelta,
		StopDelta:            cfg.VAD.StopDelta,
	})
	if err != nil {
		return err
	}

	var mutedBoost float64
	if cfg.Conversation.BargeIn {
		mutedBoost = cfg.VAD.MutedBoost
	}
	rec, err := recording.New(a.devices.Capture, det, recording.Config{
		Format:       format,
		FrameSize:    frame,
		TickInterval: config.Ms(cfg.Audio.TickMs),
		Segment: segment.Config{
			FrameInterval:    frame,
			SustainedFrames:  cfg.Segmenter.SustainedFrames,
			EarlyPhase:       config.Ms(cfg.Segmenter.EarlyPhaseMs),
			EarlySilence:     config.Ms(cfg.Segmenter.EarlySilenceMs),
			Silence:          config.Ms(cfg.Segmenter.SilenceMs),
			MinVoiceDuration: config.Ms(cfg.Segmenter.MinVoiceMs),
			MaxRecording:     config.Ms(cfg.Segmenter.MaxRecordingMs),
			MinVoicedFloor:   config.Ms(cfg.Segmenter.MinVoicedFloorMs),
		},
		MutedBoost: mutedBoost,
	},
		recording.WithOnEvent(func(ev segment.Event) { a.ctrl.HandleSegmentEvent(ev) }),
		recording.WithOnDeviceError(func(err error) { a.ctrl.HandleDeviceError(err) }),
	)
	if err != nil {
		return err
	}
	a.recorder = rec

	hubOpts := []display.HubOption{
		display.WithHistory(cfg.Display.History),
		display.WithHubMetrics(a.metrics),
	}
	if len(cfg.Display.AllowedOrigins) > 0 {
		hubOpts = append(hubOpts, display.WithOriginPatterns(cfg.Display.AllowedOrigins...))
	}
	a.hub = display.NewHub(hubOpts...)
	av := avatar.Safe(a.hub)
	a.closers = append(a.closers, av.Close)

	a.playback = playback.New(a.devices.Player,
		playback.WithGap(config.Ms(cfg.Audio.PlaybackGapMs)),
		playback.WithMuter(rec),
		playback.WithOnStart(func(it playback.Item) { a.ctrl.PlaybackStarted(it) }),
		playback.WithOnFinish(func(it playback.Item, err error) { a.ctrl.PlaybackFinished(it, err) }),
	)

	a.ctrl, err = conversation.New(conversation.Deps{
		Recorder:    rec,
		Playback:    a.playback,
		Backend:     a.backend,
		Display:     display.Multi{display.NewLog(slog.Default()), a.hub},
		Avatar:      av,
		Identity:    a.ids,
		ExitPhrases: phrase.New(cfg.Conversation.ExitPhrases),
	}, conversation.Config{
		Language:          cfg.Assistant.Language,
		Greeting:          cfg.Conversation.Greeting,
		Apology:           cfg.Conversation.Apology,
		RequestTimeout:    config.Ms(cfg.Assistant.TimeoutMs),
		DrainTimeout:      config.Ms(cfg.Conversation.DrainTimeoutMs),
		RateLimitCooldown: config.Ms(cfg.Assistant.RateLimitCooldownMs),
		IdleRecordings:    cfg.Conversation.IdleRecordings,
		BargeIn:           cfg.Conversation.BargeIn,
	}, conversation.WithMetrics(a.metrics))
	if err != nil {
		_ = a.playback.Close()
		return err
	}
	return nil
}

// initWakeWord starts the wake-word gate when enabled. The gate is kicked on
// every return to Idle so it does not wait for its next poll.
func (a *App) initWakeWord() {
	if !a.cfg.WakeWord.Enabled {
		return
	}
	a.gate = wakeword.New(a.recorder, a.backend, a.ctrl.CanListenForWakeWord, a.ctrl.Wake, wakeword.Config{
		Format:        audio.Format{SampleRate: a.cfg.Audio.SampleRate, Channels: a.cfg.Audio.Channels},
		BurstDuration: config.Ms(a.cfg.WakeWord.BurstMs),
		RetryBackoff:  config.Ms(a.cfg.WakeWord.RetryBackoffMs),
	}, wakeword.WithMetrics(a.metrics))
	a.ctrl.Machine().Subscribe(func(tr conversation.Transition) {
		if tr.To == conversation.Idle {
			a.gate.Kick()
		}
	})
}

// initServer builds the HTTP server: probes, metrics, the display websocket
// and the control API.
func (a *App) initServer() {
	mux := http.NewServeMux()

	checkers := []health.Checker{health.Dependency("assistant", a.backend)}
	if a.breakers != nil {
		checkers = append(checkers, health.Breakers(a.breakers))
	}
	if a.pinger != nil {
		checkers = append(checkers, health.Checker{Name: "identity", Check: a.pinger})
	}
	health.New(checkers...).Register(mux)

	metrics := a.metricsHandler
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	mux.Handle("GET /metrics", metrics)
	mux.Handle("GET /ws", a.hub)
	newControlAPI(a.ctrl).Register(mux)

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Controller returns the conversation controller.
func (a *App) Controller() *conversation.Controller { return a.ctrl }

// Handler returns the HTTP handler served on the listen address.
func (a *App) Handler() http.Handler { return a.server.Handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the wake-word gate, the config watcher and the HTTP server and
// blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.gate != nil {
		g.Go(func() error { return a.gate.Run(gctx) })
	} else {
		slog.Info("wake word disabled; start conversations with POST /api/conversation/wake")
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	if a.cfg.Server.ListenAddr != "" {
		g.Go(func() error {
			slog.Info("http server listening", "addr", a.server.Addr, "tls", a.cfg.Server.TLS != nil)
			var err error
			if tls := a.cfg.Server.TLS; tls != nil {
				err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
			} else {
				err = a.server.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("app: http server: %w", err)
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.server.Shutdown(shutdownCtx)
		})
	}

	<-gctx.Done()
	err := g.Wait()
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// reload applies hot-reloadable config changes.
func (a *App) reload(_, _ *config.Config, d config.ConfigDiff) {
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ExitPhrasesChanged {
		a.ctrl.SetExitPhrases(phrase.New(d.NewExitPhrases))
		slog.Info("exit phrases reloaded", "count", len(d.NewExitPhrases))
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes take effect after a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends any conversation and tears down all subsystems. It respects
// the context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		if err := a.ctrl.Close(); err != nil {
			slog.Warn("controller close error", "err", err)
		}
		if err := a.playback.Close(); err != nil {
			slog.Warn("playback close error", "err", err)
		}
		if err := a.hub.Close(); err != nil {
			slog.Warn("display hub close error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// close releases what New opened before it failed.
func (a *App) close() {
	for _, c := range a.closers {
		_ = c()
	}
}
