// Package app wires the qafmux subsystems into a running daemon.
//
// The App struct owns the full lifecycle: New creates the engine, the device
// layer and the routing session, Run serves the admin endpoints and applies
// configuration reloads until the context ends, and Shutdown tears everything
// down in order.
//
// For testing, inject mock implementations via functional options
// (WithEngine, WithDevice, etc.). When an option is not provided, New creates
// the implementation named in the config through the component registry.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/qafmux/internal/config"
	"github.com/MrWong99/qafmux/internal/health"
	"github.com/MrWong99/qafmux/internal/observe"
	"github.com/MrWong99/qafmux/internal/qafmux"
	"github.com/MrWong99/qafmux/internal/resilience"
	"github.com/MrWong99/qafmux/pkg/device"
	"github.com/MrWong99/qafmux/pkg/qaf"
)

// serverShutdownTimeout bounds the admin server's graceful stop.
const serverShutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	level    *slog.LevelVar
	reg      *config.Registry
	engine   qaf.Engine
	dev      device.Device
	metrics  *observe.Metrics
	sess     *qafmux.Session
	admin    http.Handler
	addr     string
	watch    string
	interval time.Duration
	play     *Playback

	mu  sync.Mutex
	cfg *config.Config

	// closers are called in order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithEngine injects an engine instead of creating one from config.
func WithEngine(e qaf.Engine) Option {
	return func(a *App) { a.engine = e }
}

// WithDevice injects a device layer instead of creating one from config.
func WithDevice(d device.Device) Option {
	return func(a *App) { a.dev = d }
}

// WithRegistry replaces the registry holding the built-in components.
func WithRegistry(r *config.Registry) Option {
	return func(a *App) { a.reg = r }
}

// WithMetrics sets the instrumentation sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLevelVar lets configuration reloads change the log level of the
// handler built on v.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// WithConfigWatch makes Run poll path and apply the changes it finds.
func WithConfigWatch(path string, interval time.Duration) Option {
	return func(a *App) {
		a.watch = path
		a.interval = interval
	}
}

// WithPlayback makes Run stream a file through the session as the main
// stream.
func WithPlayback(p Playback) Option {
	return func(a *App) { a.play = &p }
}

// New creates an App by wiring all subsystems together.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.reg == nil {
		a.reg = config.NewRegistry()
		RegisterBuiltins(a.reg)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.level == nil {
		a.level = new(slog.LevelVar)
		a.level.Set(cfg.Server.LogLevel.Slog())
	}

	if err := a.initComponents(); err != nil {
		return nil, fmt.Errorf("app: init components: %w", err)
	}

	sessOpts, err := sessionOptions(cfg)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: %w", err)
	}
	sessOpts.Engine = a.engine
	sessOpts.Device = a.dev
	sessOpts.Metrics = a.metrics

	a.sess, err = qafmux.Open(ctx, sessOpts)
	if err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: open session: %w", err)
	}
	a.closers = append([]func() error{a.sess.Close}, a.closers...)

	if cfg.Server.ListenAddr != "" {
		a.addr = cfg.Server.ListenAddr
		a.admin = a.adminHandler()
	}
	return a, nil
}

// initComponents creates the engine and the device layer unless injected.
func (a *App) initComponents() error {
	if a.engine == nil {
		e, err := a.reg.CreateEngine(a.cfg.Engine)
		if err != nil {
			return fmt.Errorf("create engine %q: %w", a.cfg.Engine.Name, err)
		}
		a.engine = e
		slog.Info("component created", "kind", "engine", "name", a.cfg.Engine.Name)
	}
	if a.dev == nil {
		d, err := a.reg.CreateDevice(a.cfg.Device)
		if err != nil {
			return fmt.Errorf("create device %q: %w", a.cfg.Device.Name, err)
		}
		a.dev = d
		slog.Info("component created", "kind", "device", "name", a.cfg.Device.Name)
	}
	if c, ok := a.dev.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
	return nil
}

// sessionOptions translates the configuration into session options. Engine,
// Device and Metrics are left for the caller.
func sessionOptions(cfg *config.Config) (qafmux.Options, error) {
	connected, err := cfg.Sinks.DeviceMask()
	if err != nil {
		return qafmux.Options{}, err
	}
	formats, err := cfg.Sinks.Codecs()
	if err != nil {
		return qafmux.Options{}, err
	}

	render := make(map[qafmux.RenderRole]qafmux.Fragments, len(cfg.Render))
	for key, f := range cfg.Render {
		role, ok := renderRoles[key]
		if !ok {
			return qafmux.Options{}, fmt.Errorf("unknown render role %q", key)
		}
		render[role] = qafmux.Fragments{Size: f.FragmentSize, Count: f.FragmentCount}
	}

	return qafmux.Options{
		EngineConfig: qaf.SessionConfig{
			LibraryPath:      cfg.Engine.LibraryPath,
			LicenseKey:       cfg.Engine.LicenseKey,
			OutputSampleRate: cfg.Output.SampleRate,
		},
		Sinks: qafmux.SinkState{
			Connected:       connected,
			HDMIChannels:    cfg.Sinks.HDMIChannels,
			HDMIFormats:     formats,
			Passthrough:     cfg.Sinks.Passthrough,
			MultiSinkDecode: cfg.Sinks.MultiSinkDecode,
		},
		Render:            render,
		InputFragmentSize: cfg.Backpressure.FragmentSize,
		PollInterval:      cfg.Backpressure.PollInterval,
		Breaker: resilience.CircuitBreakerConfig{
			MaxFailures:  cfg.Breaker.MaxFailures,
			ResetTimeout: cfg.Breaker.ResetTimeout,
		},
	}, nil
}

var renderRoles = map[string]qafmux.RenderRole{
	config.RenderTranscodePassthrough: qafmux.RenderTranscodePassthrough,
	config.RenderDefaultPassthrough:   qafmux.RenderDefaultPassthrough,
	config.RenderMultichannelOffload:  qafmux.RenderMultichannelOffload,
	config.RenderStereoOffload:        qafmux.RenderStereoOffload,
	config.RenderBluetooth:            qafmux.RenderBluetooth,
}

// adminHandler serves /metrics, /healthz and /readyz.
func (a *App) adminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(health.ReadyChecker("session", a.sess)).Register(mux)
	return observe.Middleware(a.metrics)(mux)
}

// Session returns the routing session. Hosts open their output streams on it.
func (a *App) Session() *qafmux.Session { return a.sess }

// AdminHandler returns the admin HTTP handler, or nil when the config has no
// listen address.
func (a *App) AdminHandler() http.Handler { return a.admin }

// Config returns the configuration currently in effect.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the admin endpoints, watches the config file and plays the
// configured file until ctx is cancelled or a component fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	if a.admin != nil {
		ln, err := net.Listen("tcp", a.addr)
		if err != nil {
			return fmt.Errorf("app: admin listen: %w", err)
		}
		srv := &http.Server{Handler: a.admin, ReadHeaderTimeout: 5 * time.Second}
		slog.Info("admin server listening", "addr", ln.Addr().String())

		g.Go(func() error {
			if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: admin server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), serverShutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if a.watch != "" {
		w, err := config.NewWatcher(a.watch, config.WithInterval(a.interval))
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		g.Go(func() error {
			return w.Run(gctx, func(ch config.Change) { a.ApplyConfig(ch.New) })
		})
	}

	if a.play != nil {
		p := *a.play
		g.Go(func() error {
			if err := a.Play(gctx, p); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("playback failed", "path", p.Path, "err", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	return g.Wait()
}

// ApplyConfig moves the running daemon to next: sink changes become session
// parameters and the log level follows the server section. Changes to any
// other section are logged and take effect after a restart.
func (a *App) ApplyConfig(next *config.Config) {
	a.mu.Lock()
	prev := a.cfg
	a.cfg = next
	a.mu.Unlock()

	d := config.Diff(prev, next)
	if d.LogLevelChanged {
		a.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SinksChanged() {
		if err := a.sess.SetParameters(d.SinkParams); err != nil {
			slog.Warn("sink change rejected", "params", d.SinkParams, "err", err)
		} else {
			slog.Info("sinks updated", "params", d.SinkParams)
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes the session and then the device layer. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
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

func (a *App) closeAll() {
	for _, c := range a.closers {
		_ = c()
	}
}
