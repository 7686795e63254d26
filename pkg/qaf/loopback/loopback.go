// Package loopback is an in-process reference implementation of the
// [qaf.Engine] contract.
//
// It performs no real decoding. Each input stream is drained by its own
// goroutine at real-time pace; PCM input is mixed down to the canonical
// output format and re-emitted, compressed input is emitted as silence of
// the same duration, or forwarded unchanged to HDMI while the session's
// render format is passthrough. Output tagging follows the
// "o_device=...;ch=...;render_format=..." summary the session manager
// forwards through [Session.SetParameters].
package loopback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/qafmux/pkg/audio"
	"github.com/MrWong99/qafmux/pkg/qaf"
)

var (
	_ qaf.Engine  = (*Engine)(nil)
	_ qaf.Session = (*Session)(nil)
	_ qaf.Stream  = (*Stream)(nil)
)

// ErrClosed is returned by operations on a closed session or stream.
var ErrClosed = errors.New("loopback: closed")

// Defaults for zero-valued [Options] fields.
const (
	DefaultLatency    = 20 * time.Millisecond
	DefaultBufferSize = 32 * 1024
	DefaultPeriod     = 10 * time.Millisecond
	defaultChunk      = 4096
)

// Options tunes the simulated engine.
type Options struct {
	// Latency is reported through the get_latency parameter.
	Latency time.Duration

	// BufferSize is the input buffer capacity per stream in bytes.
	BufferSize int

	// Period is the output cadence of every stream.
	Period time.Duration
}

// ParseOptions reads "latency_ms", "buffer_size" and "period" from a
// configuration options map. Missing keys keep their defaults.
func ParseOptions(m map[string]any) (Options, error) {
	var (
		o    Options
		errs []error
	)
	if v, ok := m["latency_ms"]; ok {
		n, err := toInt(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("latency_ms: %w", err))
		}
		o.Latency = time.Duration(n) * time.Millisecond
	}
	if v, ok := m["buffer_size"]; ok {
		n, err := toInt(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("buffer_size: %w", err))
		}
		o.BufferSize = n
	}
	if v, ok := m["period"]; ok {
		d, err := time.ParseDuration(fmt.Sprint(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("period: %w", err))
		}
		o.Period = d
	}
	return o, errors.Join(errs...)
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		return int(n), nil
	case string:
		return strconv.Atoi(n)
	}
	return 0, fmt.Errorf("unsupported value %v", v)
}

// Engine opens loopback sessions.
type Engine struct {
	opts Options
}

// New returns an engine. Zero fields of opts take the package defaults.
func New(opts Options) *Engine {
	if opts.Latency <= 0 {
		opts.Latency = DefaultLatency
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Period <= 0 {
		opts.Period = DefaultPeriod
	}
	return &Engine{opts: opts}
}

// OpenSession starts a session. A missing license key fails with
// [qaf.ErrLicense].
func (e *Engine) OpenSession(_ context.Context, cfg qaf.SessionConfig) (qaf.Session, error) {
	if cfg.LicenseKey == "" {
		return nil, fmt.Errorf("loopback: %w: empty license key", qaf.ErrLicense)
	}
	rate := cfg.OutputSampleRate
	if rate <= 0 {
		rate = 48000
	}
	slog.Info("loopback: session opened", "sample_rate", rate)
	return &Session{
		opts:    e.opts,
		rate:    rate,
		out:     outputState{devices: audio.DeviceSpeaker, channels: 2},
		streams: make(map[*Stream]struct{}),
		params:  make(map[string]string),
	}, nil
}

// outputState is the session's view of where output goes.
type outputState struct {
	devices     audio.DeviceMask
	channels    int
	passthrough bool
}

// Session is a loopback engine session.
type Session struct {
	opts Options
	rate int

	mu      sync.Mutex
	closed  bool
	cb      qaf.EventCallback
	mask    qaf.EventMask
	out     outputState
	params  map[string]string
	streams map[*Stream]struct{}
}

// OpenStream opens an input stream and starts its output goroutine.
func (s *Session) OpenStream(_ context.Context, cfg qaf.StreamConfig) (qaf.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	st := &Stream{
		sess:  s,
		cfg:   cfg,
		cap:   s.opts.BufferSize,
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
		extra: make(map[string]string),
	}
	s.streams[st] = struct{}{}
	go st.run()
	return st, nil
}

// SetParameters applies the o_device, ch and render_format keys; any other
// key is stored and otherwise ignored.
func (s *Session) SetParameters(kv string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	var errs []error
	for _, seg := range strings.Split(kv, ";") {
		k, v, _ := strings.Cut(seg, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		switch k {
		case "":
		case "o_device":
			var mask audio.DeviceMask
			for _, name := range strings.Split(v, "|") {
				if name == "none" {
					continue
				}
				d, err := audio.ParseDevice(name)
				if err != nil {
					errs = append(errs, err)
					continue
				}
				mask |= d
			}
			s.out.devices = mask
		case "ch":
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				errs = append(errs, fmt.Errorf("loopback: invalid ch %q", v))
				continue
			}
			s.out.channels = n
		case "render_format":
			s.out.passthrough = v == "passthrough"
		default:
			s.params[k] = v
		}
	}
	return errors.Join(errs...)
}

// Parameter returns a stored vendor parameter.
func (s *Session) Parameter(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.params[key]
	return v, ok
}

// RegisterEventCallback installs cb for the event types in mask.
func (s *Session) RegisterEventCallback(cb qaf.EventCallback, mask qaf.EventMask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cb = cb
	s.mask = mask
}

// Close stops every stream and releases the session. It is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	streams := make([]*Stream, 0, len(s.streams))
	for st := range s.streams {
		streams = append(streams, st)
	}
	s.mu.Unlock()

	for _, st := range streams {
		_ = st.Close()
	}
	slog.Info("loopback: session closed")
	return nil
}

func (s *Session) emit(ev qaf.Event) {
	s.mu.Lock()
	cb, mask, closed := s.cb, s.mask, s.closed
	s.mu.Unlock()
	if closed || cb == nil || mask&ev.Type.Mask() == 0 {
		return
	}
	cb(ev)
}

func (s *Session) output() outputState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.out
}

func (s *Session) forget(st *Stream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, st)
}
