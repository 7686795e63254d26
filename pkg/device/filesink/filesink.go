// Package filesink implements [device.Device] on top of the file system.
//
// Every output stream becomes one file under a configured directory. PCM
// streams are encoded as WAV with [github.com/go-audio/wav]; bitstream
// streams (passthrough and transcode output) are written verbatim with the
// codec name as extension. The sink is meant for headless hosts and for
// inspecting what the session manager actually rendered.
package filesink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/qafmux/pkg/device"
)

var (
	_ device.Device       = (*Device)(nil)
	_ device.OutputStream = (*Stream)(nil)
)

// ErrClosed is returned by operations on a closed stream.
var ErrClosed = errors.New("filesink: stream closed")

// DefaultLatency is reported when [Options.Latency] is zero.
const DefaultLatency = 40 * time.Millisecond

// Options configures a [Device].
type Options struct {
	// Dir receives one file per opened stream. It is created if missing.
	Dir string

	// Latency is the fixed output latency every stream reports.
	Latency time.Duration
}

// ParseOptions reads "dir" and "latency_ms" from a configuration options map.
func ParseOptions(m map[string]any) (Options, error) {
	var o Options
	if v, ok := m["dir"]; ok {
		s, ok := v.(string)
		if !ok {
			return o, fmt.Errorf("filesink: dir must be a string, got %T", v)
		}
		o.Dir = s
	}
	if v, ok := m["latency_ms"]; ok {
		var ms int
		switch n := v.(type) {
		case int:
			ms = n
		case float64:
			ms = int(n)
		case string:
			var err error
			if ms, err = strconv.Atoi(n); err != nil {
				return o, fmt.Errorf("filesink: latency_ms: %w", err)
			}
		default:
			return o, fmt.Errorf("filesink: latency_ms must be a number, got %T", v)
		}
		o.Latency = time.Duration(ms) * time.Millisecond
	}
	return o, nil
}

// Device opens file-backed output streams.
type Device struct {
	opts Options
	seq  atomic.Uint64

	mu   sync.Mutex
	open map[*Stream]struct{}
}

// New creates the output directory and returns a device writing into it.
func New(opts Options) (*Device, error) {
	if opts.Dir == "" {
		opts.Dir = "."
	}
	if opts.Latency <= 0 {
		opts.Latency = DefaultLatency
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("filesink: create %s: %w", opts.Dir, err)
	}
	return &Device{opts: opts, open: make(map[*Stream]struct{})}, nil
}

// OpenOutputStream creates a new file named after the sink mask, the stream
// format and an increasing sequence number.
func (d *Device) OpenOutputStream(ctx context.Context, cfg device.StreamConfig) (device.OutputStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%03d-%s-%s-%dch", d.seq.Add(1), sanitize(cfg.Devices.String()), cfg.Spec.Codec, cfg.Spec.Channels)
	ext := "." + cfg.Spec.Codec.String()
	if !cfg.Spec.Codec.IsCompressed() {
		ext = ".wav"
	}
	path := filepath.Join(d.opts.Dir, name+ext)

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("filesink: %w", err)
	}
	s := newStream(f, path, cfg, d.opts.Latency)

	d.mu.Lock()
	d.open[s] = struct{}{}
	d.mu.Unlock()

	slog.Debug("filesink: stream opened", "path", path, "spec", cfg.Spec, "devices", cfg.Devices)
	return s, nil
}

// CloseOutputStream finalizes the file behind s.
func (d *Device) CloseOutputStream(s device.OutputStream) error {
	fs, ok := s.(*Stream)
	if !ok {
		return fmt.Errorf("filesink: foreign stream %T", s)
	}
	d.mu.Lock()
	delete(d.open, fs)
	d.mu.Unlock()
	return fs.close()
}

// Close finalizes every stream that is still open.
func (d *Device) Close() error {
	d.mu.Lock()
	streams := make([]*Stream, 0, len(d.open))
	for s := range d.open {
		streams = append(streams, s)
	}
	clear(d.open)
	d.mu.Unlock()

	var errs []error
	for _, s := range streams {
		errs = append(errs, s.close())
	}
	return errors.Join(errs...)
}

func sanitize(s string) string {
	out := []byte(s)
	for i, c := range out {
		if c == '|' {
			out[i] = '+'
		}
	}
	return string(out)
}
