package qafmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/qafmux/internal/observe"
	"github.com/MrWong99/qafmux/internal/resilience"
	"github.com/MrWong99/qafmux/pkg/audio"
	"github.com/MrWong99/qafmux/pkg/device"
)

// RenderRole classifies a physical render stream.
type RenderRole int

const (
	// RenderTranscodePassthrough carries an engine-transcoded bitstream
	// (AC3/EAC3 5.1) to an HDMI receiver.
	RenderTranscodePassthrough RenderRole = iota

	// RenderDefaultPassthrough carries the client's own bitstream to HDMI,
	// bypassing the engine.
	RenderDefaultPassthrough

	// RenderMultichannelOffload carries multichannel PCM to HDMI.
	RenderMultichannelOffload

	// RenderStereoOffload carries stereo PCM to the default sink.
	RenderStereoOffload

	// RenderBluetooth is the Bluetooth path. It is owned by the session's
	// connectivity state, not by the pool.
	RenderBluetooth
)

// poolRoles lists the roles the pool may hold, in teardown order.
var poolRoles = [...]RenderRole{
	RenderTranscodePassthrough,
	RenderDefaultPassthrough,
	RenderMultichannelOffload,
	RenderStereoOffload,
}

// String returns the snake_case role name used in logs and metrics.
func (r RenderRole) String() string {
	switch r {
	case RenderTranscodePassthrough:
		return "transcode_passthrough"
	case RenderDefaultPassthrough:
		return "default_passthrough"
	case RenderMultichannelOffload:
		return "multichannel_offload"
	case RenderStereoOffload:
		return "stereo_offload"
	case RenderBluetooth:
		return "bluetooth"
	default:
		return "unknown"
	}
}

func (r RenderRole) isOffload() bool {
	return r == RenderMultichannelOffload || r == RenderStereoOffload
}

func (r RenderRole) devices() audio.DeviceMask {
	switch r {
	case RenderStereoOffload:
		return audio.DeviceSpeaker
	case RenderBluetooth:
		return audio.DeviceBluetooth
	default:
		return audio.DeviceHDMI
	}
}

func (r RenderRole) flags() device.Flags {
	switch r {
	case RenderTranscodePassthrough, RenderDefaultPassthrough:
		return device.FlagDirect
	case RenderMultichannelOffload, RenderStereoOffload:
		return device.FlagNonBlocking
	default:
		return 0
	}
}

// Fragments sizes the device buffer of a render stream.
type Fragments struct {
	Size  int
	Count int
}

// renderStream is one open physical output path. Its lock serializes device
// calls and guards closed; it is always acquired after the session lock.
type renderStream struct {
	role RenderRole
	cfg  device.StreamConfig

	mu     sync.Mutex
	out    device.OutputStream
	closed bool
}

func (rs *renderStream) write(p []byte) (int, error) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.closed {
		return 0, ErrClosed
	}
	return rs.out.Write(p)
}

// do runs fn against the device stream unless the stream is closed.
func (rs *renderStream) do(fn func(device.OutputStream) error) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.closed {
		return ErrClosed
	}
	return fn(rs.out)
}

// bufferLatency converts the configured fragment buffering into time. Bitstream
// streams have no fixed frame size, so the device's own estimate is used.
func (rs *renderStream) bufferLatency() time.Duration {
	fs := rs.cfg.Spec.FrameSize()
	if fs == 0 || rs.cfg.Spec.SampleRate <= 0 {
		return rs.deviceLatency()
	}
	frames := int64(rs.cfg.FragmentSize*rs.cfg.FragmentCount) / int64(fs)
	return time.Duration(frames) * time.Second / time.Duration(rs.cfg.Spec.SampleRate)
}

func (rs *renderStream) deviceLatency() time.Duration {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.closed {
		return 0
	}
	return rs.out.Latency()
}

func (rs *renderStream) close(dev device.Device) error {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.closed {
		return nil
	}
	rs.closed = true
	return dev.CloseOutputStream(rs.out)
}

// renderPool maps each role to at most one open render stream. ensure and
// teardown are the only mutation paths; callers hold the session lock.
type renderPool struct {
	dev       device.Device
	metrics   *observe.Metrics
	fragments map[RenderRole]Fragments
	breakers  map[RenderRole]*resilience.CircuitBreaker

	// onCreate runs after a pool stream was opened, still under the session
	// lock.
	onCreate func(rs *renderStream)

	streams map[RenderRole]*renderStream
}

func newRenderPool(dev device.Device, m *observe.Metrics, fragments map[RenderRole]Fragments, breaker resilience.CircuitBreakerConfig) *renderPool {
	p := &renderPool{
		dev:       dev,
		metrics:   m,
		fragments: fragments,
		breakers:  make(map[RenderRole]*resilience.CircuitBreaker),
		streams:   make(map[RenderRole]*renderStream),
	}
	for _, r := range append(poolRoles[:], RenderBluetooth) {
		cfg := breaker
		cfg.Name = "render/" + r.String()
		p.breakers[r] = resilience.NewCircuitBreaker(cfg)
	}
	return p
}

// resetBreakers closes the breakers of every role rendering to d, so a
// reconnected sink is tried again immediately.
func (p *renderPool) resetBreakers(d audio.DeviceMask) {
	for r, cb := range p.breakers {
		if r.devices()&d != 0 {
			cb.Reset()
		}
	}
}

// get returns the open stream for role, or nil.
func (p *renderPool) get(role RenderRole) *renderStream {
	return p.streams[role]
}

// roles returns the roles currently open, in pool order.
func (p *renderPool) roles() []RenderRole {
	var out []RenderRole
	for _, r := range poolRoles {
		if _, ok := p.streams[r]; ok {
			out = append(out, r)
		}
	}
	return out
}

// ensure returns the open stream for role. A stream opened with a different
// format is replaced. Opening one passthrough role closes the other.
func (p *renderPool) ensure(ctx context.Context, role RenderRole, spec audio.Spec) (rs *renderStream, created bool, err error) {
	if cur, ok := p.streams[role]; ok {
		if cur.cfg.Spec == spec {
			return cur, false, nil
		}
		slog.Debug("qafmux: render stream format changed, reopening",
			"role", role, "old", cur.cfg.Spec, "new", spec)
		p.teardown(role)
	}

	switch role {
	case RenderTranscodePassthrough:
		p.teardown(RenderDefaultPassthrough)
	case RenderDefaultPassthrough:
		p.teardown(RenderTranscodePassthrough)
	}

	rs, err = p.open(ctx, role, spec)
	if err != nil {
		return nil, false, err
	}
	p.streams[role] = rs
	if p.onCreate != nil {
		p.onCreate(rs)
	}
	return rs, true, nil
}

// open opens a device stream for role without registering it in the pool.
func (p *renderPool) open(ctx context.Context, role RenderRole, spec audio.Spec) (*renderStream, error) {
	frag := p.fragments[role]
	cfg := device.StreamConfig{
		Spec:          spec,
		Devices:       role.devices(),
		Flags:         role.flags(),
		FragmentSize:  frag.Size,
		FragmentCount: frag.Count,
	}

	var out device.OutputStream
	err := p.breakers[role].Execute(func() error {
		var openErr error
		out, openErr = p.dev.OpenOutputStream(ctx, cfg)
		return openErr
	})
	if err != nil {
		p.metrics.RecordRenderOpenFailure(ctx, role.String())
		return nil, fmt.Errorf("qafmux: open %s render stream: %w", role, err)
	}

	p.metrics.RecordRenderOpen(ctx, role.String())
	slog.Info("qafmux: render stream opened", "role", role, "spec", spec, "devices", cfg.Devices)
	return &renderStream{role: role, cfg: cfg, out: out}, nil
}

// teardown closes the streams for the given roles. Roles that are not open
// are skipped, so repeated calls are no-ops.
func (p *renderPool) teardown(roles ...RenderRole) {
	for _, role := range roles {
		rs, ok := p.streams[role]
		if !ok {
			continue
		}
		delete(p.streams, role)
		p.closeStream(rs)
	}
}

func (p *renderPool) closeStream(rs *renderStream) {
	if err := rs.close(p.dev); err != nil {
		slog.Warn("qafmux: render stream close error", "role", rs.role, "err", err)
	}
	p.metrics.RecordRenderClose(context.Background(), rs.role.String())
	slog.Info("qafmux: render stream closed", "role", rs.role)
}

// closeAll closes every pool stream concurrently and empties the pool.
func (p *renderPool) closeAll() error {
	var g errgroup.Group
	for role, rs := range p.streams {
		delete(p.streams, role)
		g.Go(func() error {
			err := rs.close(p.dev)
			p.metrics.RecordRenderClose(context.Background(), role.String())
			if err != nil {
				return fmt.Errorf("close %s: %w", role, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return errors.Join(errors.New("qafmux: render pool close"), err)
	}
	return nil
}
