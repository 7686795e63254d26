package qafmux

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/qafmux/pkg/device"
	"github.com/MrWong99/qafmux/pkg/qaf"
)

// LogicalStream is a client-facing output stream. It feeds the engine, or
// the DefaultPassthrough render stream while its bitstream can go to HDMI
// unchanged. Obtain one from [Session.OpenOutputStream].
type LogicalStream struct {
	s      *Session
	role   qaf.StreamRole
	cfg    device.StreamConfig
	es     qaf.Stream
	worker *backpressureWorker

	// vendorCmd is guarded by s.mu.
	vendorCmd string

	// stoppedForBypass is set while the engine EOS caused by stopping the
	// engine stream for passthrough is still outstanding.
	stoppedForBypass atomic.Bool

	cbMu sync.Mutex
	cb   device.Callback

	mu        sync.Mutex
	closed    bool
	started   bool
	bypassing bool
	written   uint64
}

// Role returns the stream's role.
func (ls *LogicalStream) Role() qaf.StreamRole { return ls.role }

// Config returns the configuration the stream was opened with.
func (ls *LogicalStream) Config() device.StreamConfig { return ls.cfg }

// notify delivers ev to the client callback. It must be called without any
// qafmux lock held.
func (ls *LogicalStream) notify(ev device.EventType) {
	ls.cbMu.Lock()
	cb := ls.cb
	ls.cbMu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// SetCallback installs the client's asynchronous event callback.
func (ls *LogicalStream) SetCallback(cb device.Callback) error {
	ls.cbMu.Lock()
	defer ls.cbMu.Unlock()
	ls.cb = cb
	return nil
}

// Write hands p to the engine, starting the engine stream on first use, or
// forwards it unchanged to HDMI while passthrough applies. An engine
// buffer-full condition is not an error: the consumed byte count (possibly
// zero) is returned and a write-ready callback follows once space is free.
func (ls *LogicalStream) Write(p []byte) (int, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.closed {
		return 0, ErrClosed
	}

	s := ls.s
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrNotInitialized
	}
	if err := s.claimSlotLocked(ls); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	bypass, err := s.bypassLocked(ls)
	s.mu.Unlock()
	if err != nil {
		// Decoding through the engine is still possible.
		s.logger().Warn("qafmux: passthrough unavailable, decoding instead", "role", ls.role, "err", err)
	}

	if bypass != nil {
		if ls.started {
			ls.stoppedForBypass.Store(true)
			if err := ls.es.Stop(); err != nil {
				ls.stoppedForBypass.Store(false)
				s.logger().Warn("qafmux: stop engine stream for bypass", "role", ls.role, "err", err)
			}
			ls.started = false
		}
		ls.bypassing = true
		n, err := bypass.write(p)
		ls.written += uint64(n)
		if err != nil {
			return n, fmt.Errorf("qafmux: passthrough write: %w", err)
		}
		return n, nil
	}

	ls.bypassing = false
	if !ls.started {
		if err := ls.es.Start(); err != nil {
			return 0, fmt.Errorf("qafmux: start %s engine stream: %w", ls.role, err)
		}
		ls.stoppedForBypass.Store(false)
		ls.started = true
	}
	n, err := ls.es.Write(p)
	if n > 0 {
		ls.written += uint64(n)
	}
	switch {
	case errors.Is(err, qaf.ErrAgain):
		s.metrics.RecordBackpressure(s.ctx, ls.role.String())
		if ls.worker != nil {
			ls.worker.waitForBuffer()
		}
		return max(n, 0), nil
	case err != nil:
		return n, fmt.Errorf("qafmux: %s engine write: %w", ls.role, err)
	}
	return n, nil
}

// bypassTarget returns the passthrough stream while the last write bypassed
// the engine. Must be called with ls.mu held.
func (ls *LogicalStream) bypassTarget() *renderStream {
	if !ls.bypassing {
		return nil
	}
	ls.s.mu.Lock()
	defer ls.s.mu.Unlock()
	return ls.s.pool.get(RenderDefaultPassthrough)
}

// control runs the bypass or engine variant of a transport operation.
func (ls *LogicalStream) control(bypass func(device.OutputStream) error, engine func() error) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.closed {
		return ErrClosed
	}
	if rs := ls.bypassTarget(); rs != nil {
		return rs.do(bypass)
	}
	return engine()
}

// Standby pauses the engine stream; the next write restarts it.
func (ls *LogicalStream) Standby() error {
	return ls.control(device.OutputStream.Standby, func() error {
		ls.started = false
		return ls.es.Pause()
	})
}

// Pause implements [device.OutputStream].
func (ls *LogicalStream) Pause() error {
	return ls.control(device.OutputStream.Pause, ls.es.Pause)
}

// Resume implements [device.OutputStream].
func (ls *LogicalStream) Resume() error {
	return ls.control(device.OutputStream.Resume, func() error {
		ls.started = true
		return ls.es.Start()
	})
}

// Flush discards queued data and resets the written frame count.
func (ls *LogicalStream) Flush() error {
	return ls.control(device.OutputStream.Flush, func() error {
		ls.written = 0
		return ls.es.Flush()
	})
}

// Drain stops the engine stream. The drain-ready callback follows the
// engine's end-of-stream event; a local PCM stream has none, so it is
// signalled as soon as the engine stream has stopped.
func (ls *LogicalStream) Drain(t device.DrainType) error {
	immediate := false
	err := ls.control(
		func(out device.OutputStream) error { return out.Drain(t) },
		func() error {
			ls.started = false
			immediate = ls.role == qaf.RoleLocalPCM
			return ls.es.Stop()
		},
	)
	if err == nil && immediate {
		ls.notify(device.EventDrainReady)
	}
	return err
}

// SetVolume caches the volume on the session and applies it to the stereo
// path, and to the passthrough stream while bypassing. A stereo path opened
// later receives the cached value.
func (ls *LogicalStream) SetVolume(left, right float32) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.closed {
		return ErrClosed
	}

	s := ls.s
	s.mu.Lock()
	s.volume = [2]float32{left, right}
	s.hasVolume = true
	var targets []*renderStream
	if rs := s.pool.get(RenderStereoOffload); rs != nil {
		targets = append(targets, rs)
	}
	if s.bt != nil {
		targets = append(targets, s.bt)
	}
	if rs := s.pool.get(RenderDefaultPassthrough); rs != nil && ls.bypassing {
		targets = append(targets, rs)
	}
	s.mu.Unlock()

	var errs []error
	for _, rs := range targets {
		if err := rs.do(func(out device.OutputStream) error { return out.SetVolume(left, right) }); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, fmt.Errorf("qafmux: set %s volume: %w", rs.role, err))
		}
	}
	return errors.Join(errs...)
}

// SetParameters forwards a vendor command to the engine stream and to the
// offload render streams this stream drives. The command is cached and
// replayed on offload streams opened later.
func (ls *LogicalStream) SetParameters(kv string) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.closed {
		return ErrClosed
	}

	s := ls.s
	s.mu.Lock()
	ls.vendorCmd = kv
	var targets []*renderStream
	if s.primaryLocked() == ls {
		for _, r := range []RenderRole{RenderMultichannelOffload, RenderStereoOffload} {
			if rs := s.pool.get(r); rs != nil {
				targets = append(targets, rs)
			}
		}
	}
	s.mu.Unlock()

	var errs []error
	if err := ls.es.SetParameters(kv); err != nil {
		errs = append(errs, fmt.Errorf("qafmux: engine stream parameters: %w", err))
	}
	for _, rs := range targets {
		if err := rs.do(func(out device.OutputStream) error { return out.SetParameters(kv) }); err != nil && !errors.Is(err, ErrClosed) {
			errs = append(errs, fmt.Errorf("qafmux: %s parameters: %w", rs.role, err))
		}
	}
	return errors.Join(errs...)
}

// Latency returns engine latency plus the buffering of the render stream the
// engine output currently lands on, plus the Bluetooth transport latency when
// that path is open. While bypassing, the passthrough stream's own latency is
// returned.
func (ls *LogicalStream) Latency() time.Duration {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.latency()
}

// latency must be called with ls.mu held.
func (ls *LogicalStream) latency() time.Duration {
	if rs := ls.bypassTarget(); rs != nil {
		return rs.deviceLatency()
	}

	total := ls.engineLatency()

	s := ls.s
	s.mu.Lock()
	var render *renderStream
	for _, r := range []RenderRole{RenderMultichannelOffload, RenderStereoOffload, RenderTranscodePassthrough} {
		if rs := s.pool.get(r); rs != nil {
			render = rs
			break
		}
	}
	bt := s.bt
	s.mu.Unlock()

	if render != nil {
		total += render.bufferLatency()
	}
	if bt != nil {
		total += bt.deviceLatency()
	}
	return total
}

func (ls *LogicalStream) engineLatency() time.Duration {
	v, err := ls.es.Parameter(qaf.ParamLatency)
	if err != nil {
		return 0
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms < 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// PresentationPosition reports the frames played so far. Bitstreams use the
// engine's position; PCM subtracts the pipeline latency from the frames
// written, clamped at zero.
func (ls *LogicalStream) PresentationPosition() (uint64, time.Time, error) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if ls.closed {
		return 0, time.Time{}, ErrClosed
	}

	if rs := ls.bypassTarget(); rs != nil {
		var (
			frames uint64
			at     time.Time
		)
		err := rs.do(func(out device.OutputStream) error {
			var err error
			frames, at, err = out.PresentationPosition()
			return err
		})
		return frames, at, err
	}

	spec := ls.cfg.Spec
	if spec.Codec.IsCompressed() {
		v, err := ls.es.Parameter(qaf.ParamPosition)
		if err != nil {
			return 0, time.Time{}, fmt.Errorf("qafmux: engine position: %w", err)
		}
		frames, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return 0, time.Time{}, fmt.Errorf("qafmux: engine position %q: %w", v, err)
		}
		return frames, time.Now(), nil
	}

	rate := spec.SampleRate
	if rate <= 0 {
		rate = ls.s.rate
	}
	fs := spec.FrameSize()
	if fs == 0 {
		return 0, time.Now(), nil
	}
	written := ls.written / uint64(fs)
	pending := uint64(ls.latency() * time.Duration(rate) / time.Second)
	if written < pending {
		return 0, time.Now(), nil
	}
	return written - pending, time.Now(), nil
}

// Close stops the backpressure worker, releases the role slot and closes the
// engine stream. A main stream also releases its passthrough path. Close is
// idempotent.
func (ls *LogicalStream) Close() error {
	ls.mu.Lock()
	if ls.closed {
		ls.mu.Unlock()
		return nil
	}
	ls.closed = true
	w := ls.worker
	ls.mu.Unlock()

	// The worker may be inside a write-ready callback that calls back into
	// this stream; it sees closed and returns.
	if w != nil {
		w.stop()
	}

	s := ls.s
	s.mu.Lock()
	// A superseded main no longer owns the passthrough path.
	if s.releaseSlotLocked(ls) && ls.role == qaf.RoleMain {
		s.pool.teardown(RenderDefaultPassthrough)
	}
	delete(s.streams, ls)
	s.mu.Unlock()

	s.logger().Info("qafmux: logical stream closed", "role", ls.role)
	if err := ls.es.Close(); err != nil {
		return fmt.Errorf("qafmux: close %s engine stream: %w", ls.role, err)
	}
	return nil
}
