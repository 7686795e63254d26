// Package qafmux routes several client audio streams through one downstream
// post-processing engine and onto whichever physical render paths the
// currently connected sinks can take.
//
// A [Session] owns the engine session, the sink connectivity state and a pool
// of at most four render streams keyed by [RenderRole]. Clients open
// [LogicalStream]s (main, associated, local PCM) through the session, which
// implements [device.Device]; the engine's asynchronous payload events are
// routed to render streams by the session's dispatcher.
//
// Lock order is logical stream → session → render stream. The dispatcher
// runs on engine goroutines and never takes a logical stream lock, and no
// lock is held while a client callback runs.
package qafmux

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/qafmux/internal/observe"
	"github.com/MrWong99/qafmux/internal/resilience"
	"github.com/MrWong99/qafmux/pkg/audio"
	"github.com/MrWong99/qafmux/pkg/device"
	"github.com/MrWong99/qafmux/pkg/qaf"
)

// Compile-time interface assertions.
var (
	_ device.Device       = (*Session)(nil)
	_ device.OutputStream = (*LogicalStream)(nil)
)

// Defaults applied by [Open] to zero-valued [Options] fields.
const (
	DefaultSampleRate        = 48000
	DefaultPollInterval      = 5 * time.Millisecond
	DefaultInputFragmentSize = 4096
)

// DefaultFragments returns the render buffer geometry used for roles missing
// from [Options.Render].
func DefaultFragments() map[RenderRole]Fragments {
	return map[RenderRole]Fragments{
		RenderTranscodePassthrough: {Size: 32768, Count: 4},
		RenderDefaultPassthrough:   {Size: 32768, Count: 4},
		RenderMultichannelOffload:  {Size: 11520, Count: 4},
		RenderStereoOffload:        {Size: 3840, Count: 4},
		RenderBluetooth:            {Size: 3840, Count: 2},
	}
}

// SinkState is the connectivity and capability state of the output sinks.
type SinkState struct {
	// Connected is the set of connected sinks.
	Connected audio.DeviceMask

	// HDMIChannels is the PCM channel capability of the HDMI sink (2, 6 or 8).
	HDMIChannels int

	// HDMIFormats lists the bitstream codecs the HDMI sink decodes.
	HDMIFormats []audio.Codec

	// Passthrough enables forwarding compressed bitstreams to HDMI.
	Passthrough bool

	// MultiSinkDecode keeps the stereo path alive next to multichannel HDMI.
	MultiSinkDecode bool
}

func (st SinkState) supports(c audio.Codec) bool {
	for _, f := range st.HDMIFormats {
		if f == c {
			return true
		}
	}
	return false
}

// Options configures [Open].
type Options struct {
	// Engine opens the downstream engine session. Required.
	Engine qaf.Engine

	// Device opens the physical render streams. Required.
	Device device.Device

	// EngineConfig is handed to the engine. LibraryPath and LicenseKey are
	// required; OutputSampleRate defaults to [DefaultSampleRate].
	EngineConfig qaf.SessionConfig

	// Sinks is the initial sink state. A zero Connected mask means the
	// speaker only; a zero HDMIChannels means 2.
	Sinks SinkState

	// Render overrides the buffer geometry per role.
	Render map[RenderRole]Fragments

	// InputFragmentSize is the free engine buffer, in bytes, that ends a
	// backpressure wait when the stream did not request its own size.
	InputFragmentSize int

	// PollInterval is the backpressure poll period.
	PollInterval time.Duration

	// Breaker tunes the per-role open breakers. Name is ignored.
	Breaker resilience.CircuitBreakerConfig

	// Metrics receives instrumentation. May be nil.
	Metrics *observe.Metrics
}

// Session is the single owner of the engine session, the sink state and the
// render stream pool. Create it with [Open].
type Session struct {
	id      string
	ctx     context.Context
	cancel  context.CancelFunc
	eng     qaf.Session
	dev     device.Device
	metrics *observe.Metrics
	rate    int
	inFrag  int
	poll    time.Duration

	mu        sync.Mutex
	closed    bool
	sinks     SinkState
	volume    [2]float32
	hasVolume bool
	slots     [3]*LogicalStream
	streams   map[*LogicalStream]struct{}
	pool      *renderPool
	bt        *renderStream
}

// Open configures the engine and returns a ready session. It fails with
// [ErrConfig] when the engine cannot be set up; no session exists then.
func Open(ctx context.Context, opts Options) (*Session, error) {
	id := uuid.NewString()
	ctx, span := observe.StartSpan(observe.WithSession(ctx, id), "qafmux.Open")
	defer span.End()

	var errs []error
	if opts.Engine == nil {
		errs = append(errs, errors.New("engine is required"))
	}
	if opts.Device == nil {
		errs = append(errs, errors.New("device is required"))
	}
	if opts.EngineConfig.LibraryPath == "" {
		errs = append(errs, errors.New("engine library path is required"))
	}
	if opts.EngineConfig.LicenseKey == "" {
		errs = append(errs, errors.New("engine license key is required"))
	}
	if err := errors.Join(errs...); err != nil {
		observe.Fail(span, err)
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	cfg := opts.EngineConfig
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = DefaultSampleRate
	}
	eng, err := opts.Engine.OpenSession(ctx, cfg)
	if err != nil {
		observe.Fail(span, err)
		return nil, fmt.Errorf("%w: open engine session: %w", ErrConfig, err)
	}

	fragments := DefaultFragments()
	for r, f := range opts.Render {
		if f.Size > 0 && f.Count > 0 {
			fragments[r] = f
		}
	}

	sinks := opts.Sinks
	if sinks.Connected == audio.DeviceNone {
		sinks.Connected = audio.DeviceSpeaker
	}
	if sinks.HDMIChannels <= 0 {
		sinks.HDMIChannels = 2
	}
	sinks.HDMIFormats = append([]audio.Codec(nil), sinks.HDMIFormats...)

	sessCtx, cancel := context.WithCancel(observe.WithSession(context.Background(), id))
	s := &Session{
		id:      id,
		ctx:     sessCtx,
		cancel:  cancel,
		eng:     eng,
		dev:     opts.Device,
		metrics: opts.Metrics,
		rate:    cfg.OutputSampleRate,
		inFrag:  opts.InputFragmentSize,
		poll:    opts.PollInterval,
		sinks:   sinks,
		streams: make(map[*LogicalStream]struct{}),
	}
	if s.inFrag <= 0 {
		s.inFrag = DefaultInputFragmentSize
	}
	if s.poll <= 0 {
		s.poll = DefaultPollInterval
	}

	breaker := opts.Breaker
	breaker.OnStateChange = func(name string, _, to resilience.State) {
		s.metrics.RecordBreakerTransition(s.ctx, name, to.String())
	}
	s.pool = newRenderPool(opts.Device, opts.Metrics, fragments, breaker)
	s.pool.onCreate = s.onRenderCreatedLocked

	eng.RegisterEventCallback(s.handleEvent, qaf.EventMaskAll)

	s.mu.Lock()
	if sinks.Connected.Has(audio.DeviceBluetooth) {
		s.openBluetoothLocked()
	}
	summary := s.summaryLocked()
	s.mu.Unlock()
	if err := eng.SetParameters(summary.String()); err != nil {
		observe.Logger(sessCtx).Warn("qafmux: initial engine parameters rejected", "err", err)
	}

	s.metrics.AddActiveSessions(sessCtx, 1)
	observe.Logger(ctx).Info("qafmux session opened",
		"sample_rate", s.rate,
		"connected", sinks.Connected,
		"hdmi_channels", sinks.HDMIChannels,
		"passthrough", sinks.Passthrough,
	)
	return s, nil
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

// Ready returns nil while the session is open.
func (s *Session) Ready() error {
	if s == nil {
		return ErrNotInitialized
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotInitialized
	}
	return nil
}

// Sinks returns a snapshot of the sink state.
func (s *Session) Sinks() SinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.sinks
	st.HDMIFormats = append([]audio.Codec(nil), st.HDMIFormats...)
	return st
}

// RenderRoles returns the pool roles that currently have an open render
// stream. The Bluetooth path is not part of the pool and is reported by
// [Session.BluetoothOpen].
func (s *Session) RenderRoles() []RenderRole {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pool.roles()
}

// BluetoothOpen reports whether the Bluetooth render path is open.
func (s *Session) BluetoothOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bt != nil
}

// Parameters returns the key-value summary derived for the engine. With keys,
// only those keys are reported, in the order given; unknown keys are skipped.
func (s *Session) Parameters(keys ...string) string {
	s.mu.Lock()
	summary := s.summaryLocked()
	s.mu.Unlock()
	if len(keys) == 0 {
		return summary.String()
	}
	var out kvList
	for _, k := range keys {
		if v, ok := summary.Get(k); ok {
			out.Add(k, v)
		}
	}
	return out.String()
}

// Close releases every logical stream, render stream and the engine session.
// It is idempotent.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	logical := make([]*LogicalStream, 0, len(s.streams))
	for ls := range s.streams {
		logical = append(logical, ls)
	}
	s.mu.Unlock()

	var errs []error
	for _, ls := range logical {
		if err := ls.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	s.mu.Lock()
	if err := s.pool.closeAll(); err != nil {
		errs = append(errs, err)
	}
	if s.bt != nil {
		s.closeBluetoothLocked()
	}
	s.mu.Unlock()

	if err := s.eng.Close(); err != nil {
		errs = append(errs, fmt.Errorf("qafmux: close engine session: %w", err))
	}
	s.metrics.AddActiveSessions(s.ctx, -1)
	observe.Logger(s.ctx).Info("qafmux session closed")
	s.cancel()
	return errors.Join(errs...)
}

// SetParameters applies sink connectivity and capability changes, tears down
// render streams they invalidate, and forwards the derived summary plus any
// unrecognised keys to the engine. Invalid values are reported after the
// valid keys were applied.
func (s *Session) SetParameters(kv string) error {
	if s == nil {
		return ErrNotInitialized
	}
	pairs, err := parseKV(kv)
	if err != nil {
		return err
	}
	_, span := observe.StartSpan(s.ctx, "qafmux.SetParameters")
	defer span.End()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrNotInitialized
	}
	var (
		errs    []error
		forward kvList
	)
	for _, p := range pairs {
		if err := s.applyLocked(p, &forward); err != nil {
			errs = append(errs, err)
		}
	}
	summary := s.summaryLocked()
	s.mu.Unlock()

	summary = append(summary, forward...)
	if err := s.eng.SetParameters(summary.String()); err != nil {
		errs = append(errs, fmt.Errorf("qafmux: engine set parameters: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		observe.Fail(span, err)
		return err
	}
	return nil
}

// applyLocked applies one session parameter. Must be called with s.mu held.
func (s *Session) applyLocked(p kvPair, forward *kvList) error {
	switch p.Key {
	case KeyConnect, KeyDisconnect:
		d, err := audio.ParseDevice(p.Value)
		if err != nil {
			return err
		}
		if p.Key == KeyConnect {
			s.connectLocked(d)
		} else {
			s.disconnectLocked(d)
		}

	case KeyHDMIChannels:
		n, err := strconv.Atoi(p.Value)
		if err != nil || (n != 2 && n != 6 && n != 8) {
			return fmt.Errorf("qafmux: %s must be 2, 6 or 8, got %q", KeyHDMIChannels, p.Value)
		}
		if n == s.sinks.HDMIChannels {
			return nil
		}
		s.sinks.HDMIChannels = n
		s.pool.teardown(RenderMultichannelOffload)
		if n > 2 && s.sinks.Connected.Has(audio.DeviceHDMI) && !s.sinks.MultiSinkDecode {
			s.pool.teardown(RenderStereoOffload)
		}

	case KeyHDMIFormats:
		var formats []audio.Codec
		for _, f := range strings.Split(p.Value, ",") {
			if strings.TrimSpace(f) == "" {
				continue
			}
			c, err := audio.ParseCodec(f)
			if err != nil {
				return err
			}
			formats = append(formats, c)
		}
		s.sinks.HDMIFormats = formats
		if main := s.slots[qaf.RoleMain]; main == nil || !s.sinks.supports(main.cfg.Spec.Codec) {
			s.pool.teardown(RenderDefaultPassthrough)
		}

	case KeyPassthrough:
		on, err := parseOnOff(p.Value)
		if err != nil {
			return err
		}
		if on != s.sinks.Passthrough {
			s.sinks.Passthrough = on
			s.pool.teardown(RenderDefaultPassthrough, RenderTranscodePassthrough)
		}

	case KeyMultiSinkDecode:
		on, err := parseOnOff(p.Value)
		if err != nil {
			return err
		}
		s.sinks.MultiSinkDecode = on

	default:
		forward.Add(p.Key, p.Value)
	}
	return nil
}

func (s *Session) connectLocked(d audio.DeviceMask) {
	if s.sinks.Connected&d == d {
		return
	}
	s.sinks.Connected |= d
	s.pool.resetBreakers(d)
	observe.Logger(s.ctx).Info("qafmux: sink connected", "device", d)

	if d.Has(audio.DeviceHDMI) && s.sinks.HDMIChannels > 2 && !s.sinks.MultiSinkDecode {
		s.pool.teardown(RenderStereoOffload)
	}
	if d.Has(audio.DeviceBluetooth) {
		s.openBluetoothLocked()
		s.pool.teardown(RenderStereoOffload)
	}
}

func (s *Session) disconnectLocked(d audio.DeviceMask) {
	if s.sinks.Connected&d == 0 {
		return
	}
	s.sinks.Connected &^= d
	observe.Logger(s.ctx).Info("qafmux: sink disconnected", "device", d)

	if d.Has(audio.DeviceHDMI) {
		s.pool.teardown(RenderTranscodePassthrough, RenderDefaultPassthrough, RenderMultichannelOffload)
	}
	if d.Has(audio.DeviceBluetooth) {
		s.closeBluetoothLocked()
	}
	if d.Has(audio.DeviceSpeaker) {
		s.pool.teardown(RenderStereoOffload)
	}
}

// openBluetoothLocked opens the Bluetooth path. Failures are logged; routing
// then falls back to the stereo path.
func (s *Session) openBluetoothLocked() {
	if s.bt != nil {
		return
	}
	rs, err := s.pool.open(s.ctx, RenderBluetooth, audio.Spec{Codec: audio.CodecPCM16, SampleRate: s.rate, Channels: 2})
	if err != nil {
		observe.Logger(s.ctx).Warn("qafmux: bluetooth path unavailable", "err", err)
		return
	}
	s.bt = rs
	s.replayVolumeLocked(rs)
}

func (s *Session) closeBluetoothLocked() {
	if s.bt == nil {
		return
	}
	rs := s.bt
	s.bt = nil
	s.pool.closeStream(rs)
}

// summaryLocked derives the engine-facing parameter summary.
func (s *Session) summaryLocked() kvList {
	ch := 2
	format := RenderFormatPCM
	if s.sinks.Connected.Has(audio.DeviceHDMI) {
		ch = s.sinks.HDMIChannels
		if s.sinks.Passthrough {
			format = RenderFormatPassthrough
		}
	}
	var l kvList
	l.Add(KeyOutputDevice, s.sinks.Connected.String())
	l.Add(KeyChannels, strconv.Itoa(ch))
	l.Add(KeyRenderFormat, format)
	return l
}

// primaryLocked returns the logical stream whose callback and vendor command
// follow the offload render streams: the main stream, else local PCM.
func (s *Session) primaryLocked() *LogicalStream {
	if ls := s.slots[qaf.RoleMain]; ls != nil {
		return ls
	}
	return s.slots[qaf.RoleLocalPCM]
}

// onRenderCreatedLocked wires a freshly opened pool stream to the primary
// logical stream. The first offload stream takes over its callback; every
// offload stream receives its cached vendor command; the stereo path gets the
// cached volume.
func (s *Session) onRenderCreatedLocked(rs *renderStream) {
	if !rs.role.isOffload() {
		return
	}
	log := observe.Logger(s.ctx)
	if primary := s.primaryLocked(); primary != nil {
		other := RenderStereoOffload
		if rs.role == RenderStereoOffload {
			other = RenderMultichannelOffload
		}
		if s.pool.get(other) == nil {
			if err := rs.out.SetCallback(primary.notify); err != nil {
				log.Warn("qafmux: attach callback failed", "role", rs.role, "err", err)
			}
		}
		if primary.vendorCmd != "" {
			if err := rs.out.SetParameters(primary.vendorCmd); err != nil {
				log.Warn("qafmux: vendor command replay failed", "role", rs.role, "err", err)
			}
		}
	}
	if rs.role == RenderStereoOffload {
		s.replayVolumeLocked(rs)
	}
}

func (s *Session) replayVolumeLocked(rs *renderStream) {
	if !s.hasVolume {
		return
	}
	if err := rs.out.SetVolume(s.volume[0], s.volume[1]); err != nil {
		observe.Logger(s.ctx).Warn("qafmux: volume replay failed", "role", rs.role, "err", err)
	}
}

// classify maps device open flags and format to a logical stream role.
func classify(cfg device.StreamConfig) qaf.StreamRole {
	switch {
	case cfg.Flags.Has(device.FlagMain):
		return qaf.RoleMain
	case cfg.Flags.Has(device.FlagAssociated):
		return qaf.RoleAssociated
	case cfg.Spec.Codec.IsCompressed():
		return qaf.RoleMain
	default:
		return qaf.RoleLocalPCM
	}
}

// OpenOutputStream opens a logical stream. Its role is derived from the
// flags and format; a second main or local PCM stream, or an associated
// stream without a main stream, fails with [ErrRoleConflict] before any
// engine call.
func (s *Session) OpenOutputStream(ctx context.Context, cfg device.StreamConfig) (device.OutputStream, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	role := classify(cfg)
	ctx, span := observe.StartSpan(observe.WithSession(ctx, s.id), "qafmux.OpenOutputStream")
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrNotInitialized
	}
	switch {
	case s.slots[role] != nil:
		return nil, fmt.Errorf("%w: %s stream already open", ErrRoleConflict, role)
	case role == qaf.RoleAssociated && s.slots[qaf.RoleMain] == nil:
		return nil, fmt.Errorf("%w: associated stream requires a main stream", ErrRoleConflict)
	}

	es, err := s.eng.OpenStream(ctx, qaf.StreamConfig{Role: role, Spec: cfg.Spec, Devices: s.sinks.Connected})
	if err != nil {
		observe.Fail(span, err)
		return nil, fmt.Errorf("qafmux: open %s engine stream: %w", role, err)
	}

	ls := &LogicalStream{s: s, role: role, cfg: cfg, es: es}
	if cfg.Flags.Has(device.FlagNonBlocking) {
		need := cfg.FragmentSize
		if need <= 0 {
			need = s.inFrag
		}
		ls.worker = newBackpressureWorker(es, need, s.poll, readyNotifier(ls.notify, func() {
			s.metrics.RecordWriteReady(s.ctx)
		}))
	}
	s.slots[role] = ls
	s.streams[ls] = struct{}{}
	s.metrics.AddActiveStreams(s.ctx, role.String(), 1)

	observe.Logger(ctx).Info("qafmux: logical stream opened", "role", role, "spec", cfg.Spec, "flags", cfg.Flags)
	return ls, nil
}

// CloseOutputStream closes a logical stream opened by this session.
func (s *Session) CloseOutputStream(out device.OutputStream) error {
	ls, ok := out.(*LogicalStream)
	if !ok || ls.s != s {
		return fmt.Errorf("%w: stream does not belong to this session", ErrInvalidState)
	}
	return ls.Close()
}

// releaseSlotLocked clears ls's role slot if it still holds it.
func (s *Session) releaseSlotLocked(ls *LogicalStream) bool {
	if s.slots[ls.role] != ls {
		return false
	}
	s.slots[ls.role] = nil
	s.metrics.AddActiveStreams(s.ctx, ls.role.String(), -1)
	return true
}

// claimSlotLocked lets a stream whose slot was cleared by end-of-stream
// resume, unless another stream took the role meanwhile.
func (s *Session) claimSlotLocked(ls *LogicalStream) error {
	switch s.slots[ls.role] {
	case ls:
		return nil
	case nil:
		if ls.role == qaf.RoleAssociated && s.slots[qaf.RoleMain] == nil {
			return fmt.Errorf("%w: associated stream requires a main stream", ErrRoleConflict)
		}
		s.slots[ls.role] = ls
		s.metrics.AddActiveStreams(s.ctx, ls.role.String(), 1)
		return nil
	default:
		return fmt.Errorf("%w: %s role taken by a newer stream", ErrInvalidState, ls.role)
	}
}

// bypassLocked returns the DefaultPassthrough stream when ls's bitstream can
// go to HDMI unchanged, opening it if needed.
func (s *Session) bypassLocked(ls *LogicalStream) (*renderStream, error) {
	spec := ls.cfg.Spec
	if ls.role != qaf.RoleMain {
		return nil, nil
	}
	if !s.sinks.Passthrough ||
		!s.sinks.Connected.Has(audio.DeviceHDMI) ||
		!spec.Codec.IsCompressed() ||
		!s.sinks.supports(spec.Codec) {
		// A stale bypass would keep the dispatcher dropping engine output.
		s.pool.teardown(RenderDefaultPassthrough)
		return nil, nil
	}
	rs, created, err := s.pool.ensure(s.ctx, RenderDefaultPassthrough, spec)
	if err != nil {
		return nil, err
	}
	if created {
		if err := rs.out.SetCallback(ls.notify); err != nil {
			observe.Logger(s.ctx).Warn("qafmux: attach bypass callback failed", "err", err)
		}
	}
	return rs, nil
}
