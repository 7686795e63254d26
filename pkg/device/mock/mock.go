// Package mock provides in-memory mock implementations of the [device.Device]
// and [device.OutputStream] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	dev := &mock.Device{}
//	s, _ := dev.OpenOutputStream(ctx, device.StreamConfig{Devices: audio.DeviceHDMI})
//	_, _ = s.Write([]byte{1, 2})
//	out := dev.Streams()[0]
//	_ = out.Written() // [1 2]
package mock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MrWong99/qafmux/pkg/device"
)

var (
	_ device.Device       = (*Device)(nil)
	_ device.OutputStream = (*OutputStream)(nil)
)

// ErrClosed is returned by [OutputStream] methods after the stream was closed.
var ErrClosed = errors.New("mock: stream closed")

// ─── OutputStream ─────────────────────────────────────────────────────────────

// VolumeCall records a single [OutputStream.SetVolume] invocation.
type VolumeCall struct {
	Left, Right float32
}

// OutputStream is a mock implementation of [device.OutputStream].
// Set the exported Result fields before use; inspect the recorded fields after.
type OutputStream struct {
	mu sync.Mutex

	// Config is the configuration the stream was opened with.
	Config device.StreamConfig

	// WriteErr is returned by Write when non-nil.
	WriteErr error

	// LatencyResult is returned by Latency.
	LatencyResult time.Duration

	// PositionFrames is returned by PresentationPosition.
	PositionFrames uint64

	written  []byte
	writes   int
	volumes  []VolumeCall
	params   []string
	callback device.Callback
	standby  int
	pauses   int
	resumes  int
	flushes  int
	drains   []device.DrainType
	closed   bool
}

// Write implements [device.OutputStream]. The bytes are appended to the
// recorded output.
func (s *OutputStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if s.WriteErr != nil {
		return 0, s.WriteErr
	}
	s.written = append(s.written, p...)
	s.writes++
	return len(p), nil
}

// Standby implements [device.OutputStream].
func (s *OutputStream) Standby() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.standby++
	return nil
}

// Pause implements [device.OutputStream].
func (s *OutputStream) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauses++
	return nil
}

// Resume implements [device.OutputStream].
func (s *OutputStream) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resumes++
	return nil
}

// Flush implements [device.OutputStream].
func (s *OutputStream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

// Drain implements [device.OutputStream].
func (s *OutputStream) Drain(t device.DrainType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drains = append(s.drains, t)
	return nil
}

// SetVolume implements [device.OutputStream].
func (s *OutputStream) SetVolume(left, right float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volumes = append(s.volumes, VolumeCall{Left: left, Right: right})
	return nil
}

// Latency implements [device.OutputStream]. Returns LatencyResult.
func (s *OutputStream) Latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.LatencyResult
}

// PresentationPosition implements [device.OutputStream]. Returns
// PositionFrames and the current time.
func (s *OutputStream) PresentationPosition() (uint64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.PositionFrames, time.Now(), nil
}

// SetCallback implements [device.OutputStream].
func (s *OutputStream) SetCallback(cb device.Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = cb
	return nil
}

// SetParameters implements [device.OutputStream].
func (s *OutputStream) SetParameters(kv string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = append(s.params, kv)
	return nil
}

// Written returns a copy of all bytes written so far.
func (s *OutputStream) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]byte, len(s.written))
	copy(out, s.written)
	return out
}

// WriteCount returns the number of successful Write calls.
func (s *OutputStream) WriteCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// Volumes returns the recorded SetVolume calls in order.
func (s *OutputStream) Volumes() []VolumeCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]VolumeCall(nil), s.volumes...)
}

// Params returns the recorded SetParameters strings in order.
func (s *OutputStream) Params() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.params...)
}

// Callback returns the most recently installed callback, or nil.
func (s *OutputStream) Callback() device.Callback {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.callback
}

// Counts returns how often Standby, Pause, Resume and Flush were called.
func (s *OutputStream) Counts() (standby, pause, resume, flush int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.standby, s.pauses, s.resumes, s.flushes
}

// Drains returns the recorded Drain requests in order.
func (s *OutputStream) Drains() []device.DrainType {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]device.DrainType(nil), s.drains...)
}

// Closed reports whether the owning [Device] closed the stream.
func (s *OutputStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *OutputStream) markClosed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// ─── Device ───────────────────────────────────────────────────────────────────

// Device is a mock implementation of [device.Device].
type Device struct {
	mu sync.Mutex

	// OpenErr, if non-nil, is returned by every OpenOutputStream call.
	OpenErr error

	// OpenErrFunc, if set, is consulted before OpenErr. A non-nil result fails
	// the open.
	OpenErrFunc func(cfg device.StreamConfig) error

	// LatencyResult is copied into every stream opened by the device.
	LatencyResult time.Duration

	streams    []*OutputStream
	openCalls  []device.StreamConfig
	closeCalls int
}

// OpenOutputStream implements [device.Device]. Records the call and returns a
// new [OutputStream] unless an error is configured.
func (d *Device) OpenOutputStream(_ context.Context, cfg device.StreamConfig) (device.OutputStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.openCalls = append(d.openCalls, cfg)
	if d.OpenErrFunc != nil {
		if err := d.OpenErrFunc(cfg); err != nil {
			return nil, err
		}
	}
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	s := &OutputStream{Config: cfg, LatencyResult: d.LatencyResult}
	d.streams = append(d.streams, s)
	return s, nil
}

// CloseOutputStream implements [device.Device].
func (d *Device) CloseOutputStream(s device.OutputStream) error {
	d.mu.Lock()
	d.closeCalls++
	d.mu.Unlock()
	if ms, ok := s.(*OutputStream); ok {
		ms.markClosed()
	}
	return nil
}

// Streams returns every stream opened so far, including closed ones.
func (d *Device) Streams() []*OutputStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*OutputStream(nil), d.streams...)
}

// OpenStreams returns the streams that have not been closed.
func (d *Device) OpenStreams() []*OutputStream {
	var out []*OutputStream
	for _, s := range d.Streams() {
		if !s.Closed() {
			out = append(out, s)
		}
	}
	return out
}

// OpenCalls returns the configs of every OpenOutputStream call.
func (d *Device) OpenCalls() []device.StreamConfig {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]device.StreamConfig(nil), d.openCalls...)
}

// CloseCalls returns how often CloseOutputStream was called.
func (d *Device) CloseCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeCalls
}
