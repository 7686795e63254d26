// Package mock provides test doubles for the qaf package interfaces.
//
// Use Engine to verify the session configuration handed to the engine and to
// inject open failures. Use Session to deliver controlled events to the
// registered callback via [Session.Emit]. Use Stream to script write results
// and parameter values.
//
// Example:
//
//	eng := &mock.Engine{}
//	sess, _ := eng.OpenSession(ctx, qaf.SessionConfig{LicenseKey: "k"})
//	eng.Session().Emit(qaf.Event{Type: qaf.EventData, Device: audio.DeviceSpeaker})
package mock

import (
	"context"
	"strconv"
	"sync"

	"github.com/MrWong99/qafmux/pkg/qaf"
)

var (
	_ qaf.Engine  = (*Engine)(nil)
	_ qaf.Session = (*Session)(nil)
	_ qaf.Stream  = (*Stream)(nil)
)

// ─── Engine ───────────────────────────────────────────────────────────────────

// Engine is a mock implementation of [qaf.Engine].
type Engine struct {
	mu sync.Mutex

	// OpenSessionErr, if non-nil, is returned by OpenSession.
	OpenSessionErr error

	// Configs records every SessionConfig passed to OpenSession.
	Configs []qaf.SessionConfig

	session *Session
}

// OpenSession records cfg and returns a fresh [Session], or OpenSessionErr.
func (e *Engine) OpenSession(_ context.Context, cfg qaf.SessionConfig) (qaf.Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.Configs = append(e.Configs, cfg)
	if e.OpenSessionErr != nil {
		return nil, e.OpenSessionErr
	}
	e.session = &Session{}
	return e.session, nil
}

// Session returns the most recently opened session, or nil.
func (e *Engine) Session() *Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// ─── Session ──────────────────────────────────────────────────────────────────

// Session is a mock implementation of [qaf.Session].
type Session struct {
	mu sync.Mutex

	// OpenStreamErr, if non-nil, is returned by OpenStream.
	OpenStreamErr error

	// NewStream, if set, builds the stream returned by OpenStream. The default
	// is an empty [Stream].
	NewStream func(cfg qaf.StreamConfig) *Stream

	streams  []*Stream
	params   []string
	callback qaf.EventCallback
	mask     qaf.EventMask
	closes   int
}

// OpenStream implements [qaf.Session].
func (s *Session) OpenStream(_ context.Context, cfg qaf.StreamConfig) (qaf.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.OpenStreamErr != nil {
		return nil, s.OpenStreamErr
	}
	st := &Stream{}
	if s.NewStream != nil {
		st = s.NewStream(cfg)
	}
	st.Config = cfg
	s.streams = append(s.streams, st)
	return st, nil
}

// SetParameters implements [qaf.Session]. The string is recorded.
func (s *Session) SetParameters(kv string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = append(s.params, kv)
	return nil
}

// RegisterEventCallback implements [qaf.Session].
func (s *Session) RegisterEventCallback(cb qaf.EventCallback, mask qaf.EventMask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callback = cb
	s.mask = mask
}

// Close implements [qaf.Session].
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

// Emit delivers ev to the registered callback synchronously, honouring the
// registered mask. It is a no-op when no callback is registered.
func (s *Session) Emit(ev qaf.Event) {
	s.mu.Lock()
	cb, mask := s.callback, s.mask
	s.mu.Unlock()
	if cb == nil || mask&ev.Type.Mask() == 0 {
		return
	}
	cb(ev)
}

// Streams returns every stream opened so far.
func (s *Session) Streams() []*Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Stream(nil), s.streams...)
}

// Params returns every SetParameters string in order.
func (s *Session) Params() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.params...)
}

// CloseCount returns how often Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closes
}

// ─── Stream ───────────────────────────────────────────────────────────────────

// Stream is a mock implementation of [qaf.Stream].
type Stream struct {
	mu sync.Mutex

	// Config is the configuration the stream was opened with.
	Config qaf.StreamConfig

	// WriteErr, if non-nil, is returned by Write with zero bytes consumed.
	// Set it to [qaf.ErrAgain] to simulate a full input buffer.
	WriteErr error

	params    map[string]string
	written   []byte
	setParams []string
	starts    int
	stops     int
	pauses    int
	flushes   int
	writes    int
	closed    bool
}

// Write implements [qaf.Stream].
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.WriteErr != nil {
		return 0, s.WriteErr
	}
	s.written = append(s.written, p...)
	return len(p), nil
}

// Start implements [qaf.Stream].
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.starts++
	return nil
}

// Stop implements [qaf.Stream].
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
	return nil
}

// Pause implements [qaf.Stream].
func (s *Stream) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pauses++
	return nil
}

// Flush implements [qaf.Stream].
func (s *Stream) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

// Parameter implements [qaf.Stream]. Unset keys read as "0".
func (s *Stream) Parameter(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.params[key]; ok {
		return v, nil
	}
	return "0", nil
}

// SetParameters implements [qaf.Stream]. The string is recorded.
func (s *Stream) SetParameters(kv string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setParams = append(s.setParams, kv)
	return nil
}

// Close implements [qaf.Stream].
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// SetParam sets the value returned by Parameter for key.
func (s *Stream) SetParam(key string, value int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.params == nil {
		s.params = make(map[string]string)
	}
	s.params[key] = strconv.Itoa(value)
}

// SetWriteErr replaces WriteErr under the stream lock.
func (s *Stream) SetWriteErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.WriteErr = err
}

// Written returns a copy of the bytes accepted so far.
func (s *Stream) Written() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.written...)
}

// Counts returns how often Start, Stop, Pause, Flush and Write were called.
func (s *Stream) Counts() (start, stop, pause, flush, write int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.starts, s.stops, s.pauses, s.flushes, s.writes
}

// SetParams returns every SetParameters string in order.
func (s *Stream) SetParams() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.setParams...)
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
