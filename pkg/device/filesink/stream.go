package filesink

import (
	"encoding/binary"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/qafmux/pkg/device"
)

// iecFrameSize is the frame size IEC 61937 uses to carry bitstreams over a
// 16-bit stereo link.
const iecFrameSize = 4

// Stream is a file-backed [device.OutputStream].
type Stream struct {
	path    string
	cfg     device.StreamConfig
	latency time.Duration

	mu     sync.Mutex
	f      *os.File
	enc    *wav.Encoder
	buf    *goaudio.IntBuffer
	cb     device.Callback
	bytes  uint64
	gainL  float32
	gainR  float32
	paused bool
	params map[string]string
	closed bool
}

func newStream(f *os.File, path string, cfg device.StreamConfig, latency time.Duration) *Stream {
	s := &Stream{
		path:    path,
		cfg:     cfg,
		latency: latency,
		f:       f,
		gainL:   1,
		gainR:   1,
		params:  make(map[string]string),
	}
	if !cfg.Spec.Codec.IsCompressed() {
		s.enc = wav.NewEncoder(f, cfg.Spec.SampleRate, 16, cfg.Spec.Channels, 1)
		s.buf = &goaudio.IntBuffer{Format: cfg.Spec.Format(), SourceBitDepth: 16}
	}
	return s
}

// Path returns the file the stream writes to.
func (s *Stream) Path() string { return s.path }

// Write appends p to the file. PCM is scaled by the current volume. Trailing
// bytes that do not form a whole frame are dropped.
func (s *Stream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	if s.enc == nil {
		n, err := s.f.Write(p)
		s.bytes += uint64(n)
		if err != nil {
			return n, fmt.Errorf("filesink: write %s: %w", s.path, err)
		}
		return n, nil
	}

	ch := max(s.cfg.Spec.Channels, 1)
	samples := len(p) / 2
	samples -= samples % ch
	data := s.buf.Data[:0]
	for i := range samples {
		v := float32(int16(binary.LittleEndian.Uint16(p[2*i:])))
		if i%ch == 0 {
			v *= s.gainL
		} else if i%ch == 1 {
			v *= s.gainR
		}
		data = append(data, int(v))
	}
	s.buf.Data = data
	if err := s.enc.Write(s.buf); err != nil {
		return 0, fmt.Errorf("filesink: encode %s: %w", s.path, err)
	}
	s.bytes += uint64(samples * 2)
	return len(p), nil
}

// Standby has nothing to release; it only checks that the stream is open.
func (s *Stream) Standby() error {
	return s.set(func() {})
}

// Pause marks the stream paused.
func (s *Stream) Pause() error {
	return s.set(func() { s.paused = true })
}

// Resume clears the paused state.
func (s *Stream) Resume() error {
	return s.set(func() { s.paused = false })
}

// Paused reports whether Pause was called without a later Resume.
func (s *Stream) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Flush is a no-op; written data is already on disk.
func (s *Stream) Flush() error {
	return s.set(func() {})
}

// Drain reports [device.EventDrainReady] asynchronously.
func (s *Stream) Drain(device.DrainType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if cb := s.cb; cb != nil {
		go cb(device.EventDrainReady)
	}
	return nil
}

// SetVolume sets the gain applied to the first two channels of PCM writes.
func (s *Stream) SetVolume(left, right float32) error {
	if left < 0 || left > 1 || right < 0 || right > 1 {
		return fmt.Errorf("filesink: volume %.2f/%.2f out of range", left, right)
	}
	return s.set(func() { s.gainL, s.gainR = left, right })
}

// Latency returns the configured fixed latency.
func (s *Stream) Latency() time.Duration { return s.latency }

// PresentationPosition counts the frames written so far. Bitstreams count
// IEC 61937 frames.
func (s *Stream) PresentationPosition() (uint64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, time.Time{}, ErrClosed
	}
	fs := uint64(s.cfg.Spec.FrameSize())
	if fs == 0 {
		fs = iecFrameSize
	}
	return s.bytes / fs, time.Now(), nil
}

// SetCallback installs cb.
func (s *Stream) SetCallback(cb device.Callback) error {
	return s.set(func() { s.cb = cb })
}

// SetParameters records the pairs in kv.
func (s *Stream) SetParameters(kv string) error {
	return s.set(func() {
		for _, seg := range strings.Split(kv, ";") {
			k, v, _ := strings.Cut(seg, "=")
			if k = strings.TrimSpace(k); k != "" {
				s.params[k] = strings.TrimSpace(v)
			}
		}
	})
}

// Parameter returns a value recorded through SetParameters.
func (s *Stream) Parameter(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.params[key]
	return v, ok
}

func (s *Stream) set(fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	fn()
	return nil
}

func (s *Stream) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var encErr error
	if s.enc != nil {
		encErr = s.enc.Close()
	}
	if err := s.f.Close(); err != nil {
		return fmt.Errorf("filesink: close %s: %w", s.path, err)
	}
	if encErr != nil {
		return fmt.Errorf("filesink: finalize %s: %w", s.path, encErr)
	}
	return nil
}
