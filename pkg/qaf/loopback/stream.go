package loopback

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/qafmux/pkg/audio"
	"github.com/MrWong99/qafmux/pkg/qaf"
)

// Stream is a loopback input stream. Written bytes queue in a bounded buffer
// that the stream goroutine drains once per period after Start.
type Stream struct {
	sess *Session
	cfg  qaf.StreamConfig
	cap  int

	mu       sync.Mutex
	buf      []byte
	started  bool
	paused   bool
	draining bool
	closed   bool
	frames   uint64
	extra    map[string]string

	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Write queues as much of p as fits. A full buffer yields [qaf.ErrAgain]
// together with the bytes that were accepted.
func (st *Stream) Write(p []byte) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return 0, ErrClosed
	}
	n := min(st.cap-len(st.buf), len(p))
	st.buf = append(st.buf, p[:n]...)
	if n < len(p) {
		return n, qaf.ErrAgain
	}
	return n, nil
}

// Start begins or resumes output.
func (st *Stream) Start() error {
	return st.set(func() {
		st.started, st.paused, st.draining = true, false, false
	})
}

// Stop drains the queued input; the role's end-of-stream event follows
// once the buffer is empty. Local PCM streams have no such event.
func (st *Stream) Stop() error {
	return st.set(func() {
		st.started, st.paused, st.draining = true, false, true
	})
}

// Pause suspends output and keeps the queue.
func (st *Stream) Pause() error {
	return st.set(func() { st.paused = true })
}

// Flush discards the queue.
func (st *Stream) Flush() error {
	return st.set(func() { st.buf = nil })
}

func (st *Stream) set(fn func()) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return ErrClosed
	}
	fn()
	return nil
}

// Parameter answers position, buf_available and get_latency, and echoes
// keys stored through SetParameters.
func (st *Stream) Parameter(key string) (string, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	switch key {
	case qaf.ParamPosition:
		return strconv.FormatUint(st.frames, 10), nil
	case qaf.ParamBufAvailable:
		return strconv.Itoa(st.cap - len(st.buf)), nil
	case qaf.ParamLatency:
		return strconv.FormatInt(st.sess.opts.Latency.Milliseconds(), 10), nil
	}
	if v, ok := st.extra[key]; ok {
		return v, nil
	}
	return "", fmt.Errorf("loopback: unknown parameter %q", key)
}

// SetParameters stores the pairs of kv for later Parameter queries.
func (st *Stream) SetParameters(kv string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return ErrClosed
	}
	for _, seg := range strings.Split(kv, ";") {
		k, v, _ := strings.Cut(seg, "=")
		if k = strings.TrimSpace(k); k != "" {
			st.extra[k] = strings.TrimSpace(v)
		}
	}
	return nil
}

// Close ends the stream goroutine. It does not wait for it, so it is safe to
// call from an event callback. Close is idempotent.
func (st *Stream) Close() error {
	st.closeOnce.Do(func() {
		st.mu.Lock()
		st.closed = true
		st.buf = nil
		st.mu.Unlock()
		close(st.quit)
		st.sess.forget(st)
	})
	return nil
}

func (st *Stream) run() {
	defer close(st.done)
	t := time.NewTicker(st.sess.opts.Period)
	defer t.Stop()
	for {
		select {
		case <-st.quit:
			return
		case <-t.C:
			st.tick()
		}
	}
}

// tick drains one period of input and emits the resulting events.
func (st *Stream) tick() {
	st.mu.Lock()
	if st.closed || !st.started || st.paused {
		st.mu.Unlock()
		return
	}
	take := min(len(st.buf), st.chunk())
	data := append([]byte(nil), st.buf[:take]...)
	st.buf = st.buf[take:]
	frames := st.outputFrames(take)
	st.frames += frames
	eos := st.draining && len(st.buf) == 0
	if eos {
		st.started, st.draining = false, false
	}
	st.mu.Unlock()

	if take > 0 {
		for _, ev := range st.payloads(data, int(frames)) {
			st.sess.emit(ev)
		}
	}
	if !eos {
		return
	}
	switch st.cfg.Role {
	case qaf.RoleMain:
		st.sess.emit(qaf.Event{Type: qaf.EventMainEOS})
	case qaf.RoleAssociated:
		st.sess.emit(qaf.Event{Type: qaf.EventAssociatedEOS})
	}
}

// chunk is the number of input bytes consumed per period.
func (st *Stream) chunk() int {
	spec := st.cfg.Spec
	fs := spec.FrameSize()
	if fs == 0 || spec.SampleRate <= 0 {
		return defaultChunk
	}
	frames := int(int64(spec.SampleRate) * int64(st.sess.opts.Period) / int64(time.Second))
	return max(frames, 1) * fs
}

// outputFrames converts n consumed input bytes to frames at the output rate.
func (st *Stream) outputFrames(n int) uint64 {
	if n == 0 {
		return 0
	}
	spec := st.cfg.Spec
	fs := spec.FrameSize()
	if fs == 0 || spec.SampleRate <= 0 {
		return uint64(int64(st.sess.rate) * int64(st.sess.opts.Period) / int64(time.Second))
	}
	return uint64(int64(n/fs) * int64(st.sess.rate) / int64(spec.SampleRate))
}

// payloads renders consumed input as engine output for the current output
// state.
func (st *Stream) payloads(data []byte, frames int) []qaf.Event {
	out := st.sess.output()
	rate := st.sess.rate
	spec := st.cfg.Spec

	pcm := func(ch int) audio.Spec {
		return audio.Spec{Codec: audio.CodecPCM16, SampleRate: rate, Channels: ch}
	}
	stereo := func() []byte {
		if spec.Codec.IsCompressed() {
			return make([]byte, frames*4)
		}
		return audio.Conform(data, spec, pcm(2))
	}

	var evs []qaf.Event
	if other := out.devices &^ audio.DeviceHDMI; other != audio.DeviceNone {
		evs = append(evs, qaf.Event{Type: qaf.EventData, Device: other, Spec: pcm(2), Data: stereo()})
	}
	if !out.devices.Has(audio.DeviceHDMI) {
		return evs
	}
	switch {
	case out.passthrough && spec.Codec.IsCompressed() && st.cfg.Role == qaf.RoleMain:
		evs = append(evs, qaf.Event{
			Type:   qaf.EventData,
			Device: audio.DeviceHDMI,
			Spec:   audio.Spec{Codec: spec.Codec, SampleRate: rate, Channels: spec.Channels},
			Data:   data,
		})
	case out.channels > 2:
		evs = append(evs, qaf.Event{
			Type:   qaf.EventData,
			Device: audio.DeviceHDMI,
			Spec:   pcm(out.channels),
			Data:   audio.Conform(stereo(), pcm(2), pcm(out.channels)),
		})
	case len(evs) == 0:
		evs = append(evs, qaf.Event{Type: qaf.EventData, Device: audio.DeviceHDMI, Spec: pcm(2), Data: stereo()})
	}
	return evs
}
