package qafmux

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/qafmux/pkg/device"
	"github.com/MrWong99/qafmux/pkg/qaf"
)

type offloadCmd int

const (
	cmdWaitForBuffer offloadCmd = iota
	cmdExit
)

// backpressureWorker waits out engine buffer-full conditions for one
// non-blocking logical stream so that Write never blocks. Commands are queued
// under mu and the run goroutine is woken through a size-1 channel.
type backpressureWorker struct {
	stream   qaf.Stream
	need     int
	interval time.Duration
	ready    func()

	mu      sync.Mutex
	queue   []offloadCmd
	waiting bool // a wait is queued or polling

	wake     chan struct{}
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// newBackpressureWorker starts a worker that, on request, polls stream until at
// least need bytes of input buffer are free and then calls ready once.
func newBackpressureWorker(stream qaf.Stream, need int, interval time.Duration, ready func()) *backpressureWorker {
	w := &backpressureWorker{
		stream:   stream,
		need:     need,
		interval: interval,
		ready:    ready,
		wake:     make(chan struct{}, 1),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go w.run()
	return w
}

// waitForBuffer schedules a wait unless one is already pending, so a burst of
// rejected writes yields a single write-ready callback.
func (w *backpressureWorker) waitForBuffer() {
	w.mu.Lock()
	if w.waiting {
		w.mu.Unlock()
		return
	}
	w.waiting = true
	w.queue = append(w.queue, cmdWaitForBuffer)
	w.mu.Unlock()
	w.signal()
}

// stop queues the exit command and blocks until the goroutine has returned.
// It must not be called from within the ready callback.
func (w *backpressureWorker) stop() {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.queue = append(w.queue, cmdExit)
		w.mu.Unlock()
		close(w.quit)
		w.signal()
	})
	<-w.done
}

func (w *backpressureWorker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *backpressureWorker) pop() (offloadCmd, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.queue) == 0 {
		return 0, false
	}
	cmd := w.queue[0]
	w.queue = w.queue[1:]
	return cmd, true
}

func (w *backpressureWorker) run() {
	defer close(w.done)
	for {
		cmd, ok := w.pop()
		if !ok {
			<-w.wake
			continue
		}
		switch cmd {
		case cmdExit:
			w.mu.Lock()
			w.queue = nil
			w.mu.Unlock()
			return
		case cmdWaitForBuffer:
			if !w.pollUntilAvailable() {
				return
			}
			w.mu.Lock()
			w.waiting = false
			w.mu.Unlock()
			w.ready()
		}
	}
}

// pollUntilAvailable returns false when the worker was stopped first.
func (w *backpressureWorker) pollUntilAvailable() bool {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		if w.available() >= w.need {
			return true
		}
		select {
		case <-w.quit:
			return false
		case <-t.C:
		}
	}
}

func (w *backpressureWorker) available() int {
	v, err := w.stream.Parameter(qaf.ParamBufAvailable)
	if err != nil {
		slog.Debug("qafmux: buf_available query failed", "err", err)
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Debug("qafmux: malformed buf_available", "value", v)
		return 0
	}
	return n
}

// readyNotifier adapts a logical stream's callback delivery to the worker.
func readyNotifier(notify func(device.EventType), onWake func()) func() {
	return func() {
		onWake()
		notify(device.EventWriteReady)
	}
}
