package qafmux

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/MrWong99/qafmux/pkg/qaf"
	qafmock "github.com/MrWong99/qafmux/pkg/qaf/mock"
)

func TestBackpressureWorker_SingleWakeupPerTransition(t *testing.T) {
	st := &qafmock.Stream{}
	var calls atomic.Int32
	fired := make(chan struct{}, 8)
	w := newBackpressureWorker(st, 1024, time.Millisecond, func() {
		calls.Add(1)
		fired <- struct{}{}
	})
	defer w.stop()

	for range 10 {
		w.waitForBuffer()
	}
	time.Sleep(10 * time.Millisecond)
	if n := calls.Load(); n != 0 {
		t.Fatalf("ready fired %d times while the buffer was full", n)
	}

	st.SetParam(qaf.ParamBufAvailable, 1024)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("ready never fired")
	}
	time.Sleep(10 * time.Millisecond)
	if n := calls.Load(); n != 1 {
		t.Fatalf("ready fired %d times, want 1", n)
	}

	// A new wait after the transition yields a new wakeup.
	w.waitForBuffer()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("second wait never fired")
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("ready fired %d times, want 2", n)
	}
}

func TestBackpressureWorker_StopInterruptsPolling(t *testing.T) {
	st := &qafmock.Stream{}
	w := newBackpressureWorker(st, 1<<20, time.Millisecond, func() {
		t.Error("ready must not fire for a buffer that never frees up")
	})
	w.waitForBuffer()
	time.Sleep(5 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		w.stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("stop did not join the worker")
	}
}

func TestBackpressureWorker_StopIdempotent(t *testing.T) {
	w := newBackpressureWorker(&qafmock.Stream{}, 1, time.Millisecond, func() {})
	w.stop()
	w.stop()

	select {
	case <-w.done:
	default:
		t.Fatal("worker goroutine still running after stop")
	}
}

func TestBackpressureWorker_Available(t *testing.T) {
	st := &qafmock.Stream{}
	w := newBackpressureWorker(st, 1, time.Millisecond, func() {})
	defer w.stop()

	// Unset keys read as "0", which is below the one-byte threshold.
	if got := w.available(); got != 0 {
		t.Errorf("available = %d, want 0", got)
	}
	st.SetParam(qaf.ParamBufAvailable, 7)
	if got := w.available(); got != 7 {
		t.Errorf("available = %d, want 7", got)
	}
}
