// Package device defines the contract of the host device layer: the component
// that opens and closes physical output streams (speaker, HDMI, Bluetooth).
//
// The same [OutputStream] capability set is implemented twice in this module:
// by the physical render streams a [Device] hands out, and by the logical
// streams of the session manager, which the host holds polymorphically in
// place of a physical stream.
package device

import (
	"context"
	"time"

	"github.com/MrWong99/qafmux/pkg/audio"
)

// Flags qualify an output stream request.
type Flags uint32

const (
	// FlagMain marks the main program stream.
	FlagMain Flags = 1 << iota

	// FlagAssociated marks the associated (commentary) stream.
	FlagAssociated

	// FlagNonBlocking requests asynchronous write-ready notification instead
	// of blocking writes (compressed offload).
	FlagNonBlocking

	// FlagDirect requests an unmixed path straight to the sink (passthrough).
	FlagDirect
)

// Has reports whether every bit of f is set in fl.
func (fl Flags) Has(f Flags) bool { return fl&f == f }

// StreamConfig describes an output stream.
type StreamConfig struct {
	// Spec is the stream format.
	Spec audio.Spec

	// Devices is the sink mask the stream renders to.
	Devices audio.DeviceMask

	// Flags qualify the request.
	Flags Flags

	// FragmentSize is the size in bytes of one buffer fragment. Zero lets the
	// device choose.
	FragmentSize int

	// FragmentCount is the number of fragments buffered by the device.
	FragmentCount int
}

// EventType classifies asynchronous stream notifications.
type EventType int

const (
	// EventWriteReady signals that a non-blocking stream can accept data again.
	EventWriteReady EventType = iota

	// EventDrainReady signals that a drain request completed.
	EventDrainReady

	// EventError signals an unrecoverable stream error.
	EventError
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventWriteReady:
		return "WRITE_READY"
	case EventDrainReady:
		return "DRAIN_READY"
	case EventError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Callback receives asynchronous stream notifications. It is invoked on an
// internal goroutine and must not block.
type Callback func(EventType)

// DrainType selects how a drain completes.
type DrainType int

const (
	// DrainAll waits until every buffered byte has been rendered.
	DrainAll DrainType = iota

	// DrainEarlyNotify notifies shortly before the end so that the next
	// track can be queued gaplessly.
	DrainEarlyNotify
)

// OutputStream is the capability set of a writable audio stream.
//
// Implementations must be safe for concurrent use, but callers serialize
// calls per stream.
type OutputStream interface {
	// Write renders p and returns the number of bytes consumed. Non-blocking
	// streams may consume fewer bytes than offered and report
	// [EventWriteReady] through the callback once space is available.
	Write(p []byte) (int, error)

	// Standby releases hardware resources until the next Write.
	Standby() error

	// Pause suspends rendering.
	Pause() error

	// Resume continues rendering after Pause.
	Resume() error

	// Flush discards buffered data.
	Flush() error

	// Drain requests an [EventDrainReady] notification once buffered data has
	// been rendered.
	Drain(t DrainType) error

	// SetVolume sets the left/right gain in [0, 1].
	SetVolume(left, right float32) error

	// Latency returns the end-to-end output latency.
	Latency() time.Duration

	// PresentationPosition returns the number of frames presented to the
	// sink and the time at which that count was valid.
	PresentationPosition() (frames uint64, at time.Time, err error)

	// SetCallback installs the asynchronous notification callback.
	SetCallback(cb Callback) error

	// SetParameters forwards a flat "k=v;k=v" string to the stream.
	SetParameters(kv string) error
}

// Device opens and closes output streams.
type Device interface {
	// OpenOutputStream opens a stream described by cfg.
	OpenOutputStream(ctx context.Context, cfg StreamConfig) (OutputStream, error)

	// CloseOutputStream closes a stream returned by OpenOutputStream.
	CloseOutputStream(s OutputStream) error
}
