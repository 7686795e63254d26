// Package qaf defines the contract of the downstream post-processing engine.
//
// The engine is a vendor-supplied decode/encode/mix block reached only through
// opaque handles: an [Engine] opens a [Session]; a Session opens one [Stream]
// per logical input (main program, associated commentary, local PCM). Output
// is never returned from Write; the engine delivers it asynchronously through
// the [EventCallback] registered on the Session, tagging each payload with the
// sink it is meant for.
//
// Implementations must be safe for concurrent use. In particular the event
// callback may be invoked on an engine-owned goroutine while callers are
// writing to streams of the same session.
package qaf

import (
	"context"
	"errors"

	"github.com/MrWong99/qafmux/pkg/audio"
)

// ErrAgain is returned by [Stream.Write] when the engine's input buffer is
// full. It is not a failure: the caller should wait until the
// [ParamBufAvailable] key reports free space and retry.
var ErrAgain = errors.New("qaf: input buffer full, try again")

// ErrLicense is returned by [Engine.OpenSession] when the engine refuses to
// start because its license or vendor library is unavailable.
var ErrLicense = errors.New("qaf: license or vendor library unavailable")

// Parameter keys understood by [Stream.Parameter].
const (
	// ParamPosition reports the number of PCM frames rendered so far.
	ParamPosition = "position"

	// ParamBufAvailable reports the number of free bytes in the input buffer.
	ParamBufAvailable = "buf_available"

	// ParamLatency reports the algorithmic latency in milliseconds.
	ParamLatency = "get_latency"
)

// StreamRole classifies an engine input stream.
type StreamRole int

const (
	// RoleMain is the main program track.
	RoleMain StreamRole = iota

	// RoleAssociated is the associated (commentary/description) track. It is
	// mixed into the main program and requires a main stream.
	RoleAssociated

	// RoleLocalPCM is locally generated PCM (UI sounds, system tones).
	RoleLocalPCM
)

// String returns the lower-case role name.
func (r StreamRole) String() string {
	switch r {
	case RoleMain:
		return "main"
	case RoleAssociated:
		return "associated"
	case RoleLocalPCM:
		return "local_pcm"
	default:
		return "unknown"
	}
}

// EventType classifies the events an engine delivers to its [EventCallback].
type EventType int

const (
	// EventData carries output bytes for the sink named by [Event.Device].
	EventData EventType = iota

	// EventMainEOS signals that the main track finished draining.
	EventMainEOS

	// EventAssociatedEOS signals that the associated track finished draining.
	EventAssociatedEOS
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventData:
		return "DATA"
	case EventMainEOS:
		return "MAIN_EOS"
	case EventAssociatedEOS:
		return "ASSOC_EOS"
	default:
		return "UNKNOWN"
	}
}

// EventMask selects which event types a callback receives.
type EventMask uint32

// Mask returns the bit of e within an [EventMask].
func (e EventType) Mask() EventMask { return 1 << EventMask(e) }

// EventMaskAll subscribes to every event type.
const EventMaskAll EventMask = ^EventMask(0)

// Event is a single engine notification.
type Event struct {
	// Type classifies the event.
	Type EventType

	// Device is the sink the payload targets. Only set for [EventData].
	Device audio.DeviceMask

	// Spec describes Data. A compressed codec together with an HDMI device
	// tag means the payload is a transcoded bitstream for an HDMI receiver.
	Spec audio.Spec

	// Data is the output payload. The slice is only valid for the duration of
	// the callback.
	Data []byte
}

// EventCallback receives engine events. It must not block for long: it runs on
// the engine's output goroutine.
type EventCallback func(Event)

// SessionConfig carries the parameters needed to start an engine session.
type SessionConfig struct {
	// LibraryPath locates the vendor engine library.
	LibraryPath string

	// LicenseKey unlocks the engine. Engines refuse to open without it.
	LicenseKey string

	// OutputSampleRate is the canonical rate of every PCM payload the engine
	// emits (typically 48000).
	OutputSampleRate int

	// Options holds engine-specific settings.
	Options map[string]any
}

// StreamConfig describes an input stream opened on a [Session].
type StreamConfig struct {
	// Role classifies the input.
	Role StreamRole

	// Spec is the input format.
	Spec audio.Spec

	// Devices is the sink mask the stream is initially rendered to.
	Devices audio.DeviceMask
}

// Engine opens engine sessions.
type Engine interface {
	// OpenSession starts a session. It returns an error wrapping [ErrLicense]
	// when the license or vendor library is missing.
	OpenSession(ctx context.Context, cfg SessionConfig) (Session, error)
}

// Session is an open engine session.
type Session interface {
	// OpenStream opens an input stream.
	OpenStream(ctx context.Context, cfg StreamConfig) (Stream, error)

	// SetParameters forwards a flat "k=v;k=v" string to the engine.
	SetParameters(kv string) error

	// RegisterEventCallback installs cb for the event types in mask. Only one
	// callback is active; later registrations replace earlier ones.
	RegisterEventCallback(cb EventCallback, mask EventMask)

	// Close releases the session. Streams still open are closed implicitly.
	// Calling Close more than once is safe.
	Close() error
}

// Stream is an engine input stream.
type Stream interface {
	// Write hands p to the engine. It never blocks on a full buffer; instead
	// it returns the bytes consumed so far and [ErrAgain].
	Write(p []byte) (int, error)

	// Start begins processing. Writes before Start are buffered.
	Start() error

	// Stop ends the input; the engine drains buffered data and then emits
	// the role's EOS event.
	Stop() error

	// Pause suspends processing without discarding buffered data.
	Pause() error

	// Flush discards buffered data.
	Flush() error

	// Parameter queries one of the Param* keys.
	Parameter(key string) (string, error)

	// SetParameters forwards a flat "k=v;k=v" string to the stream.
	SetParameters(kv string) error

	// Close releases the stream. Calling Close more than once is safe.
	Close() error
}
