// Package audio defines the stream format and sink descriptors shared by the
// downstream engine contract ([github.com/MrWong99/qafmux/pkg/qaf]) and the
// host device layer contract ([github.com/MrWong99/qafmux/pkg/device]).
//
// The types are deliberately small value types: a [Spec] names a codec, a
// sample rate and a channel count; a [DeviceMask] names the sinks a stream or
// payload targets. Both are safe to copy and compare.
package audio

import (
	"fmt"
	"strings"

	goaudio "github.com/go-audio/audio"
)

// Codec identifies the encoding of a stream's payload.
type Codec int

const (
	// CodecPCM16 is interleaved little-endian signed 16-bit PCM.
	CodecPCM16 Codec = iota

	// CodecAC3 is a Dolby Digital bitstream.
	CodecAC3

	// CodecEAC3 is a Dolby Digital Plus bitstream.
	CodecEAC3

	// CodecDTS is a DTS bitstream.
	CodecDTS

	// CodecAAC is an AAC (ADTS/LATM) bitstream.
	CodecAAC
)

var codecNames = map[Codec]string{
	CodecPCM16: "pcm",
	CodecAC3:   "ac3",
	CodecEAC3:  "eac3",
	CodecDTS:   "dts",
	CodecAAC:   "aac",
}

// String returns the lower-case name used in configuration and session
// parameters (e.g. "eac3").
func (c Codec) String() string {
	if n, ok := codecNames[c]; ok {
		return n
	}
	return "unknown"
}

// IsCompressed reports whether c is a bitstream codec rather than PCM.
func (c Codec) IsCompressed() bool {
	return c != CodecPCM16
}

// ParseCodec returns the codec named s. Matching is case-insensitive.
func ParseCodec(s string) (Codec, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for c, n := range codecNames {
		if n == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("audio: unknown codec %q", s)
}

// Spec describes the format of a stream: codec, sample rate and channel count.
type Spec struct {
	Codec      Codec
	SampleRate int
	Channels   int
}

// Format returns the go-audio representation of s, used by PCM encoders.
func (s Spec) Format() *goaudio.Format {
	return &goaudio.Format{NumChannels: s.Channels, SampleRate: s.SampleRate}
}

// FrameSize returns the number of bytes per PCM frame, or 0 for bitstream
// codecs whose frame size is not fixed.
func (s Spec) FrameSize() int {
	if s.Codec.IsCompressed() || s.Channels <= 0 {
		return 0
	}
	return s.Channels * 2
}

// String returns e.g. "pcm 48000Hz 2ch".
func (s Spec) String() string {
	return fmt.Sprintf("%s %dHz %dch", s.Codec, s.SampleRate, s.Channels)
}
