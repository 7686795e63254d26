package audio_test

import (
	"bytes"
	"encoding/binary"
	"slices"
	"testing"

	"github.com/MrWong99/qafmux/pkg/audio"
)

func le16(samples ...int16) []byte {
	b := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
	}
	return b
}

func samples(b []byte) []int16 {
	s := make([]int16, len(b)/2)
	for i := range s {
		s[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return s
}

func pcm(rate, ch int) audio.Spec {
	return audio.Spec{Codec: audio.CodecPCM16, SampleRate: rate, Channels: ch}
}

func TestConform(t *testing.T) {
	tests := []struct {
		name    string
		in      []int16
		from    audio.Spec
		to      audio.Spec
		want    []int16
		wantLen int
	}{
		{
			name: "mono fills front pair",
			in:   []int16{100, -200},
			from: pcm(48000, 1),
			to:   pcm(48000, 2),
			want: []int16{100, 100, -200, -200},
		},
		{
			name: "stereo into 5.1 leaves the rest silent",
			in:   []int16{1, 2, 3, 4},
			from: pcm(48000, 2),
			to:   pcm(48000, 6),
			want: []int16{1, 2, 0, 0, 0, 0, 3, 4, 0, 0, 0, 0},
		},
		{
			name: "mono into 5.1",
			in:   []int16{7},
			from: pcm(48000, 1),
			to:   pcm(48000, 6),
			want: []int16{7, 7, 0, 0, 0, 0},
		},
		{
			name: "5.1 keeps front pair",
			in:   []int16{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12},
			from: pcm(48000, 6),
			to:   pcm(48000, 2),
			want: []int16{1, 2, 7, 8},
		},
		{
			name: "stereo upsample interpolates",
			in:   []int16{0, 1000, 300, 2000},
			from: pcm(24000, 2),
			to:   pcm(48000, 2),
			want: []int16{0, 1000, 150, 1500, 300, 2000, 300, 2000},
		},
		{
			name:    "mono 16k to stereo 48k",
			in:      []int16{1000, 2000},
			from:    pcm(16000, 1),
			to:      pcm(48000, 2),
			wantLen: 12,
		},
		{
			name: "downsample keeps every other frame",
			in:   []int16{10, 20, 30, 40},
			from: pcm(48000, 1),
			to:   pcm(24000, 1),
			want: []int16{10, 30},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := samples(audio.Conform(le16(tt.in...), tt.from, tt.to))
			if tt.want == nil {
				if len(got) != tt.wantLen {
					t.Errorf("len = %d, want %d", len(got), tt.wantLen)
				}
				return
			}
			if !slices.Equal(got, tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConform_MonoUpsampleEndpoints(t *testing.T) {
	got := samples(audio.Conform(le16(1000, 2000), pcm(16000, 1), pcm(48000, 2)))
	if got[0] != 1000 || got[1] != 1000 {
		t.Errorf("first frame = %v, want [1000 1000]", got[:2])
	}
	last := got[len(got)-2:]
	if last[0] != 2000 || last[1] != 2000 {
		t.Errorf("last frame = %v, want [2000 2000]", last)
	}
}

func TestConform_PassesThrough(t *testing.T) {
	in := le16(1, 2, 3, 4)
	tests := []struct {
		name     string
		from, to audio.Spec
	}{
		{"same format", pcm(48000, 2), pcm(48000, 2)},
		{"compressed source", audio.Spec{Codec: audio.CodecAC3, SampleRate: 48000, Channels: 6}, pcm(48000, 2)},
		{"compressed target", pcm(48000, 2), audio.Spec{Codec: audio.CodecEAC3, SampleRate: 48000, Channels: 6}},
		{"untagged source", audio.Spec{}, pcm(48000, 2)},
		{"untagged target", pcm(48000, 2), audio.Spec{Codec: audio.CodecPCM16}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := audio.Conform(in, tt.from, tt.to); !bytes.Equal(got, in) {
				t.Errorf("payload changed: %v", samples(got))
			}
		})
	}
}

func TestConform_DropsPartialFrame(t *testing.T) {
	in := append(le16(5, 6, 7), 0x01)
	got := samples(audio.Conform(in, pcm(48000, 2), pcm(48000, 6)))
	if want := []int16{5, 6, 0, 0, 0, 0}; !slices.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestConform_Empty(t *testing.T) {
	if got := audio.Conform(nil, pcm(16000, 1), pcm(48000, 2)); len(got) != 0 {
		t.Errorf("got %d bytes from empty input", len(got))
	}
}
