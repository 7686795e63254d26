package audio_test

import (
	"testing"

	"github.com/MrWong99/qafmux/pkg/audio"
)

func TestParseCodec(t *testing.T) {
	tests := []struct {
		in      string
		want    audio.Codec
		wantErr bool
	}{
		{"pcm", audio.CodecPCM16, false},
		{"AC3", audio.CodecAC3, false},
		{" eac3 ", audio.CodecEAC3, false},
		{"dts", audio.CodecDTS, false},
		{"flac", 0, true},
	}
	for _, tc := range tests {
		got, err := audio.ParseCodec(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseCodec(%q) err = %v, wantErr %v", tc.in, err, tc.wantErr)
			continue
		}
		if !tc.wantErr && got != tc.want {
			t.Errorf("ParseCodec(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestCodec_IsCompressed(t *testing.T) {
	if audio.CodecPCM16.IsCompressed() {
		t.Error("pcm reported as compressed")
	}
	for _, c := range []audio.Codec{audio.CodecAC3, audio.CodecEAC3, audio.CodecDTS, audio.CodecAAC} {
		if !c.IsCompressed() {
			t.Errorf("%v reported as not compressed", c)
		}
	}
}

func TestSpec_FrameSize(t *testing.T) {
	if got := (audio.Spec{Codec: audio.CodecPCM16, Channels: 6}).FrameSize(); got != 12 {
		t.Errorf("6ch pcm frame size = %d, want 12", got)
	}
	if got := (audio.Spec{Codec: audio.CodecAC3, Channels: 6}).FrameSize(); got != 0 {
		t.Errorf("ac3 frame size = %d, want 0", got)
	}
}

func TestSpec_Format(t *testing.T) {
	f := audio.Spec{Codec: audio.CodecPCM16, SampleRate: 48000, Channels: 2}.Format()
	if f.SampleRate != 48000 || f.NumChannels != 2 {
		t.Errorf("Format() = %+v, want 48000Hz 2ch", f)
	}
}

func TestDeviceMask(t *testing.T) {
	m := audio.DeviceSpeaker | audio.DeviceHDMI
	if !m.Has(audio.DeviceHDMI) {
		t.Error("mask should contain hdmi")
	}
	if m.Has(audio.DeviceBluetooth) {
		t.Error("mask should not contain bt")
	}
	if m.Has(audio.DeviceNone) {
		t.Error("Has(none) should be false")
	}
	if got := m.String(); got != "speaker|hdmi" {
		t.Errorf("String() = %q, want %q", got, "speaker|hdmi")
	}
	if got := audio.DeviceNone.String(); got != "none" {
		t.Errorf("String() = %q, want none", got)
	}
}

func TestParseDevice(t *testing.T) {
	for in, want := range map[string]audio.DeviceMask{
		"hdmi":    audio.DeviceHDMI,
		"Speaker": audio.DeviceSpeaker,
		"a2dp":    audio.DeviceBluetooth,
		"bt":      audio.DeviceBluetooth,
	} {
		got, err := audio.ParseDevice(in)
		if err != nil {
			t.Errorf("ParseDevice(%q) error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseDevice(%q) = %v, want %v", in, got, want)
		}
	}
	if _, err := audio.ParseDevice("usb"); err == nil {
		t.Error("ParseDevice(usb) should fail")
	}
}
