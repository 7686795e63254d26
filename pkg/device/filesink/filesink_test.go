package filesink_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-audio/wav"

	"github.com/MrWong99/qafmux/pkg/audio"
	"github.com/MrWong99/qafmux/pkg/device"
	"github.com/MrWong99/qafmux/pkg/device/filesink"
)

func newDevice(t *testing.T) *filesink.Device {
	t.Helper()
	d, err := filesink.New(filesink.Options{Dir: filepath.Join(t.TempDir(), "out")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func pcm(samples ...int16) []byte {
	b := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[2*i:], uint16(s))
	}
	return b
}

func TestPCMStreamWritesWAV(t *testing.T) {
	d := newDevice(t)
	spec := audio.Spec{Codec: audio.CodecPCM16, SampleRate: 48000, Channels: 2}
	out, err := d.OpenOutputStream(context.Background(), device.StreamConfig{Spec: spec, Devices: audio.DeviceSpeaker | audio.DeviceHDMI})
	if err != nil {
		t.Fatal(err)
	}
	path := out.(*filesink.Stream).Path()
	if !strings.HasSuffix(path, "speaker+hdmi-pcm-2ch.wav") {
		t.Errorf("path = %s", path)
	}

	if err := out.SetVolume(0.5, 1); err != nil {
		t.Fatal(err)
	}
	// The trailing odd byte is not a whole frame.
	in := append(pcm(1000, -1000, 200, 300), 0x7f)
	if n, err := out.Write(in); err != nil || n != len(in) {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if frames, _, _ := out.PresentationPosition(); frames != 2 {
		t.Errorf("position = %d, want 2", frames)
	}
	if err := d.CloseOutputStream(out); err != nil {
		t.Fatal(err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		t.Fatal("not a valid WAV file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		t.Fatal(err)
	}
	if dec.SampleRate != 48000 || dec.NumChans != 2 {
		t.Errorf("header = %dHz %dch", dec.SampleRate, dec.NumChans)
	}
	want := []int{500, -1000, 100, 300}
	if len(buf.Data) != len(want) {
		t.Fatalf("samples = %v, want %v", buf.Data, want)
	}
	for i := range want {
		if buf.Data[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, buf.Data[i], want[i])
		}
	}
}

func TestBitstreamIsWrittenVerbatim(t *testing.T) {
	d := newDevice(t)
	spec := audio.Spec{Codec: audio.CodecEAC3, SampleRate: 48000, Channels: 6}
	out, err := d.OpenOutputStream(context.Background(), device.StreamConfig{Spec: spec, Devices: audio.DeviceHDMI, Flags: device.FlagDirect})
	if err != nil {
		t.Fatal(err)
	}
	path := out.(*filesink.Stream).Path()
	if filepath.Ext(path) != ".eac3" {
		t.Errorf("path = %s", path)
	}
	payload := bytes.Repeat([]byte{0x0b, 0x77}, 6)
	_, _ = out.Write(payload)
	if frames, _, _ := out.PresentationPosition(); frames != 3 {
		t.Errorf("position = %d, want 3", frames)
	}
	_ = d.CloseOutputStream(out)

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("file = %x, want %x", got, payload)
	}
}

func TestDrainNotifies(t *testing.T) {
	d := newDevice(t)
	out, _ := d.OpenOutputStream(context.Background(), device.StreamConfig{Spec: audio.Spec{Codec: audio.CodecAC3, SampleRate: 48000, Channels: 6}})
	events := make(chan device.EventType, 1)
	_ = out.SetCallback(func(ev device.EventType) { events <- ev })
	if err := out.Drain(device.DrainAll); err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-events:
		if ev != device.EventDrainReady {
			t.Errorf("event = %v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no drain notification")
	}
}

func TestClosedStream(t *testing.T) {
	d := newDevice(t)
	out, _ := d.OpenOutputStream(context.Background(), device.StreamConfig{Spec: audio.Spec{Codec: audio.CodecPCM16, SampleRate: 44100, Channels: 2}})
	_ = d.CloseOutputStream(out)
	if _, err := out.Write(pcm(1, 2)); err != filesink.ErrClosed {
		t.Errorf("Write after close = %v", err)
	}
	if err := out.Pause(); err != filesink.ErrClosed {
		t.Errorf("Pause after close = %v", err)
	}
	if err := d.CloseOutputStream(out); err != nil {
		t.Errorf("second close = %v", err)
	}
}

func TestStreamParameters(t *testing.T) {
	d := newDevice(t)
	out, _ := d.OpenOutputStream(context.Background(), device.StreamConfig{Spec: audio.Spec{Codec: audio.CodecPCM16, SampleRate: 48000, Channels: 2}})
	_ = out.SetParameters("dap_profile=music; a2dp_suspended=false")
	if v, ok := out.(*filesink.Stream).Parameter("a2dp_suspended"); !ok || v != "false" {
		t.Errorf("a2dp_suspended = %q, %v", v, ok)
	}
	_ = out.Pause()
	if !out.(*filesink.Stream).Paused() {
		t.Error("Paused() = false after Pause")
	}
	_ = out.Resume()
	if out.(*filesink.Stream).Paused() {
		t.Error("Paused() = true after Resume")
	}
	if out.Latency() != filesink.DefaultLatency {
		t.Errorf("latency = %v", out.Latency())
	}
	if err := out.SetVolume(1.5, 0); err == nil {
		t.Error("out-of-range volume accepted")
	}
}

func TestParseOptions(t *testing.T) {
	o, err := filesink.ParseOptions(map[string]any{"dir": "/tmp/x", "latency_ms": 60})
	if err != nil {
		t.Fatal(err)
	}
	if o.Dir != "/tmp/x" || o.Latency != 60*time.Millisecond {
		t.Errorf("options = %+v", o)
	}
	if _, err := filesink.ParseOptions(map[string]any{"dir": 3}); err == nil {
		t.Error("numeric dir accepted")
	}
}

func TestOpenCancelled(t *testing.T) {
	d := newDevice(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := d.OpenOutputStream(ctx, device.StreamConfig{}); err == nil {
		t.Error("open with cancelled context succeeded")
	}
}
