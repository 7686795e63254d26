package config

import (
	"reflect"
	"slices"
	"strconv"
	"strings"

	"github.com/MrWong99/qafmux/pkg/audio"
)

// ConfigDiff describes what changed between two configs.
// Only sink state and log level can be applied without restart; other
// changes are listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SinkParams is the session parameter string ("k=v;k=v") that moves a
	// running session from the old sink state to the new one. Empty when the
	// sinks did not change.
	SinkParams string

	// RestartRequired names the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// SinksChanged reports whether the sink state differs.
func (d ConfigDiff) SinksChanged() bool { return d.SinkParams != "" }

// Diff compares old and new configs and returns what changed.
// Both configs are expected to be valid.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.SinkParams = diffSinks(old.Sinks, new.Sinks)

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	sections := []struct {
		name     string
		old, new any
	}{
		{"engine", old.Engine, new.Engine},
		{"device", old.Device, new.Device},
		{"output", old.Output, new.Output},
		{"render", old.Render, new.Render},
		{"backpressure", old.Backpressure, new.Backpressure},
		{"breaker", old.Breaker, new.Breaker},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}

// diffSinks derives the session parameters that turn old into new.
// Disconnects come first so that a sink swap never has both attached.
func diffSinks(old, new SinksConfig) string {
	oldMask, _ := old.DeviceMask()
	newMask, _ := new.DeviceMask()
	if oldMask == audio.DeviceNone {
		oldMask = audio.DeviceSpeaker
	}
	if newMask == audio.DeviceNone {
		newMask = audio.DeviceSpeaker
	}

	var parts []string
	add := func(k, v string) { parts = append(parts, k+"="+v) }

	for _, d := range []audio.DeviceMask{audio.DeviceSpeaker, audio.DeviceHDMI, audio.DeviceBluetooth} {
		if oldMask.Has(d) && !newMask.Has(d) {
			add("disconnect", d.String())
		}
	}
	if channels(old) != channels(new) {
		add("hdmi_channels", strconv.Itoa(channels(new)))
	}
	if !slices.Equal(normalise(old.HDMIFormats), normalise(new.HDMIFormats)) {
		add("hdmi_formats", strings.Join(normalise(new.HDMIFormats), ","))
	}
	if old.Passthrough != new.Passthrough {
		add("passthrough", onOff(new.Passthrough))
	}
	if old.MultiSinkDecode != new.MultiSinkDecode {
		add("multi_sink_decode", onOff(new.MultiSinkDecode))
	}
	for _, d := range []audio.DeviceMask{audio.DeviceSpeaker, audio.DeviceHDMI, audio.DeviceBluetooth} {
		if !oldMask.Has(d) && newMask.Has(d) {
			add("connect", d.String())
		}
	}
	return strings.Join(parts, ";")
}

func channels(s SinksConfig) int {
	if s.HDMIChannels == 0 {
		return 2
	}
	return s.HDMIChannels
}

func normalise(formats []string) []string {
	out := make([]string, 0, len(formats))
	for _, f := range formats {
		out = append(out, strings.ToLower(strings.TrimSpace(f)))
	}
	return out
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
