package audio

import (
	"fmt"
	"strings"
)

// DeviceMask is a bit set of physical sinks.
type DeviceMask uint32

const (
	// DeviceSpeaker is the built-in speaker / line-out.
	DeviceSpeaker DeviceMask = 1 << iota

	// DeviceHDMI is an HDMI (or HDMI-ARC) sink.
	DeviceHDMI

	// DeviceBluetooth is a Bluetooth A2DP sink.
	DeviceBluetooth
)

// DeviceNone is the empty mask.
const DeviceNone DeviceMask = 0

var deviceNames = []struct {
	bit  DeviceMask
	name string
}{
	{DeviceSpeaker, "speaker"},
	{DeviceHDMI, "hdmi"},
	{DeviceBluetooth, "bt"},
}

// Has reports whether every bit of d is set in m.
func (m DeviceMask) Has(d DeviceMask) bool {
	return d != 0 && m&d == d
}

// String returns the sinks joined with "|", e.g. "speaker|hdmi", or "none".
func (m DeviceMask) String() string {
	if m == DeviceNone {
		return "none"
	}
	var parts []string
	for _, d := range deviceNames {
		if m&d.bit != 0 {
			parts = append(parts, d.name)
		}
	}
	if len(parts) == 0 {
		return fmt.Sprintf("0x%x", uint32(m))
	}
	return strings.Join(parts, "|")
}

// ParseDevice returns the single sink named s ("speaker", "hdmi", "bt").
// "a2dp" and "bluetooth" are accepted as aliases for "bt".
func ParseDevice(s string) (DeviceMask, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "speaker":
		return DeviceSpeaker, nil
	case "hdmi":
		return DeviceHDMI, nil
	case "bt", "a2dp", "bluetooth":
		return DeviceBluetooth, nil
	}
	return DeviceNone, fmt.Errorf("audio: unknown device %q", s)
}
