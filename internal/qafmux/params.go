package qafmux

import (
	"fmt"
	"strings"
)

// Session parameter keys accepted by [Session.SetParameters].
const (
	KeyConnect         = "connect"
	KeyDisconnect      = "disconnect"
	KeyHDMIChannels    = "hdmi_channels"
	KeyHDMIFormats     = "hdmi_formats"
	KeyPassthrough     = "passthrough"
	KeyMultiSinkDecode = "multi_sink_decode"
)

// Keys of the summary forwarded to the engine session.
const (
	KeyOutputDevice = "o_device"
	KeyChannels     = "ch"
	KeyRenderFormat = "render_format"
)

// Values of [KeyRenderFormat].
const (
	RenderFormatPCM         = "pcm"
	RenderFormatPassthrough = "passthrough"
)

// kvPair is one entry of a flat parameter string.
type kvPair struct {
	Key   string
	Value string
}

// kvList is an ordered parameter list. Order is preserved so that forwarded
// strings are deterministic.
type kvList []kvPair

// parseKV splits "k=v;k2=v2" into pairs. Empty segments are skipped; a segment
// without "=" yields an empty value.
func parseKV(s string) (kvList, error) {
	var out kvList
	for _, seg := range strings.Split(s, ";") {
		seg = strings.TrimSpace(seg)
		if seg == "" {
			continue
		}
		k, v, _ := strings.Cut(seg, "=")
		k = strings.TrimSpace(k)
		if k == "" {
			return nil, fmt.Errorf("qafmux: malformed parameter %q", seg)
		}
		out = append(out, kvPair{Key: k, Value: strings.TrimSpace(v)})
	}
	return out, nil
}

// Get returns the last value stored for key.
func (l kvList) Get(key string) (string, bool) {
	for i := len(l) - 1; i >= 0; i-- {
		if l[i].Key == key {
			return l[i].Value, true
		}
	}
	return "", false
}

// Add appends a pair.
func (l *kvList) Add(key, value string) {
	*l = append(*l, kvPair{Key: key, Value: value})
}

// String renders the list as "k=v;k2=v2".
func (l kvList) String() string {
	var b strings.Builder
	for i, p := range l {
		if i > 0 {
			b.WriteByte(';')
		}
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}
	return b.String()
}

func parseOnOff(v string) (bool, error) {
	switch strings.ToLower(v) {
	case "on", "true", "1", "yes":
		return true, nil
	case "off", "false", "0", "no":
		return false, nil
	}
	return false, fmt.Errorf("qafmux: expected on/off, got %q", v)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
