package qafmux

import "testing"

func TestParseKV(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{name: "empty", in: "", want: ""},
		{name: "single", in: "connect=hdmi", want: "connect=hdmi"},
		{name: "multiple with spaces", in: " connect = hdmi ; hdmi_channels=6 ", want: "connect=hdmi;hdmi_channels=6"},
		{name: "skips empty segments", in: ";;passthrough=on;", want: "passthrough=on"},
		{name: "value less key", in: "reset", want: "reset="},
		{name: "keeps value equals", in: "vendor=a=b", want: "vendor=a=b"},
		{name: "missing key", in: "=on", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseKV(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("parseKV(%q) = %v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseKV(%q): %v", tt.in, err)
			}
			if s := got.String(); s != tt.want {
				t.Errorf("parseKV(%q).String() = %q, want %q", tt.in, s, tt.want)
			}
		})
	}
}

func TestKVList_GetReturnsLast(t *testing.T) {
	l, err := parseKV("ch=2;o_device=speaker;ch=6")
	if err != nil {
		t.Fatal(err)
	}
	if v, ok := l.Get("ch"); !ok || v != "6" {
		t.Errorf("Get(ch) = %q, %v; want 6, true", v, ok)
	}
	if _, ok := l.Get("missing"); ok {
		t.Error("Get(missing) reported ok")
	}
}

func TestKVList_Add(t *testing.T) {
	var l kvList
	l.Add(KeyOutputDevice, "hdmi")
	l.Add(KeyChannels, "8")
	if got, want := l.String(), "o_device=hdmi;ch=8"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestParseOnOff(t *testing.T) {
	for _, v := range []string{"on", "ON", "true", "1", "yes"} {
		if b, err := parseOnOff(v); err != nil || !b {
			t.Errorf("parseOnOff(%q) = %v, %v; want true", v, b, err)
		}
	}
	for _, v := range []string{"off", "false", "0", "no"} {
		if b, err := parseOnOff(v); err != nil || b {
			t.Errorf("parseOnOff(%q) = %v, %v; want false", v, b, err)
		}
	}
	if _, err := parseOnOff("maybe"); err == nil {
		t.Error("parseOnOff(maybe) succeeded")
	}
	if onOff(true) != "on" || onOff(false) != "off" {
		t.Error("onOff does not round-trip")
	}
}
