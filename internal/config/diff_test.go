package config_test

import (
	"slices"
	"testing"

	"github.com/MrWong99/qafmux/internal/config"
)

func baseConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{LogLevel: config.LogInfo, ListenAddr: ":9464"},
		Engine: config.ComponentEntry{Name: "loopback", LicenseKey: "k"},
		Device: config.ComponentEntry{Name: "filesink"},
		Sinks: config.SinksConfig{
			Connected:    []string{"speaker"},
			HDMIChannels: 2,
		},
	}
}

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	d := config.Diff(cfg, cfg)
	if d.LogLevelChanged || d.SinksChanged() || len(d.RestartRequired) != 0 {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
}

func TestDiff_SinkParams(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		mutate func(old, new *config.SinksConfig)
		want   string
	}{
		{
			name:   "hdmi plugged in",
			mutate: func(_, n *config.SinksConfig) { n.Connected = []string{"speaker", "hdmi"}; n.HDMIChannels = 6 },
			want:   "hdmi_channels=6;connect=hdmi",
		},
		{
			name: "bluetooth swapped for speaker",
			mutate: func(_, n *config.SinksConfig) {
				n.Connected = []string{"bt"}
			},
			want: "disconnect=speaker;connect=bt",
		},
		{
			name:   "empty connected means speaker",
			mutate: func(_, n *config.SinksConfig) { n.Connected = nil },
			want:   "",
		},
		{
			name: "capabilities",
			mutate: func(_, n *config.SinksConfig) {
				n.HDMIFormats = []string{"AC3", "eac3"}
				n.Passthrough = true
				n.MultiSinkDecode = true
			},
			want: "hdmi_formats=ac3,eac3;passthrough=on;multi_sink_decode=on",
		},
		{
			name:   "zero channels equals two",
			mutate: func(_, n *config.SinksConfig) { n.HDMIChannels = 0 },
			want:   "",
		},
		{
			name: "passthrough off",
			mutate: func(o, n *config.SinksConfig) {
				o.Passthrough = true
			},
			want: "passthrough=off",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old, new := baseConfig(), baseConfig()
			tt.mutate(&old.Sinks, &new.Sinks)
			d := config.Diff(old, new)
			if d.SinkParams != tt.want {
				t.Errorf("SinkParams = %q, want %q", d.SinkParams, tt.want)
			}
			if d.SinksChanged() != (tt.want != "") {
				t.Errorf("SinksChanged = %v", d.SinksChanged())
			}
		})
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()
	old, new := baseConfig(), baseConfig()
	new.Engine.LicenseKey = "other"
	new.Render = map[string]config.FragmentConfig{config.RenderStereoOffload: {FragmentSize: 1920, FragmentCount: 2}}
	new.Server.ListenAddr = ":9000"

	d := config.Diff(old, new)
	want := []string{"server.listen_addr", "engine", "render"}
	if !slices.Equal(d.RestartRequired, want) {
		t.Errorf("RestartRequired = %v, want %v", d.RestartRequired, want)
	}
	if d.SinksChanged() {
		t.Error("sinks reported as changed")
	}
}
