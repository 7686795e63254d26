package app

import (
	"log/slog"

	"github.com/MrWong99/qafmux/internal/config"
	"github.com/MrWong99/qafmux/pkg/device"
	"github.com/MrWong99/qafmux/pkg/device/filesink"
	"github.com/MrWong99/qafmux/pkg/qaf"
	"github.com/MrWong99/qafmux/pkg/qaf/loopback"
)

// RegisterBuiltins wires the built-in engine and device factories into reg.
func RegisterBuiltins(reg *config.Registry) {
	reg.RegisterEngine("loopback", func(entry config.ComponentEntry) (qaf.Engine, error) {
		opts, err := loopback.ParseOptions(entry.Options)
		if err != nil {
			return nil, err
		}
		return loopback.New(opts), nil
	})

	reg.RegisterDevice("filesink", func(entry config.ComponentEntry) (device.Device, error) {
		opts, err := filesink.ParseOptions(entry.Options)
		if err != nil {
			return nil, err
		}
		return filesink.New(opts)
	})

	slog.Debug("registered builtin components", "engines", reg.Engines(), "devices", reg.Devices())
}
