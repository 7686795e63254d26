package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/MrWong99/qafmux/pkg/audio"
	"github.com/MrWong99/qafmux/pkg/device"
)

// defaultPlayChunk is the write size used when [Playback.Chunk] is zero.
const defaultPlayChunk = 4096

// Playback describes a raw PCM or bitstream file streamed as the main stream.
type Playback struct {
	// Path is the file to play.
	Path string

	// Spec is the format of the file's content.
	Spec audio.Spec

	// Chunk is the write size in bytes. It is also the free engine buffer
	// that ends a backpressure wait.
	Chunk int
}

// Play streams p through the session as the main stream and returns once the
// session reported the drain complete.
func (a *App) Play(ctx context.Context, p Playback) error {
	f, err := os.Open(p.Path)
	if err != nil {
		return fmt.Errorf("app: play: %w", err)
	}
	defer f.Close()

	chunk := p.Chunk
	if chunk <= 0 {
		chunk = defaultPlayChunk
	}
	out, err := a.sess.OpenOutputStream(ctx, device.StreamConfig{
		Spec:         p.Spec,
		Devices:      a.sess.Sinks().Connected,
		Flags:        device.FlagMain | device.FlagNonBlocking,
		FragmentSize: chunk,
	})
	if err != nil {
		return fmt.Errorf("app: play: %w", err)
	}
	defer func() {
		if err := a.sess.CloseOutputStream(out); err != nil {
			slog.Warn("close playback stream", "err", err)
		}
	}()

	events := make(chan device.EventType, 16)
	if err := out.SetCallback(func(ev device.EventType) {
		select {
		case events <- ev:
		default:
		}
	}); err != nil {
		return fmt.Errorf("app: play: %w", err)
	}

	buf := make([]byte, chunk)
	var total int64
	for {
		n, rerr := io.ReadFull(f, buf)
		rest := buf[:n]
		for len(rest) > 0 {
			w, err := out.Write(rest)
			if err != nil {
				return fmt.Errorf("app: play: %w", err)
			}
			total += int64(w)
			rest = rest[w:]
			if len(rest) > 0 {
				if err := waitFor(ctx, events, device.EventWriteReady); err != nil {
					return err
				}
			}
		}
		if errors.Is(rerr, io.EOF) || errors.Is(rerr, io.ErrUnexpectedEOF) {
			break
		}
		if rerr != nil {
			return fmt.Errorf("app: play: read %s: %w", p.Path, rerr)
		}
	}

	if err := out.Drain(device.DrainAll); err != nil {
		return fmt.Errorf("app: play: drain: %w", err)
	}
	if err := waitFor(ctx, events, device.EventDrainReady); err != nil {
		return err
	}
	slog.Info("playback finished", "path", p.Path, "bytes", total, "spec", p.Spec)
	return nil
}

// waitFor blocks until want arrives. An error event or ctx ends the wait.
func waitFor(ctx context.Context, events <-chan device.EventType, want device.EventType) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			switch ev {
			case want:
				return nil
			case device.EventError:
				return errors.New("app: play: stream reported an error")
			}
		}
	}
}
