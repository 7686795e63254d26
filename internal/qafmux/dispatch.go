package qafmux

import (
	"errors"
	"log/slog"
	"time"

	"github.com/MrWong99/qafmux/internal/observe"
	"github.com/MrWong99/qafmux/pkg/audio"
	"github.com/MrWong99/qafmux/pkg/device"
	"github.com/MrWong99/qafmux/pkg/qaf"
)

// Reasons recorded when a payload is not delivered.
const (
	dropClosed       = "session_closed"
	dropBypass       = "passthrough_bypass"
	dropNoHDMI       = "hdmi_disconnected"
	dropOpenFailed   = "open_failed"
	dropWriteFailed  = "write_failed"
	dropUnknownEvent = "unknown_event"
)

func (s *Session) logger() *slog.Logger {
	return observe.Logger(s.ctx)
}

// handleEvent is the engine callback. It runs on engine goroutines.
func (s *Session) handleEvent(ev qaf.Event) {
	switch ev.Type {
	case qaf.EventData:
		s.routePayload(ev)
	case qaf.EventMainEOS:
		s.onTrackEOS(qaf.RoleMain)
	case qaf.EventAssociatedEOS:
		s.onTrackEOS(qaf.RoleAssociated)
	default:
		s.metrics.RecordDrop(s.ctx, dropUnknownEvent)
		s.logger().Debug("qafmux: ignoring engine event", "type", ev.Type)
	}
}

// onTrackEOS clears the role slot and signals drain-ready to the stream that
// held it, exactly once.
func (s *Session) onTrackEOS(role qaf.StreamRole) {
	s.mu.Lock()
	ls := s.slots[role]
	if ls != nil && ls.stoppedForBypass.CompareAndSwap(true, false) {
		s.mu.Unlock()
		s.logger().Debug("qafmux: end of stream from passthrough switch", "role", role)
		return
	}
	if ls != nil {
		s.releaseSlotLocked(ls)
	}
	if role == qaf.RoleMain {
		s.pool.teardown(RenderDefaultPassthrough)
		// Associated requires a live main. It resumes once one holds the slot.
		if assoc := s.slots[qaf.RoleAssociated]; assoc != nil {
			s.releaseSlotLocked(assoc)
		}
	}
	s.mu.Unlock()

	if ls == nil {
		s.logger().Debug("qafmux: end of stream without active stream", "role", role)
		return
	}
	s.logger().Info("qafmux: end of stream", "role", role)
	ls.notify(device.EventDrainReady)
}

// routePayload picks the render stream for one engine payload and writes it.
func (s *Session) routePayload(ev qaf.Event) {
	start := time.Now()
	defer func() { s.metrics.RecordDispatch(s.ctx, time.Since(start).Seconds()) }()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.metrics.RecordDrop(s.ctx, dropClosed)
		return
	}
	target, reason := s.routeLocked(ev)
	s.mu.Unlock()

	if target == nil {
		s.metrics.RecordDrop(s.ctx, reason)
		return
	}

	data := audio.Conform(ev.Data, ev.Spec, target.cfg.Spec)
	n, err := target.write(data)
	if err != nil {
		s.metrics.RecordDrop(s.ctx, dropWriteFailed)
		level := slog.LevelWarn
		if errors.Is(err, ErrClosed) {
			// Torn down between the routing decision and the write.
			level = slog.LevelDebug
		}
		s.logger().Log(s.ctx, level, "qafmux: render write failed", "role", target.role, "err", err)
		return
	}
	s.metrics.RecordPayload(s.ctx, target.role.String(), n)
}

// routeLocked evaluates the routing table for ev and returns the target, or
// nil and a drop reason. Streams made stale by the current sink state are
// closed first. Must be called with s.mu held.
func (s *Session) routeLocked(ev qaf.Event) (*renderStream, string) {
	hdmi := s.sinks.Connected.Has(audio.DeviceHDMI)

	if s.pool.get(RenderDefaultPassthrough) != nil {
		if hdmi {
			// The client bitstream owns HDMI.
			s.pool.teardown(RenderMultichannelOffload, RenderStereoOffload, RenderTranscodePassthrough)
			return nil, dropBypass
		}
		s.pool.teardown(RenderDefaultPassthrough)
	}

	tagged := ev.Device.Has(audio.DeviceHDMI)

	if tagged && ev.Spec.Codec.IsCompressed() {
		if !hdmi {
			return nil, dropNoHDMI
		}
		return s.ensureLocked(RenderTranscodePassthrough, audio.Spec{
			Codec:      ev.Spec.Codec,
			SampleRate: s.rate,
			Channels:   6,
		})
	}

	if tagged {
		// PCM for HDMI means the engine has left bitstream output.
		s.pool.teardown(RenderTranscodePassthrough)
	}

	if tagged && hdmi && s.sinks.HDMIChannels > 2 {
		if !s.sinks.MultiSinkDecode {
			s.pool.teardown(RenderStereoOffload)
		}
		return s.ensureLocked(RenderMultichannelOffload, audio.Spec{
			Codec:      audio.CodecPCM16,
			SampleRate: s.rate,
			Channels:   s.sinks.HDMIChannels,
		})
	}

	if s.bt != nil {
		s.pool.teardown(RenderStereoOffload)
		return s.bt, ""
	}
	return s.ensureLocked(RenderStereoOffload, audio.Spec{
		Codec:      audio.CodecPCM16,
		SampleRate: s.rate,
		Channels:   2,
	})
}

func (s *Session) ensureLocked(role RenderRole, spec audio.Spec) (*renderStream, string) {
	rs, _, err := s.pool.ensure(s.ctx, role, spec)
	if err != nil {
		s.logger().Warn("qafmux: dropping payload, render stream unavailable", "role", role, "err", err)
		return nil, dropOpenFailed
	}
	return rs, ""
}
