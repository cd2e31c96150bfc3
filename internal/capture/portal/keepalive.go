package portal

import (
	"context"
	"log/slog"
	"time"

	"github.com/godbus/dbus/v5"
)

// remoteDesktopIface names the companion RemoteDesktop portal interface
// used for the cursor-jitter keepalive below; ScreenCast alone never
// exposes pointer injection.
const remoteDesktopIface = "org.freedesktop.portal.RemoteDesktop"

// keepaliveInterval bounds how long the capture layer may go without a
// frame on a fully static desktop before this core nudges the cursor.
const keepaliveInterval = 500 * time.Millisecond

// RunDamageKeepalive periodically injects a one-pixel cursor jitter via
// the linked RemoteDesktop session, so a damage-based capture pipeline
// (PipeWire ScreenCast only emits buffers when compositor-tracked damage
// occurs) doesn't stall indefinitely on an unchanging desktop. This never
// touches pixel content; it exists purely to keep frames flowing into
// internal/frame.Source so the Damage Tracker can correctly report "no
// change" rather than starving for input entirely.
//
// remoteDesktopSession identifies the linked RemoteDesktop session handle
// and streamNodeID the ScreenCast stream the jitter should target; both
// are obtained from the same portal negotiation that produced s.
func (s *Session) RunDamageKeepalive(ctx context.Context, logger *slog.Logger, remoteDesktopSession dbus.ObjectPath, streamNodeID uint32) {
	if logger == nil {
		logger = slog.Default()
	}
	if remoteDesktopSession == "" || streamNodeID == 0 {
		logger.Debug("portal: damage keepalive disabled, no linked RemoteDesktop session")
		return
	}

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	var toggle bool
	var failCount int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			x := 100.0
			if toggle {
				x = 101.0
			}
			toggle = !toggle

			obj := s.conn.Object(portalBus, portalPath)
			err := obj.Call(
				remoteDesktopIface+".NotifyPointerMotionAbsolute", 0,
				remoteDesktopSession, map[string]dbus.Variant{}, streamNodeID, x, 100.0,
			).Err
			if err != nil {
				failCount++
				if failCount <= 3 || failCount%100 == 0 {
					logger.Warn("portal: keepalive jitter failed", "err", err, "failures", failCount)
				}
			}
		}
	}
}
