// Package transport implements the Transport Drain: the single-writer
// FIFO that serialises outbound GFX PDUs onto the dynamic virtual
// channel, tracks outstanding (unacknowledged) frames against a
// backpressure limit, and routes RDPGFX_FRAME_ACKNOWLEDGE_PDU replies back
// to release that backpressure — adapted from the frame-ack PDU handling
// and DVC writer discipline used for RDP dynamic virtual channels.
package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Sink is the one-way byte sink this core writes framed PDUs to — a DVC
// write, a WebSocket send, whatever the session wires in.
type Sink interface {
	Write(p []byte) (n int, err error)
}

// Config tunes the Drain.
type Config struct {
	// MaxOutstandingFrames bounds how many frames may be in flight
	// (sent, not yet acknowledged) before Gate reports true and upstream
	// capture must be paused.
	MaxOutstandingFrames int64
	// AckTimeout reclaims an outstanding slot if no ack arrives in time,
	// so a single dropped ack PDU doesn't permanently wedge the gate.
	AckTimeout time.Duration
}

// DefaultConfig is a reasonable starting point for a single-client
// session: a depth in the middle of the useful 3-6 range and a 5-second
// deadline on unacknowledged frames.
func DefaultConfig() Config {
	return Config{MaxOutstandingFrames: 4, AckTimeout: 5 * time.Second}
}

// pendingFrame tracks one in-flight frame's deadline for timeout reclaim.
type pendingFrame struct {
	frameID  uint32
	deadline time.Time
}

// Drain serialises writes to Sink through a single mutex (single-writer
// discipline: concurrent PDU producers must never interleave partial
// writes on the wire) and tracks outstanding frames for backpressure.
type Drain struct {
	mu   sync.Mutex
	sink Sink
	cfg  Config

	outstanding atomic.Int64
	pending     []pendingFrame
}

// New builds a Drain writing to sink.
func New(sink Sink, cfg Config) *Drain {
	if cfg.MaxOutstandingFrames <= 0 {
		cfg = DefaultConfig()
	}
	return &Drain{sink: sink, cfg: cfg}
}

// Write serialises one already-encoded PDU (or bulk-compression envelope)
// onto the sink.
func (d *Drain) Write(pdu []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.sink.Write(pdu)
	if err != nil {
		return fmt.Errorf("transport: write: %w", err)
	}
	return nil
}

// BeginFrame registers frameID as outstanding, incrementing the
// backpressure counter. Call this when a StartFrame PDU is written.
func (d *Drain) BeginFrame(frameID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outstanding.Add(1)
	d.pending = append(d.pending, pendingFrame{frameID: frameID, deadline: time.Now().Add(d.cfg.AckTimeout)})
}

// Ack releases the outstanding slot held by frameID, per an incoming
// RDPGFX_FRAME_ACKNOWLEDGE_PDU. Acks for an unknown or already-reclaimed
// frameID are ignored, since a late ack racing a timeout reclaim is
// expected, not an error.
func (d *Drain) Ack(frameID uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, p := range d.pending {
		if p.frameID == frameID {
			d.pending = append(d.pending[:i], d.pending[i+1:]...)
			d.outstanding.Add(-1)
			return
		}
	}
}

// ReclaimExpired releases backpressure slots for any frame whose
// AckTimeout has elapsed without an ack, so a lost ack PDU doesn't
// permanently stall the pipeline. Returns the frame IDs reclaimed.
func (d *Drain) ReclaimExpired(now time.Time) []uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var reclaimed []uint32
	kept := d.pending[:0]
	for _, p := range d.pending {
		if now.After(p.deadline) {
			reclaimed = append(reclaimed, p.frameID)
			d.outstanding.Add(-1)
			continue
		}
		kept = append(kept, p)
	}
	d.pending = kept
	return reclaimed
}

// Gate reports whether the outstanding-frame count has reached the
// configured maximum — the backpressure signal the frame.GateSource
// consults before pulling a new frame from capture.
func (d *Drain) Gate() bool {
	return d.outstanding.Load() >= int64(d.cfg.MaxOutstandingFrames)
}

// Outstanding returns the current number of unacknowledged frames, for
// diagnostics.
func (d *Drain) Outstanding() int64 { return d.outstanding.Load() }

// RunReclaimLoop periodically calls ReclaimExpired until ctx is
// cancelled, so a long-lived session doesn't need its own ticker. onReclaim
// is invoked with the frame IDs reclaimed on each tick that reclaims at
// least one frame (ticks that reclaim nothing do not call it) so that an
// ack-timeout can drive a forced keyframe upstream; onReclaim may be nil if the caller only cares
// about the backpressure-slot release ReclaimExpired already performs.
func (d *Drain) RunReclaimLoop(ctx context.Context, interval time.Duration, onReclaim func(frameIDs []uint32)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			reclaimed := d.ReclaimExpired(now)
			if len(reclaimed) > 0 && onReclaim != nil {
				onReclaim(reclaimed)
			}
		}
	}
}
