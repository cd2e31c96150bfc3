// Package frame defines the raw frame type handed to the pipeline by the
// capture collaborator, and the adapter that validates and delivers it.
package frame

import (
	"log/slog"
	"sync/atomic"
)

// PixelFormat identifies the raw pixel layout. This core only ever sees
// 32-bit BGRA, the format required by the graphics-pipeline extension.
type PixelFormat uint8

const (
	// PixelFormatBGRA32 is the only pixel format this core accepts.
	PixelFormatBGRA32 PixelFormat = iota
)

// Rect is a dimensions-based damage rectangle in surface coordinates, as
// supplied by the capture layer. The inclusive-bounds Rectangle used by the
// graphics-pipeline packager is a distinct type (gfxpdu.Rectangle);
// conversion between the two is always explicit.
type Rect struct {
	X, Y, W, H int
}

// Frame is a single raw capture buffer.
//
// Ownership: the Frame Source Adapter owns a Frame until it hands it to the
// pipeline head via Pull; after that the pipeline stage currently holding it
// owns it exclusively. A Frame is never mutated by more than one stage at a
// time.
type Frame struct {
	// TimestampUs is a monotonic capture timestamp in microseconds. Must be
	// strictly greater than the previous frame's timestamp.
	TimestampUs int64

	Width  int
	Height int
	// StrideBytes is the distance in bytes between the start of consecutive
	// rows. Must be >= Width*4.
	StrideBytes int
	Format      PixelFormat

	Buf []byte

	// Damage is an optional hint from the capture layer. It is never
	// authoritative — see damage.Tracker, which merges it with its own
	// signature-based detection rather than trusting it outright.
	Damage []Rect
}

// Valid reports whether the frame satisfies the buffer-size invariant:
// width and height are positive, stride >= width*4, and buffer length >=
// stride*height. A frame that fails it is dropped by the adapter.
func (f *Frame) Valid() bool {
	if f.Width <= 0 || f.Height <= 0 {
		return false
	}
	minStride := f.Width * 4
	if f.StrideBytes < minStride {
		return false
	}
	if len(f.Buf) < f.StrideBytes*f.Height {
		return false
	}
	return true
}

// Source is the Frame Source Adapter's contract: a lazy, non-blocking
// sequence of frames from a single producer.
type Source interface {
	// Pull returns the next available frame, or ok=false if none is ready.
	// It never blocks.
	Pull() (fr *Frame, ok bool)
}

// Stats tracks malformed/dropped-frame counters exposed for diagnostics.
type Stats struct {
	Dropped        atomic.Int64 // validation failures (bad stride/buffer)
	EmptyDiscarded atomic.Int64 // zero-length buffers from capture reconfiguration
}

// ChanSource adapts a buffered channel of frames into a Source, validating
// every frame and enforcing the strictly-monotonic-timestamp contract. It is
// used directly by tests and by capture/portal to bridge the D-Bus/PipeWire
// collaborator into the pipeline head.
type ChanSource struct {
	ch     <-chan *Frame
	logger *slog.Logger
	stats  Stats

	lastTs int64
	hasLast bool
}

// NewChanSource wraps ch as a Source. logger may be nil.
func NewChanSource(ch <-chan *Frame, logger *slog.Logger) *ChanSource {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChanSource{ch: ch, logger: logger}
}

// Pull implements Source.
func (c *ChanSource) Pull() (*Frame, bool) {
	for {
		select {
		case fr, open := <-c.ch:
			if !open {
				return nil, false
			}
			if fr == nil || len(fr.Buf) == 0 {
				// Capture-side reconfiguration: discard quietly, never an error.
				c.stats.EmptyDiscarded.Add(1)
				c.logger.Debug("discarding empty frame buffer")
				continue
			}
			if !fr.Valid() {
				c.stats.Dropped.Add(1)
				c.logger.Debug("dropping malformed frame",
					"width", fr.Width, "height", fr.Height,
					"stride", fr.StrideBytes, "buf_len", len(fr.Buf))
				continue
			}
			if c.hasLast && fr.TimestampUs <= c.lastTs {
				c.stats.Dropped.Add(1)
				c.logger.Debug("dropping non-monotonic frame",
					"ts", fr.TimestampUs, "last_ts", c.lastTs)
				continue
			}
			c.lastTs = fr.TimestampUs
			c.hasLast = true
			return fr, true
		default:
			return nil, false
		}
	}
}

// Stats returns a snapshot-friendly pointer to the adapter's counters.
func (c *ChanSource) Stats() *Stats { return &c.stats }

// GateSource wraps a Source and, while Gate reports true, always returns
// (nil, false) without touching the underlying source — this realises a
// "pull is skipped, no frame removed from the source" backpressure
// contract without the underlying source ever being consulted.
type GateSource struct {
	inner Source
	Gate  func() bool
}

// NewGateSource constructs a GateSource around inner, gated by gate.
func NewGateSource(inner Source, gate func() bool) *GateSource {
	return &GateSource{inner: inner, Gate: gate}
}

// Pull implements Source.
func (g *GateSource) Pull() (*Frame, bool) {
	if g.Gate != nil && g.Gate() {
		return nil, false
	}
	return g.inner.Pull()
}
