// Package gfxpdu implements the MS-RDPEGFX graphics pipeline PDUs this
// core needs to drive a surface: ResetGraphics, CreateSurface,
// MapSurfaceToOutput, StartFrame, WireToSurface1 (AVC420/AVC444 codec
// data), and EndFrame. Wire encoding is little-endian, matching every
// RDPEGFX/RDPBCGR structure.
package gfxpdu

import "github.com/lamco-admin/wayland-rdp-sub011/internal/frame"

// Rectangle is MS-RDPEGFX's inclusive rectangle: Right/Bottom are the
// last included pixel column/row, unlike frame.Rect's exclusive bounds.
// The two never get conflated silently — callers must go through
// FromFrameRect/ToFrameRect.
type Rectangle struct {
	Left, Top, Right, Bottom uint16
}

// FromFrameRect converts an exclusive frame.Rect to an inclusive wire
// Rectangle.
func FromFrameRect(r frame.Rect) Rectangle {
	return Rectangle{
		Left:   uint16(r.X),
		Top:    uint16(r.Y),
		Right:  uint16(r.X + r.W - 1),
		Bottom: uint16(r.Y + r.H - 1),
	}
}

// ToFrameRect converts an inclusive wire Rectangle back to an exclusive
// frame.Rect.
func (r Rectangle) ToFrameRect() frame.Rect {
	return frame.Rect{
		X: int(r.Left),
		Y: int(r.Top),
		W: int(r.Right) - int(r.Left) + 1,
		H: int(r.Bottom) - int(r.Top) + 1,
	}
}
