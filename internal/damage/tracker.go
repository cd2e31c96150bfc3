// Package damage implements tile-based change detection over successive
// frames, producing a minimal covering rectangle set for changed regions.
package damage

import (
	"hash/fnv"
	"sort"

	"github.com/lamco-admin/wayland-rdp-sub011/internal/frame"
)

const (
	// DefaultTileSize is the default tile edge length in pixels.
	DefaultTileSize = 64
	// DefaultFullFrameThreshold is the fraction of the frame's area covered
	// by dirty tiles above which a single full-frame rectangle is emitted
	// instead of a scattered set.
	DefaultFullFrameThreshold = 0.90
)

// Config tunes the tracker's behavior.
type Config struct {
	TileSize           int
	FullFrameThreshold float64
	// SuppressUnchanged, when true, causes Update to report Skip=true for
	// frames with zero dirty tiles.
	SuppressUnchanged bool
}

// DefaultConfig returns sane defaults for a typical desktop-sharing session.
func DefaultConfig() Config {
	return Config{
		TileSize:           DefaultTileSize,
		FullFrameThreshold: DefaultFullFrameThreshold,
		SuppressUnchanged:  true,
	}
}

// Tracker partitions frames into fixed-size tiles and tracks per-tile
// signatures across calls to Update.
type Tracker struct {
	cfg Config

	width, height int
	tilesX, tilesY int
	prevSig       []uint64
	haveSig       bool
}

// NewTracker creates a Tracker for a surface of the given encoded
// dimensions. The tracker is re-created whenever the surface is resized.
func NewTracker(cfg Config, width, height int) *Tracker {
	if cfg.TileSize <= 0 {
		cfg.TileSize = DefaultTileSize
	}
	if cfg.FullFrameThreshold <= 0 {
		cfg.FullFrameThreshold = DefaultFullFrameThreshold
	}
	tilesX := (width + cfg.TileSize - 1) / cfg.TileSize
	tilesY := (height + cfg.TileSize - 1) / cfg.TileSize
	return &Tracker{
		cfg:    cfg,
		width:  width,
		height: height,
		tilesX: tilesX,
		tilesY: tilesY,
		prevSig: make([]uint64, tilesX*tilesY),
	}
}

// Result is the outcome of a single Update call.
type Result struct {
	// Rects is the merged, raster-ordered set of changed regions.
	Rects []frame.Rect
	// Skip is true when the frame produced no damage and the tracker is
	// configured to suppress unchanged frames.
	Skip bool
}

// Update computes the signature of each tile in buf (tightly packed BGRA,
// StrideBytes-aware), diffs it against the previous call's signatures, and
// returns the coalesced dirty-rectangle set. hint, if non-nil, is merged in
// as additional (non-authoritative) dirty regions from the capture layer.
func (t *Tracker) Update(buf []byte, strideBytes int, hint []frame.Rect) Result {
	sig := make([]uint64, t.tilesX*t.tilesY)
	dirty := make([]bool, t.tilesX*t.tilesY)

	anyDirty := false
	for ty := 0; ty < t.tilesY; ty++ {
		for tx := 0; tx < t.tilesX; tx++ {
			idx := ty*t.tilesX + tx
			s := tileSignature(buf, strideBytes, t.width, t.height, tx, ty, t.cfg.TileSize)
			sig[idx] = s
			if !t.haveSig || s != t.prevSig[idx] {
				dirty[idx] = true
				anyDirty = true
			}
		}
	}

	// Merge capture-supplied damage hints as additional dirty tiles; never
	// treated as authoritative by itself (Design Notes: "Frame-source
	// damage passthrough").
	for _, r := range hint {
		markRectDirty(dirty, t.tilesX, t.tilesY, t.cfg.TileSize, r)
	}
	if len(hint) > 0 {
		anyDirty = true
	}

	t.prevSig = sig
	t.haveSig = true

	if !anyDirty {
		return Result{Skip: t.cfg.SuppressUnchanged}
	}

	dirtyArea := 0
	for idx, d := range dirty {
		if !d {
			continue
		}
		x0, y0 := (idx%t.tilesX)*t.cfg.TileSize, (idx/t.tilesX)*t.cfg.TileSize
		dirtyArea += (min(x0+t.cfg.TileSize, t.width) - x0) * (min(y0+t.cfg.TileSize, t.height) - y0)
	}
	totalArea := t.width * t.height
	if totalArea > 0 && float64(dirtyArea)/float64(totalArea) > t.cfg.FullFrameThreshold {
		return Result{Rects: []frame.Rect{{X: 0, Y: 0, W: t.width, H: t.height}}}
	}

	rects := coalesce(dirty, t.tilesX, t.tilesY, t.cfg.TileSize, t.width, t.height)
	return Result{Rects: rects}
}

func markRectDirty(dirty []bool, tilesX, tilesY, tileSize int, r frame.Rect) {
	x0 := r.X / tileSize
	y0 := r.Y / tileSize
	x1 := (r.X + r.W - 1) / tileSize
	y1 := (r.Y + r.H - 1) / tileSize
	for ty := y0; ty <= y1 && ty < tilesY; ty++ {
		if ty < 0 {
			continue
		}
		for tx := x0; tx <= x1 && tx < tilesX; tx++ {
			if tx < 0 {
				continue
			}
			dirty[ty*tilesX+tx] = true
		}
	}
}

// tileSignature hashes a sampled set of bytes within one tile. Sampling
// (every 4th row, all four bytes of each pixel) keeps the hash fast while still
// being sensitive to real content changes; it is not cryptographic.
func tileSignature(buf []byte, strideBytes, width, height, tx, ty, tileSize int) uint64 {
	h := fnv.New64a()
	x0 := tx * tileSize
	y0 := ty * tileSize
	x1 := x0 + tileSize
	if x1 > width {
		x1 = width
	}
	y1 := y0 + tileSize
	if y1 > height {
		y1 = height
	}

	var tmp [4]byte
	for y := y0; y < y1; y += 4 {
		rowOff := y * strideBytes
		if rowOff+x1*4 > len(buf) {
			break
		}
		for x := x0; x < x1; x++ {
			px := buf[rowOff+x*4 : rowOff+x*4+4]
			copy(tmp[:], px)
			h.Write(tmp[:])
		}
	}
	return h.Sum64()
}

// coalesce merges adjacent dirty tiles into covering (dimension-based) rectangles,
// using a greedy horizontal-then-vertical merge, and returns them in raster
// order (top-to-bottom, left-to-right by top-left corner).
func coalesce(dirty []bool, tilesX, tilesY, tileSize, width, height int) []frame.Rect {
	consumed := make([]bool, len(dirty))
	var rects []frame.Rect

	for ty := 0; ty < tilesY; ty++ {
		for tx := 0; tx < tilesX; tx++ {
			idx := ty*tilesX + tx
			if !dirty[idx] || consumed[idx] {
				continue
			}

			// Extend horizontally.
			runEnd := tx
			for runEnd+1 < tilesX && dirty[ty*tilesX+runEnd+1] && !consumed[ty*tilesX+runEnd+1] {
				runEnd++
			}

			// Extend the run vertically as long as every tile in the next
			// row's span is also dirty and unconsumed.
			rowEnd := ty
			for rowEnd+1 < tilesY {
				ok := true
				for x := tx; x <= runEnd; x++ {
					i := (rowEnd+1)*tilesX + x
					if !dirty[i] || consumed[i] {
						ok = false
						break
					}
				}
				if !ok {
					break
				}
				rowEnd++
			}

			for y := ty; y <= rowEnd; y++ {
				for x := tx; x <= runEnd; x++ {
					consumed[y*tilesX+x] = true
				}
			}

			x0 := tx * tileSize
			y0 := ty * tileSize
			x1 := (runEnd+1)*tileSize
			if x1 > width {
				x1 = width
			}
			y1 := (rowEnd+1)*tileSize
			if y1 > height {
				y1 = height
			}
			rects = append(rects, frame.Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0})
		}
	}

	sort.Slice(rects, func(i, j int) bool {
		if rects[i].Y != rects[j].Y {
			return rects[i].Y < rects[j].Y
		}
		return rects[i].X < rects[j].X
	})
	return rects
}
