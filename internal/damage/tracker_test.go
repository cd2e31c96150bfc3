package damage

import (
	"testing"

	"github.com/lamco-admin/wayland-rdp-sub011/internal/frame"
)

func solidFrame(w, h int, c byte) []byte {
	buf := make([]byte, w*h*4)
	for i := range buf {
		buf[i] = c
	}
	return buf
}

func TestFirstFrameFullyDirty(t *testing.T) {
	tr := NewTracker(DefaultConfig(), 128, 128)
	res := tr.Update(solidFrame(128, 128, 1), 128*4, nil)
	if res.Skip {
		t.Fatal("first frame must never be skipped")
	}
	if len(res.Rects) == 0 {
		t.Fatal("expected dirty rects on first frame")
	}
}

func TestIdenticalSecondFrameSkipped(t *testing.T) {
	tr := NewTracker(DefaultConfig(), 128, 128)
	buf := solidFrame(128, 128, 7)
	tr.Update(buf, 128*4, nil)
	res := tr.Update(buf, 128*4, nil)
	if !res.Skip {
		t.Fatal("expected identical second frame to be skipped")
	}
	if len(res.Rects) != 0 {
		t.Fatal("expected no rects for skipped frame")
	}
}

func TestLargeChangeEmitsFullFrameRect(t *testing.T) {
	cfg := DefaultConfig()
	tr := NewTracker(cfg, 128, 128)
	tr.Update(solidFrame(128, 128, 0), 128*4, nil)

	res := tr.Update(solidFrame(128, 128, 255), 128*4, nil)
	if len(res.Rects) != 1 {
		t.Fatalf("expected single full-frame rect for >90%% dirty, got %d rects", len(res.Rects))
	}
	r := res.Rects[0]
	if r.X != 0 || r.Y != 0 || r.W != 128 || r.H != 128 {
		t.Fatalf("unexpected full-frame rect: %+v", r)
	}
}

func TestRasterOrder(t *testing.T) {
	tr := NewTracker(Config{TileSize: 16, FullFrameThreshold: 2.0}, 64, 64)
	buf := solidFrame(64, 64, 0)
	tr.Update(buf, 64*4, nil)

	// Dirty two disjoint tiles: bottom-right and top-left.
	buf2 := make([]byte, len(buf))
	copy(buf2, buf)
	setTile(buf2, 64*4, 16, 3, 3, 9) // bottom-right tile
	setTile(buf2, 64*4, 16, 0, 0, 9) // top-left tile

	res := tr.Update(buf2, 64*4, nil)
	if len(res.Rects) != 2 {
		t.Fatalf("expected 2 rects, got %d: %+v", len(res.Rects), res.Rects)
	}
	if res.Rects[0].Y > res.Rects[1].Y || (res.Rects[0].Y == res.Rects[1].Y && res.Rects[0].X > res.Rects[1].X) {
		t.Fatalf("rects not in raster order: %+v", res.Rects)
	}
}

func setTile(buf []byte, stride, tileSize, tx, ty int, v byte) {
	x0, y0 := tx*tileSize, ty*tileSize
	for y := y0; y < y0+tileSize; y++ {
		for x := x0; x < x0+tileSize; x++ {
			off := y*stride + x*4
			buf[off] = v
		}
	}
}

func TestDamageHintMergedAsDirty(t *testing.T) {
	tr := NewTracker(Config{TileSize: 16, FullFrameThreshold: 2.0}, 64, 64)
	buf := solidFrame(64, 64, 0)
	tr.Update(buf, 64*4, nil)

	// No pixel changes, but capture supplies a damage hint.
	res := tr.Update(buf, 64*4, []frame.Rect{{X: 0, Y: 0, W: 8, H: 8}})
	if res.Skip {
		t.Fatal("damage hint should prevent skip even without pixel changes")
	}
	if len(res.Rects) != 1 {
		t.Fatalf("expected 1 rect from hint, got %d", len(res.Rects))
	}
}
