package swbackend

import (
	"testing"

	"github.com/lamco-admin/wayland-rdp-sub011/internal/colorconv"
	"github.com/lamco-admin/wayland-rdp-sub011/internal/h264"
)

func plane(w, h int, v byte) colorconv.Plane {
	d := make([]byte, w*h)
	for i := range d {
		d[i] = v
	}
	return colorconv.Plane{Data: d, Stride: w, Width: w, Height: h}
}

func yuv(w, h int, v byte) colorconv.YUV420 {
	cw, ch := (w+1)/2, (h+1)/2
	return colorconv.YUV420{Y: plane(w, h, v), Cb: plane(cw, ch, v), Cr: plane(cw, ch, v), Width: w, Height: h}
}

func TestFirstFrameIsIDR(t *testing.T) {
	e := New(Config{Width: 32, Height: 32, Level: h264.Level30, Profile: h264.ProfileBaseline})
	out, err := e.Encode(h264.EncodeRequest{Substream: h264.SubstreamMain, Frame: yuv(32, 32, 5)})
	if err != nil {
		t.Fatal(err)
	}
	if !out.IsKeyframe {
		t.Fatal("first encode must be a keyframe")
	}
}

func TestGOPForcesPeriodicKeyframe(t *testing.T) {
	e := New(Config{Width: 32, Height: 32, Level: h264.Level30, Profile: h264.ProfileBaseline, GOPSize: 2})
	var gotKeyframe []bool
	for i := 0; i < 4; i++ {
		out, err := e.Encode(h264.EncodeRequest{Substream: h264.SubstreamMain, Frame: yuv(32, 32, byte(i))})
		if err != nil {
			t.Fatal(err)
		}
		gotKeyframe = append(gotKeyframe, out.IsKeyframe)
	}
	if !gotKeyframe[0] || !gotKeyframe[2] {
		t.Fatalf("expected keyframes at GOP boundaries 0 and 2, got %v", gotKeyframe)
	}
	if gotKeyframe[1] || gotKeyframe[3] {
		t.Fatalf("expected non-keyframes between GOP boundaries, got %v", gotKeyframe)
	}
}

func TestIndependentSubstreamState(t *testing.T) {
	e := New(Config{Width: 32, Height: 32, Level: h264.Level30, Profile: h264.ProfileBaseline})
	if _, err := e.Encode(h264.EncodeRequest{Substream: h264.SubstreamMain, Frame: yuv(32, 32, 1)}); err != nil {
		t.Fatal(err)
	}
	out, err := e.Encode(h264.EncodeRequest{Substream: h264.SubstreamAux, Frame: yuv(32, 32, 1)})
	if err != nil {
		t.Fatal(err)
	}
	if !out.IsKeyframe {
		t.Fatal("aux substream's first frame must be a keyframe even though main has already encoded")
	}
}

func TestDifferingFramesProduceDifferentSliceData(t *testing.T) {
	e := New(Config{Width: 32, Height: 32, Level: h264.Level30, Profile: h264.ProfileBaseline})
	a, err := e.Encode(h264.EncodeRequest{Substream: h264.SubstreamMain, Frame: yuv(32, 32, 1), ForceKeyframe: true})
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Encode(h264.EncodeRequest{Substream: h264.SubstreamMain, Frame: yuv(32, 32, 2), ForceKeyframe: true})
	if err != nil {
		t.Fatal(err)
	}
	if string(a.Bitstream) == string(b.Bitstream) {
		t.Fatal("differing frame content must produce differing bitstreams")
	}
}
