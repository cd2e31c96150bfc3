package h264_test

import (
	"testing"

	"github.com/lamco-admin/wayland-rdp-sub011/internal/colorconv"
	"github.com/lamco-admin/wayland-rdp-sub011/internal/h264"
	"github.com/lamco-admin/wayland-rdp-sub011/internal/h264/swbackend"
)

func frame(w, h int, fill byte) colorconv.YUV420 {
	cw, ch := (w+1)/2, (h+1)/2
	mk := func(width, height int, v byte) colorconv.Plane {
		d := make([]byte, width*height)
		for i := range d {
			d[i] = v
		}
		return colorconv.Plane{Data: d, Stride: width, Width: width, Height: height}
	}
	return colorconv.YUV420{
		Y: mk(w, h, fill), Cb: mk(cw, ch, fill), Cr: mk(cw, ch, fill),
		Width: w, Height: h,
	}
}

func newStream(t *testing.T, w, h int) *h264.Stream {
	t.Helper()
	backend := swbackend.New(swbackend.Config{
		Width: w, Height: h, Level: h264.Level31,
		Profile: h264.ProfileBaseline, GOPSize: 0,
	})
	return h264.NewStream(h264.Config{
		Backend: backend, Width: w, Height: h, FrameRate: 30,
	})
}

func TestFirstEncodeIsKeyframeWithParamSets(t *testing.T) {
	s := newStream(t, 64, 64)
	out, err := s.Encode(h264.SubstreamMain, frame(64, 64, 10), false)
	if err != nil {
		t.Fatal(err)
	}
	if !out.IsKeyframe {
		t.Fatal("first frame must be a keyframe")
	}
	units := h264.SplitAnnexB(out.Bitstream)
	if units[0].Type != h264.NALTypeSPS || units[1].Type != h264.NALTypePPS {
		t.Fatalf("expected SPS then PPS leading the keyframe stream, got %+v", units[:2])
	}
}

func TestSubsequentIdenticalParamsStillPrepended(t *testing.T) {
	s := newStream(t, 64, 64)
	if _, err := s.Encode(h264.SubstreamMain, frame(64, 64, 10), false); err != nil {
		t.Fatal(err)
	}
	out, err := s.Encode(h264.SubstreamMain, frame(64, 64, 20), false)
	if err != nil {
		t.Fatal(err)
	}
	units := h264.SplitAnnexB(out.Bitstream)
	if units[0].Type != h264.NALTypeSPS || units[1].Type != h264.NALTypePPS {
		t.Fatalf("an inter-coded frame with unchanged parameters must still carry cached SPS/PPS before its first slice NAL, got %+v", units[:2])
	}
	sawSlice := false
	for _, u := range units[2:] {
		if u.Type == h264.NALTypeSPS || u.Type == h264.NALTypePPS {
			t.Fatal("SPS/PPS must appear only once, before the first slice NAL")
		}
		sawSlice = true
	}
	if !sawSlice {
		t.Fatal("expected at least one slice NAL after the parameter sets")
	}
}

func TestForcedKeyframeAlwaysCarriesParamSets(t *testing.T) {
	s := newStream(t, 64, 64)
	if _, err := s.Encode(h264.SubstreamMain, frame(64, 64, 10), false); err != nil {
		t.Fatal(err)
	}
	out, err := s.Encode(h264.SubstreamMain, frame(64, 64, 10), true)
	if err != nil {
		t.Fatal(err)
	}
	if !out.IsKeyframe {
		t.Fatal("forced frame must report as keyframe")
	}
	units := h264.SplitAnnexB(out.Bitstream)
	if units[0].Type != h264.NALTypeSPS {
		t.Fatal("forced keyframe must carry SPS even though parameters are unchanged")
	}
}

func TestMainAndAuxSubstreamsHaveIndependentParamCaches(t *testing.T) {
	s := newStream(t, 64, 64)
	mainOut, err := s.Encode(h264.SubstreamMain, frame(64, 64, 1), false)
	if err != nil {
		t.Fatal(err)
	}
	auxOut, err := s.Encode(h264.SubstreamAux, frame(64, 64, 1), false)
	if err != nil {
		t.Fatal(err)
	}
	if !mainOut.IsKeyframe || !auxOut.IsKeyframe {
		t.Fatal("each substream's first frame must independently be a keyframe")
	}
}

func TestDeterministicSliceDataForIdenticalFrames(t *testing.T) {
	s1 := newStream(t, 64, 64)
	s2 := newStream(t, 64, 64)
	out1, err := s1.Encode(h264.SubstreamMain, frame(64, 64, 77), false)
	if err != nil {
		t.Fatal(err)
	}
	out2, err := s2.Encode(h264.SubstreamMain, frame(64, 64, 77), false)
	if err != nil {
		t.Fatal(err)
	}
	if string(out1.Bitstream) != string(out2.Bitstream) {
		t.Fatal("two fresh streams encoding identical frames must produce identical bitstreams")
	}
}
