package h264

import "testing"

func TestJoinSplitRoundTrip(t *testing.T) {
	sps := []byte{0x67, 0x01, 0x02, 0x03}
	pps := []byte{0x68, 0x04}
	slice := []byte{0x65, 0xAA, 0xBB}

	stream := JoinAnnexB(sps, pps, slice)
	units := SplitAnnexB(stream)

	if len(units) != 3 {
		t.Fatalf("expected 3 NAL units, got %d", len(units))
	}
	if units[0].Type != NALTypeSPS || units[1].Type != NALTypePPS || units[2].Type != NALTypeSliceIDR {
		t.Fatalf("unexpected NAL types: %+v", units)
	}
}

func TestIsKeyframeAndParamSetNAL(t *testing.T) {
	idr := []byte{0x65, 0x00}
	nonIDR := []byte{0x61, 0x00}
	sps := []byte{0x67, 0x00}

	if !IsKeyframeNAL(idr) {
		t.Fatal("expected IDR NAL to be recognised as keyframe")
	}
	if IsKeyframeNAL(nonIDR) {
		t.Fatal("non-IDR NAL must not be recognised as keyframe")
	}
	if !IsParamSetNAL(sps) {
		t.Fatal("expected SPS NAL to be recognised as a parameter set")
	}
	if IsParamSetNAL(idr) {
		t.Fatal("IDR slice must not be recognised as a parameter set")
	}
}

func TestFirstSliceOffsetSkipsParamSets(t *testing.T) {
	sps := []byte{0x67, 0x00}
	pps := []byte{0x68, 0x00}
	slice := []byte{0x65, 0x00}
	stream := JoinAnnexB(sps, pps, slice)

	off := FirstSliceOffset(stream)
	wantOff := len(annexBStartCode)*2 + len(sps) + len(pps)
	if off != wantOff {
		t.Fatalf("FirstSliceOffset = %d, want %d", off, wantOff)
	}
}

func TestFirstSliceOffsetNoneFound(t *testing.T) {
	stream := JoinAnnexB([]byte{0x67, 0x00})
	if off := FirstSliceOffset(stream); off != -1 {
		t.Fatalf("expected -1 when no slice present, got %d", off)
	}
}
