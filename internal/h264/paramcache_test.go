package h264

import "testing"

func units(payloads ...[]byte) []NALUnit {
	var out []NALUnit
	for _, p := range payloads {
		out = append(out, NALUnit{Type: nalType(p[0]), Payload: p})
	}
	return out
}

func TestParamCacheFirstObserveAlwaysChanged(t *testing.T) {
	c := NewParamCache()
	sps := []byte{0x67, 0x01}
	pps := []byte{0x68, 0x02}
	if changed := c.Observe(units(sps, pps), false); !changed {
		t.Fatal("first observation must report changed")
	}
}

func TestParamCacheUnchangedSuppressed(t *testing.T) {
	c := NewParamCache()
	sps := []byte{0x67, 0x01}
	pps := []byte{0x68, 0x02}
	c.Observe(units(sps, pps), false)

	if changed := c.Observe(units(sps, pps), false); changed {
		t.Fatal("identical SPS/PPS on a non-keyframe must not report changed")
	}
}

func TestParamCacheKeyframeAlwaysChanged(t *testing.T) {
	c := NewParamCache()
	sps := []byte{0x67, 0x01}
	pps := []byte{0x68, 0x02}
	c.Observe(units(sps, pps), false)

	if changed := c.Observe(units(sps, pps), true); !changed {
		t.Fatal("a keyframe must always report changed, even with identical param sets")
	}
}

func TestParamCachePrependOrdering(t *testing.T) {
	c := NewParamCache()
	sps := []byte{0x67, 0x01}
	pps := []byte{0x68, 0x02}
	c.Observe(units(sps, pps), false)

	slice := []byte{0x65, 0xFF}
	stream := c.Prepend(slice)
	if off := FirstSliceOffset(stream); off == -1 {
		t.Fatal("expected a slice in the prepended stream")
	} else if off != len(annexBStartCode)*2+len(sps)+len(pps) {
		t.Fatalf("SPS/PPS must precede the slice, got slice offset %d", off)
	}
}
