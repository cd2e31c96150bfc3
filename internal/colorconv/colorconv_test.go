package colorconv

import "testing"

func checkerboard(w, h int) ([]byte, int) {
	stride := w * 4
	buf := make([]byte, stride*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := y*stride + x*4
			if (x+y)%2 == 0 {
				buf[off], buf[off+1], buf[off+2], buf[off+3] = 10, 200, 30, 255
			} else {
				buf[off], buf[off+1], buf[off+2], buf[off+3] = 250, 5, 240, 255
			}
		}
	}
	return buf, stride
}

func TestDeterministicConversion(t *testing.T) {
	buf, stride := checkerboard(32, 32)
	a := ToYUV444(buf, stride, 32, 32, MatrixBT709Limited)
	b := ToYUV444(buf, stride, 32, 32, MatrixBT709Limited)

	if string(a.Y.Data) != string(b.Y.Data) || string(a.Cb.Data) != string(b.Cb.Data) || string(a.Cr.Data) != string(b.Cr.Data) {
		t.Fatal("identical BGRA input produced different YUV444 output across invocations")
	}

	a420 := ToYUV420(buf, stride, 32, 32, MatrixBT709Limited)
	b420 := ToYUV420(buf, stride, 32, 32, MatrixBT709Limited)
	if string(a420.Cb.Data) != string(b420.Cb.Data) || string(a420.Cr.Data) != string(b420.Cr.Data) {
		t.Fatal("identical BGRA input produced different YUV420 output across invocations")
	}
}

func TestSubsample420AveragesBlock(t *testing.T) {
	// 2x2 block, all identical chroma -> subsampled value equals it exactly.
	buf := []byte{
		50, 60, 70, 255, 50, 60, 70, 255,
		50, 60, 70, 255, 50, 60, 70, 255,
	}
	full := ToYUV444(buf, 8, 2, 2, MatrixBT601)
	sub := SubsampleFrom444(full)
	if sub.Cb.Data[0] != full.Cb.at(0, 0) || sub.Cr.Data[0] != full.Cr.at(0, 0) {
		t.Fatalf("uniform block subsampling mismatch: got cb=%d cr=%d want cb=%d cr=%d",
			sub.Cb.Data[0], sub.Cr.Data[0], full.Cb.at(0, 0), full.Cr.at(0, 0))
	}
}

func TestVUIColourDescription(t *testing.T) {
	_, _, _, full := MatrixBT709Full.VUIColourDescription()
	if !full {
		t.Fatal("BT709 full range matrix must signal full_range=true")
	}
	_, _, _, limited := MatrixBT709Limited.VUIColourDescription()
	if limited {
		t.Fatal("BT709 limited range matrix must signal full_range=false")
	}
}
