// Package yuv444pack implements the MS-RDPEGFX "main + auxiliary" two-view
// packing that lets AVC444 deliver full 4:4:4 chroma through two 4:2:0
// encodings.
//
// Packing is row-level: entire source chroma rows are copied verbatim into
// the auxiliary view, never pixel-level-interpolated at "missing"
// positions. Interpolation would produce temporally inconsistent residuals
// even on a static source, corrupting inter-coded frames.
package yuv444pack

import "github.com/lamco-admin/wayland-rdp-sub011/internal/colorconv"

// neutralChroma is the midpoint value used to pad rows/samples beyond the
// source's extent.
const neutralChroma byte = 128

// Views holds the main and auxiliary YUV420 frames produced from one
// YUV444 source frame. Both are full encoded-dimension YUV420 frames ready
// to hand to the H.264 encoder.
type Views struct {
	Main      colorconv.YUV420
	Auxiliary colorconv.YUV420
}

// Pack builds the main and auxiliary views from a full-resolution YUV444
// frame. width/height must already be 16-pixel aligned (the encoded
// dimensions), since the auxiliary view is organised in 16-row macroblock
// stripes.
func Pack(src colorconv.YUV444) Views {
	main := colorconv.SubsampleFrom444(src)
	aux := buildAuxiliary(src)
	return Views{Main: main, Auxiliary: aux}
}

func newPlane(w, h int) colorconv.Plane {
	return colorconv.Plane{Data: make([]byte, w*h), Stride: w, Width: w, Height: h}
}

// buildAuxiliary constructs the auxiliary YUV420 view:
//
//   - Y plane: 16-row macroblock stripes. Within each stripe, rows 0-7 hold
//     the odd-indexed rows (1,3,5,...,15) of the source U plane for that
//     stripe's 16-row span, copied entire-row; rows 8-15 hold the same
//     odd-indexed rows of the source V plane.
//   - Cb/Cr planes (the auxiliary view's own 4:2:0 chroma): each sample is
//     taken from the source U/V plane at an odd column of an even row,
//     consistent with the main view's use of even-row chroma for its
//     box-sampled average.
//   - Any row or sample beyond the source's actual height/width is padded
//     with the neutral midpoint value 128, never interpolated.
func buildAuxiliary(src colorconv.YUV444) colorconv.YUV420 {
	w, h := src.Width, src.Height

	const stripeHeight = 16
	auxHeight := ((h + stripeHeight - 1) / stripeHeight) * stripeHeight
	auxY := newPlane(w, auxHeight)

	for stripeTop := 0; stripeTop < auxHeight; stripeTop += stripeHeight {
		for i := 0; i < stripeHeight/2; i++ {
			srcRow := stripeTop + 2*i + 1 // odd row within the stripe
			dstURow := stripeTop + i
			dstVRow := stripeTop + stripeHeight/2 + i
			copyChromaRow(auxY, dstURow, src.Cb, srcRow, w, h)
			copyChromaRow(auxY, dstVRow, src.Cr, srcRow, w, h)
		}
	}

	cw, ch := (w+1)/2, (auxHeight+1)/2
	auxCb := newPlane(cw, ch)
	auxCr := newPlane(cw, ch)
	for y := 0; y < ch; y++ {
		srcRow := 2 * y // even row
		for x := 0; x < cw; x++ {
			srcCol := 2*x + 1 // odd column
			auxCb.Data[y*cw+x] = chromaSampleAt(src.Cb, srcCol, srcRow, w, h)
			auxCr.Data[y*cw+x] = chromaSampleAt(src.Cr, srcCol, srcRow, w, h)
		}
	}

	return colorconv.YUV420{Y: auxY, Cb: auxCb, Cr: auxCr, Width: w, Height: auxHeight}
}

// copyChromaRow copies one full row from a chroma plane (plane is indexed
// at luma resolution, i.e. src.Cb/src.Cr) into dst at dstRow. Rows beyond
// the source's height are padded with the neutral value.
func copyChromaRow(dst colorconv.Plane, dstRow int, plane colorconv.Plane, srcRow, w, h int) {
	if dstRow >= dst.Height {
		return
	}
	out := dst.Data[dstRow*dst.Stride : dstRow*dst.Stride+w]
	if srcRow >= h {
		for i := range out {
			out[i] = neutralChroma
		}
		return
	}
	in := plane.Data[srcRow*plane.Stride : srcRow*plane.Stride+w]
	copy(out, in)
}

func chromaSampleAt(plane colorconv.Plane, x, y, w, h int) byte {
	if x >= w || y >= h {
		return neutralChroma
	}
	return plane.Data[y*plane.Stride+x]
}
