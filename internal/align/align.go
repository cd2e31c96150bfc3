// Package align implements the 16-pixel macroblock alignment required
// before H.264 encoding, and the display/encoded dimension pair it produces.
package align

// Align16 rounds n up to the nearest multiple of 16.
func Align16(n int) int {
	return (n + 15) &^ 15
}

// Dimensions is a display/encoded size pair for one surface. encoded is
// always >= display componentwise, and encoded.Width/Height are always
// multiples of 16.
type Dimensions struct {
	DisplayWidth, DisplayHeight int
	EncodedWidth, EncodedHeight int
}

// NewDimensions computes the encoded size for a given display size.
func NewDimensions(displayWidth, displayHeight int) Dimensions {
	return Dimensions{
		DisplayWidth:  displayWidth,
		DisplayHeight: displayHeight,
		EncodedWidth:  Align16(displayWidth),
		EncodedHeight: Align16(displayHeight),
	}
}

// Aligned reports whether the display size already satisfies the alignment
// requirement, i.e. no padding is needed.
func (d Dimensions) Aligned() bool {
	return d.DisplayWidth == d.EncodedWidth && d.DisplayHeight == d.EncodedHeight
}

// Pad copies src (display-sized, BGRA, row-major with the given stride) into
// a newly allocated encoded-sized buffer, replicating the last column and
// row of src into the right/bottom padding. The top-left region is copied
// unchanged: padded[y][x] == src[y][x] for y < DisplayHeight, x < DisplayWidth.
func (d Dimensions) Pad(src []byte, srcStride int) (dst []byte, dstStride int) {
	dstStride = d.EncodedWidth * 4
	dst = make([]byte, dstStride*d.EncodedHeight)

	for y := 0; y < d.EncodedHeight; y++ {
		srcY := y
		if srcY >= d.DisplayHeight {
			srcY = d.DisplayHeight - 1
		}
		srcRow := src[srcY*srcStride : srcY*srcStride+d.DisplayWidth*4]
		dstRow := dst[y*dstStride : y*dstStride+d.EncodedWidth*4]

		// Copy the real columns, then replicate the last source pixel into
		// the right padding.
		copy(dstRow, srcRow)
		if d.EncodedWidth > d.DisplayWidth {
			lastPixel := srcRow[(d.DisplayWidth-1)*4 : d.DisplayWidth*4]
			for x := d.DisplayWidth; x < d.EncodedWidth; x++ {
				copy(dstRow[x*4:x*4+4], lastPixel)
			}
		}
	}
	return dst, dstStride
}
