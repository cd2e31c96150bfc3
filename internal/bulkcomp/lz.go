package bulkcomp

import (
	"encoding/binary"
	"fmt"
)

// lengthCode is one entry of the match-length code table: a base length
// plus the number of extra bits that follow to reach the exact length.
type lengthCode struct {
	base      int
	extraBits int
}

// lengthCodeTable has ~40 entries grouped in extra-bit tiers (8 entries
// each at 0..4 extra bits), one closing tier covering the lengths between
// the last regular tier and maxMatchLength, plus a final sentinel for the
// longest match this compressor will ever emit, mirroring the tiered
// length-code idea used by general-purpose LZ77 codecs (e.g. DEFLATE)
// without importing one — this core's token format is its own, not
// DEFLATE's bitstream.
var lengthCodeTable = buildLengthCodeTable()

func buildLengthCodeTable() []lengthCode {
	var codes []lengthCode
	base := 3
	for extra := 0; extra <= 4; extra++ {
		for i := 0; i < 8; i++ {
			codes = append(codes, lengthCode{base: base, extraBits: extra})
			base += 1 << uint(extra)
		}
	}
	// base now sits just past the last regular tier (251, given the tiers
	// above); close the remaining gap up to maxMatchLength so every length
	// in range is encodable, rather than falling back to literal encoding.
	span := maxMatchLength - base + 1
	closingExtra := 0
	for 1<<uint(closingExtra) < span {
		closingExtra++
	}
	codes = append(codes, lengthCode{base: base, extraBits: closingExtra})
	codes = append(codes, lengthCode{base: maxMatchLength, extraBits: 0})
	return codes
}

const (
	minMatchLength = 3
	maxMatchLength = 258

	// historyCapacity is the compression history buffer's size: the
	// back-reference window shared by every PDU compressed on a channel.
	historyCapacity = 1 << 21 // 2 MiB
	offsetBits      = 21      // log2(historyCapacity): widest distance a back-reference can name
	maxOffset       = historyCapacity - 1

	hashBits = 16
	hashSize = 1 << hashBits

	codeIndexBits = 6 // covers up to 64 code-table entries

	// maxCandidatesPerSlot bounds the match table: each 3-byte-prefix
	// hash keeps only its most recent candidates, evicted FIFO, so the
	// table's memory is a fixed multiple of hashSize regardless of how
	// many bytes have been compressed.
	maxCandidatesPerSlot = 8

	// historySlack is how far the buffer is allowed to grow past
	// historyCapacity before it's compacted back down; avoids
	// compacting (and re-basing every live position) on every single
	// append.
	historySlack = historyCapacity
)

func hash3(b []byte) uint32 {
	h := uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
	h *= 2654435761
	return h >> (32 - hashBits)
}

// findCode returns the code-table index and extra-bits value encoding
// length, or ok=false if length is outside the table's range.
func findCode(length int) (index int, extra uint32, ok bool) {
	for i := len(lengthCodeTable) - 1; i >= 0; i-- {
		c := lengthCodeTable[i]
		if length >= c.base && length-c.base < (1<<uint(c.extraBits)) {
			return i, uint32(length - c.base), true
		}
	}
	return 0, 0, false
}

// history is a growing byte buffer carrying every byte compressed (or,
// mirrored on the decode side, decompressed) so far on this channel,
// addressed by absolute stream position rather than buffer index so that
// compaction never invalidates positions still inside the window.
type history struct {
	buf  []byte
	base int // absolute position of buf[0]
}

func (h *history) absLen() int { return h.base + len(h.buf) }

func (h *history) byteAt(pos int) byte { return h.buf[pos-h.base] }

func (h *history) append(b []byte) {
	h.buf = append(h.buf, b...)
	if len(h.buf) > historyCapacity+historySlack {
		drop := len(h.buf) - historyCapacity
		h.buf = h.buf[drop:]
		h.base += drop
	}
}

// matchTable maps a 3-byte-prefix hash to the handful of most recent
// absolute positions sharing that prefix. Entries older than the history
// window are skipped lazily at lookup time rather than swept eagerly:
// the FIFO eviction on insert already bounds memory, so staleness only
// needs to be filtered, never actively reclaimed.
type matchTable struct {
	slots [hashSize][]int32
}

func (t *matchTable) insert(h uint32, pos int) {
	s := t.slots[h]
	if len(s) >= maxCandidatesPerSlot {
		s = s[1:]
	}
	t.slots[h] = append(s, int32(pos))
}

func (t *matchTable) candidates(h uint32) []int32 { return t.slots[h] }

// Compressor drives the LZ77-variant match finder against a persistent
// compression history buffer and match table: it is stateful across
// every PDU compressed on a channel, so the match search can reach back
// into previously compressed payloads, not just the current one. Owned
// per-session, never shared across sessions.
type Compressor struct {
	hist history
	tbl  matchTable
}

// NewCompressor returns a Compressor with an empty history; the first
// Compress call can only find matches within its own payload.
func NewCompressor() *Compressor {
	return &Compressor{}
}

// Compress applies the match finder and bit-packed token stream to data,
// extending this Compressor's history buffer with data's bytes once
// encoding completes. The match table is size-capped (matchTable) so
// memory never grows with total bytes compressed.
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	var w bitWriter
	base := c.hist.absLen()

	i := 0
	for i < len(data) {
		pos := base + i
		if i+minMatchLength <= len(data) {
			hv := hash3(data[i : i+3])
			bestLen, bestOffset := 0, 0
			for _, candAbs := range c.tbl.candidates(hv) {
				cand := int(candAbs)
				offset := pos - cand
				if offset <= 0 || offset > maxOffset {
					continue
				}
				l := c.extendMatch(data, i, cand, pos)
				if l > bestLen {
					bestLen, bestOffset = l, offset
				}
			}
			c.tbl.insert(hv, pos)
			if bestLen >= minMatchLength {
				if idx, extra, ok := findCode(bestLen); ok {
					w.writeBit(1)
					w.writeBits(uint32(idx), codeIndexBits)
					w.writeBits(extra, lengthCodeTable[idx].extraBits)
					w.writeBits(uint32(bestOffset), offsetBits)
					i += bestLen
					continue
				}
			}
		}
		w.writeBit(0)
		w.writeBits(uint32(data[i]), 8)
		i++
	}
	c.hist.append(data)

	out := make([]byte, 4, 4+len(w.bytes()))
	binary.LittleEndian.PutUint32(out, uint32(len(data)))
	out = append(out, w.bytes()...)
	return out, nil
}

// byteAtAbs resolves the byte at absolute position pos, which may lie in
// the persistent history (pos < base) or in the in-flight payload
// (pos >= base). Dynamic resolution on every call (rather than copying
// history+data into one buffer up front) is what makes overlapping
// matches — a back-reference whose length runs past the position it was
// found at — resolve correctly, since positions newly appended to data
// become visible as the scan advances.
func (c *Compressor) byteAtAbs(data []byte, base, pos int) byte {
	if pos >= base {
		return data[pos-base]
	}
	return c.hist.byteAt(pos)
}

func (c *Compressor) extendMatch(data []byte, i, candAbs, posAbs int) int {
	base := posAbs - i
	maxLen := len(data) - i
	if maxLen > maxMatchLength {
		maxLen = maxMatchLength
	}
	n := 0
	for n < maxLen && c.byteAtAbs(data, base, candAbs+n) == data[i+n] {
		n++
	}
	return n
}

// Decompressor mirrors a Compressor's history buffer on the decode side.
// The compressor and decompressor must stay in lock step: every payload
// must be fed to Decompress in the exact order it was produced by
// Compress, or back-references resolve against the wrong bytes. History
// desynchronization is a fatal protocol error.
type Decompressor struct {
	hist history
}

// NewDecompressor returns a Decompressor with an empty history, mirroring
// a freshly constructed Compressor.
func NewDecompressor() *Decompressor {
	return &Decompressor{}
}

// Decompress reverses one Compress call's output, extending this
// Decompressor's history with the recovered bytes so later payloads'
// back-references can resolve against them.
func (d *Decompressor) Decompress(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("bulkcomp: truncated stream, missing length header")
	}
	wantLen := int(binary.LittleEndian.Uint32(data[0:4]))
	r := newBitReader(data[4:])
	out := make([]byte, 0, wantLen)
	base := d.hist.absLen()

	for len(out) < wantLen {
		flag, ok := r.readBit()
		if !ok {
			return nil, fmt.Errorf("bulkcomp: truncated token stream: have %d of %d bytes", len(out), wantLen)
		}
		if flag == 0 {
			v, ok := r.readBits(8)
			if !ok {
				return nil, fmt.Errorf("bulkcomp: truncated literal token")
			}
			out = append(out, byte(v))
			continue
		}

		idx, ok := r.readBits(codeIndexBits)
		if !ok || int(idx) >= len(lengthCodeTable) {
			return nil, fmt.Errorf("bulkcomp: invalid length code index %d", idx)
		}
		code := lengthCodeTable[idx]
		extra, ok := r.readBits(code.extraBits)
		if !ok {
			return nil, fmt.Errorf("bulkcomp: truncated length extra bits")
		}
		length := code.base + int(extra)
		offsetVal, ok := r.readBits(offsetBits)
		if !ok {
			return nil, fmt.Errorf("bulkcomp: truncated offset field")
		}
		offset := int(offsetVal)
		absPos := base + len(out)
		if offset <= 0 || offset > absPos {
			return nil, fmt.Errorf("bulkcomp: match offset %d out of range (have %d history bytes)", offset, absPos)
		}
		start := absPos - offset
		for k := 0; k < length; k++ {
			out = append(out, d.byteAtAbs(out, base, start+k))
		}
	}
	d.hist.append(out)
	return out, nil
}

// feed advances this Decompressor's mirrored history by data directly,
// without a token-stream decode — used for segments that were sent
// uncompressed even though the sender's Compressor still observed them
// (PolicyAuto chose not to use the compressed form for this segment).
func (d *Decompressor) feed(data []byte) {
	d.hist.append(data)
}

func (d *Decompressor) byteAtAbs(out []byte, base, pos int) byte {
	if pos >= base {
		return out[pos-base]
	}
	return d.hist.byteAt(pos)
}

// Compress is a convenience one-shot entry point for callers that don't
// need cross-payload history (simple round-trip tests): it compresses
// data against an empty history, equivalent to the first call on a fresh
// Compressor.
func Compress(data []byte) ([]byte, error) {
	return NewCompressor().Compress(data)
}

// Decompress is Compress's one-shot counterpart.
func Decompress(data []byte) ([]byte, error) {
	return NewDecompressor().Decompress(data)
}
