// Package bulkcomp implements the RDP8 bulk-compression envelope used to
// wrap outbound PDU payloads: single and multipart segment framing, the
// Never/Auto/Always compression policy, and an LZ77-variant compressor
// with a hash-indexed match table feeding a bit-packed token stream.
package bulkcomp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Policy selects when a payload is compressed before it's framed.
type Policy uint8

const (
	// PolicyNever never compresses; used for payloads already compressed
	// upstream (e.g. an H.264 bitstream) or too small to benefit.
	PolicyNever Policy = iota
	// PolicyAuto compresses only when the compressed form is smaller.
	PolicyAuto
	// PolicyAlways compresses unconditionally.
	PolicyAlways
)

// Segment descriptors (MS-RDPBCGR 2.2.9.1.2.1.1 DESCRIPTOR constants).
const (
	descriptorSingle    byte = 0xE0
	descriptorMultipart byte = 0xE1
)

// compressionTypeRDP8 is PACKET_COMPR_TYPE_RDP8, the only algorithm this
// core emits. It occupies the flags byte's lower nibble and is present
// whether or not this particular segment ended up compressed — only the
// compressed bit distinguishes the two.
const compressionTypeRDP8 byte = 0x04

const (
	flagCompressed byte = 0x20
	flagAtFront    byte = 0x40 // unused by this core's single-history stream
	flagFlushed    byte = 0x80 // unused: this core never resets the match-table history
)

// maxSegmentSize is the largest single-segment payload MS-RDPBCGR allows
// before a multipart envelope is required (2.2.9.1.2.1.1.2).
const maxSegmentSize = 65535

// Frame wraps payload per Policy, returning the bulk-compression envelope
// ready to concatenate onto a PDU. comp carries this channel's persistent
// compression history: callers must reuse the same *Compressor across
// every PDU sent on a channel, in the exact order they are transmitted,
// or the receiving Decompressor's mirrored history desynchronizes. comp is only consulted for PolicyAuto/PolicyAlways;
// PolicyNever never touches the history and comp may be nil.
//
// The single-vs-multipart choice is made on payload's own (uncompressed)
// size, not the compressed size: compression is attempted once per
// payload, never re-attempted per chunk after a size decision, since
// running the compressor twice over the same bytes would feed them into
// the history buffer twice and desynchronize it from the receiver's.
func Frame(payload []byte, policy Policy, comp *Compressor) ([]byte, error) {
	if len(payload) > maxSegmentSize {
		return frameMultipart(payload, policy, comp)
	}
	switch policy {
	case PolicyNever:
		return frameSingle(payload, payload, false), nil
	case PolicyAlways:
		compressed, err := comp.Compress(payload)
		if err != nil {
			return nil, err
		}
		return frameSingle(compressed, payload, true), nil
	case PolicyAuto:
		compressed, err := comp.Compress(payload)
		if err != nil {
			return nil, err
		}
		if len(compressed) < len(payload) {
			return frameSingle(compressed, payload, true), nil
		}
		return frameSingle(payload, payload, false), nil
	default:
		return nil, fmt.Errorf("bulkcomp: unknown policy %d", policy)
	}
}

// frameSingle builds a RDP_SEGMENTED_DATA with descriptor 0xE0: a single
// PDU-level header (compression flags + type, original size) followed by
// the (possibly compressed) data.
func frameSingle(data, original []byte, compressed bool) []byte {
	var buf bytes.Buffer
	buf.WriteByte(descriptorSingle)
	buf.WriteByte(segmentFlags(compressed))
	binary.Write(&buf, binary.LittleEndian, uint16(len(original)))
	buf.Write(data)
	return buf.Bytes()
}

// frameMultipart splits payload into maxSegmentSize-sized chunks and
// frames each independently (the multipart form's RDP_DATA_SEGMENT
// array). Each chunk is run through comp.Compress exactly once, in
// ascending offset order, so the compressor's history advances in the
// same order the chunks will be decompressed in.
func frameMultipart(payload []byte, policy Policy, comp *Compressor) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(descriptorMultipart)

	var segments [][]byte
	for off := 0; off < len(payload); off += maxSegmentSize {
		end := off + maxSegmentSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[off:end]

		switch policy {
		case PolicyNever:
			segments = append(segments, encodeSegment(chunk, chunk, false))
		case PolicyAlways:
			compressed, err := comp.Compress(chunk)
			if err != nil {
				return nil, fmt.Errorf("bulkcomp: compress segment at offset %d: %w", off, err)
			}
			segments = append(segments, encodeSegment(compressed, chunk, true))
		case PolicyAuto:
			compressed, err := comp.Compress(chunk)
			if err != nil {
				return nil, fmt.Errorf("bulkcomp: compress segment at offset %d: %w", off, err)
			}
			if len(compressed) < len(chunk) {
				segments = append(segments, encodeSegment(compressed, chunk, true))
			} else {
				segments = append(segments, encodeSegment(chunk, chunk, false))
			}
		default:
			return nil, fmt.Errorf("bulkcomp: unknown policy %d", policy)
		}
	}

	binary.Write(&buf, binary.LittleEndian, uint16(len(payload)))
	binary.Write(&buf, binary.LittleEndian, uint16(len(segments)))
	for _, s := range segments {
		buf.Write(s)
	}
	return buf.Bytes(), nil
}

func encodeSegment(data, original []byte, compressed bool) []byte {
	var buf bytes.Buffer
	buf.WriteByte(segmentFlags(compressed))
	binary.Write(&buf, binary.LittleEndian, uint16(len(original)))
	binary.Write(&buf, binary.LittleEndian, uint16(len(data)))
	buf.Write(data)
	return buf.Bytes()
}

func segmentFlags(compressed bool) byte {
	flags := compressionTypeRDP8
	if compressed {
		flags |= flagCompressed
	}
	return flags
}

// Unframe reverses Frame, returning the original uncompressed payload.
// decomp must be the Decompressor mirroring the Compressor passed to
// Frame for this channel (nil only if every call on this channel used
// PolicyNever). Every compressed-or-not segment's recovered bytes are fed
// into decomp's history in wire order, keeping it in lock step with the
// sender's Compressor history regardless of which individual segments
// ended up compressed.
func Unframe(envelope []byte, decomp *Decompressor) ([]byte, error) {
	if len(envelope) < 1 {
		return nil, fmt.Errorf("bulkcomp: empty envelope")
	}
	switch envelope[0] {
	case descriptorSingle:
		return unframeSingle(envelope[1:], decomp)
	case descriptorMultipart:
		return unframeMultipart(envelope[1:], decomp)
	default:
		return nil, fmt.Errorf("bulkcomp: unknown descriptor %#x", envelope[0])
	}
}

func unframeSingle(body []byte, decomp *Decompressor) ([]byte, error) {
	if len(body) < 3 {
		return nil, fmt.Errorf("bulkcomp: truncated single-segment header")
	}
	flags := body[0]
	originalSize := binary.LittleEndian.Uint16(body[1:3])
	data := body[3:]
	return decodeSegment(flags, originalSize, data, decomp)
}

func unframeMultipart(body []byte, decomp *Decompressor) ([]byte, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("bulkcomp: truncated multipart header")
	}
	totalSize := binary.LittleEndian.Uint16(body[0:2])
	segCount := binary.LittleEndian.Uint16(body[2:4])
	out := make([]byte, 0, totalSize)
	off := 4
	for i := uint16(0); i < segCount; i++ {
		if off+5 > len(body) {
			return nil, fmt.Errorf("bulkcomp: truncated segment %d header", i)
		}
		flags := body[off]
		uncompSize := binary.LittleEndian.Uint16(body[off+1 : off+3])
		compSize := binary.LittleEndian.Uint16(body[off+3 : off+5])
		off += 5
		if off+int(compSize) > len(body) {
			return nil, fmt.Errorf("bulkcomp: truncated segment %d data", i)
		}
		chunk := body[off : off+int(compSize)]
		off += int(compSize)

		recovered, err := decodeSegment(flags, uncompSize, chunk, decomp)
		if err != nil {
			return nil, fmt.Errorf("bulkcomp: segment %d: %w", i, err)
		}
		out = append(out, recovered...)
	}
	return out, nil
}

// decodeSegment recovers one segment's original bytes and, whenever
// decomp is non-nil, advances its mirrored history by exactly those
// bytes — via Decompress's internal token decode when the segment was
// compressed, or by feeding the raw bytes directly when it was not (the
// Auto policy still ran the compressor over this segment and advanced
// the sender's history even though it chose to send the raw form).
func decodeSegment(flags byte, originalSize uint16, data []byte, decomp *Decompressor) ([]byte, error) {
	if flags&flagCompressed != 0 {
		if decomp == nil {
			return nil, fmt.Errorf("bulkcomp: compressed segment but no decompressor supplied")
		}
		return decomp.Decompress(data)
	}
	if int(originalSize) != len(data) {
		return nil, fmt.Errorf("bulkcomp: size mismatch: header says %d, got %d bytes", originalSize, len(data))
	}
	if decomp != nil {
		decomp.feed(data)
	}
	return data, nil
}
