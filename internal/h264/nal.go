// Package h264 drives the single- and dual-stream H.264 encoding this core
// needs: it owns parameter-set caching, level selection, and the
// single-encoder-instance discipline that dual-stream (AVC444) mode
// requires. The actual macroblock-level bitstream production is delegated
// to a pluggable Backend (hardware-specific encoder drivers are plug-in
// backends, out of scope here); this package ships a software reference
// Backend in the swbackend subpackage.
package h264

import "bytes"

// NAL unit types relevant to this core (ITU-T H.264 Table 7-1).
const (
	NALTypeSliceNonIDR uint8 = 1
	NALTypeSliceIDR    uint8 = 5
	NALTypeSEI         uint8 = 6
	NALTypeSPS         uint8 = 7
	NALTypePPS         uint8 = 8
)

// annexBStartCode is the mandatory 4-byte start code; the encoder must
// never emit the 3-byte variant.
var annexBStartCode = []byte{0x00, 0x00, 0x00, 0x01}

// NALUnit is one parsed NAL unit: Type plus its payload bytes (the NAL
// header byte followed by the RBSP, excluding any start code).
type NALUnit struct {
	Type    uint8
	RefIDC  uint8
	Payload []byte // includes the NAL header byte, excludes the start code
}

func nalType(headerByte byte) uint8   { return headerByte & 0x1F }
func nalRefIDC(headerByte byte) uint8 { return (headerByte >> 5) & 0x03 }

// SplitAnnexB splits a byte-stream Annex-B bitstream into its constituent
// NAL units, each still carrying its NAL header byte.
func SplitAnnexB(data []byte) []NALUnit {
	var units []NALUnit
	starts := findStartCodes(data)
	for i, start := range starts {
		payloadStart := start + len(annexBStartCode)
		end := len(data)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		if payloadStart >= end {
			continue
		}
		payload := data[payloadStart:end]
		if len(payload) == 0 {
			continue
		}
		units = append(units, NALUnit{
			Type:    nalType(payload[0]),
			RefIDC:  nalRefIDC(payload[0]),
			Payload: payload,
		})
	}
	return units
}

func findStartCodes(data []byte) []int {
	var starts []int
	for i := 0; i+4 <= len(data); i++ {
		if bytes.Equal(data[i:i+4], annexBStartCode) {
			starts = append(starts, i)
		}
	}
	return starts
}

// JoinAnnexB reassembles NAL units (with their header bytes, as returned by
// SplitAnnexB or produced by a Backend) into a single Annex-B byte stream,
// inserting the 4-byte start code before each.
func JoinAnnexB(units ...[]byte) []byte {
	var buf bytes.Buffer
	for _, u := range units {
		buf.Write(annexBStartCode)
		buf.Write(u)
	}
	return buf.Bytes()
}

// IsKeyframeNAL reports whether payload (NAL header + RBSP) is an IDR
// slice.
func IsKeyframeNAL(payload []byte) bool {
	return len(payload) > 0 && nalType(payload[0]) == NALTypeSliceIDR
}

// IsParamSetNAL reports whether payload is an SPS or PPS unit.
func IsParamSetNAL(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	t := nalType(payload[0])
	return t == NALTypeSPS || t == NALTypePPS
}

// FirstSliceOffset returns the byte offset of the first VCL (slice) NAL's
// start code within an Annex-B stream, or -1 if none is present. Used by
// the parameter-set-insertion property test to verify SPS/PPS precede the
// first slice.
func FirstSliceOffset(data []byte) int {
	starts := findStartCodes(data)
	for _, start := range starts {
		payloadStart := start + len(annexBStartCode)
		if payloadStart >= len(data) {
			continue
		}
		t := nalType(data[payloadStart])
		if t == NALTypeSliceIDR || t == NALTypeSliceNonIDR {
			return start
		}
	}
	return -1
}
