package gfxpdu

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// PDU type codes (MS-RDPEGFX 2.2.2 RDPGFX_CMDID constants, the subset this
// core emits).
const (
	cmdIDResetGraphics      uint16 = 0x0002
	cmdIDCreateSurface      uint16 = 0x0004
	cmdIDMapSurfaceToOutput uint16 = 0x0006
	cmdIDStartFrame         uint16 = 0x000B
	cmdIDEndFrame           uint16 = 0x000C
	cmdIDFrameAcknowledge   uint16 = 0x000D
	cmdIDWireToSurface1     uint16 = 0x0001
	cmdIDCapsAdvertise      uint16 = 0x0012
	cmdIDCapsConfirm        uint16 = 0x0013
)

// header is the 8-byte RDPGFX_HEADER: pduLength (4 bytes) | cmdId (2) |
// flags (2). flags is always zero for these PDUs.
func writeHeader(buf *bytes.Buffer, cmdID uint16, bodyLen int) {
	binary.Write(buf, binary.LittleEndian, uint32(8+bodyLen))
	binary.Write(buf, binary.LittleEndian, cmdID)
	binary.Write(buf, binary.LittleEndian, uint16(0)) // flags
}

// PixelFormat is MS-RDPEGFX's PIXEL_FORMAT_* wire value.
type PixelFormat uint8

const (
	PixelFormatBGRA32 PixelFormat = 0x21
)

// ResetGraphics resets the client's surface list and signals the monitor
// layout; this core always advertises a single monitor spanning the
// output.
type ResetGraphics struct {
	Width, Height uint32
}

// Encode serialises the PDU, little-endian throughout.
func (p ResetGraphics) Encode() []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, uint32(340)) // RDPGFX_RESET_GRAPHICS_PDU is a fixed 340-byte struct
	binary.Write(&body, binary.LittleEndian, p.Width)
	binary.Write(&body, binary.LittleEndian, p.Height)
	binary.Write(&body, binary.LittleEndian, uint32(1)) // monitorCount
	// MONITOR_DEF: left, top, right, bottom, flags (5x uint32).
	binary.Write(&body, binary.LittleEndian, uint32(0))
	binary.Write(&body, binary.LittleEndian, uint32(0))
	binary.Write(&body, binary.LittleEndian, p.Width-1)
	binary.Write(&body, binary.LittleEndian, p.Height-1)
	binary.Write(&body, binary.LittleEndian, uint32(1)) // primary monitor
	body.Write(make([]byte, 340-4-4-4-4-20))             // pad to the fixed struct size

	var out bytes.Buffer
	writeHeader(&out, cmdIDResetGraphics, body.Len())
	out.Write(body.Bytes())
	return out.Bytes()
}

// CreateSurface creates the one surface this core drives per session.
type CreateSurface struct {
	SurfaceID     uint16
	Width, Height uint16
	Format        PixelFormat
}

func (p CreateSurface) Encode() []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, p.SurfaceID)
	binary.Write(&body, binary.LittleEndian, p.Width)
	binary.Write(&body, binary.LittleEndian, p.Height)
	body.WriteByte(byte(p.Format))

	var out bytes.Buffer
	writeHeader(&out, cmdIDCreateSurface, body.Len())
	out.Write(body.Bytes())
	return out.Bytes()
}

// MapSurfaceToOutput binds the surface to the output origin, always
// (0,0) for this core's single-monitor model.
type MapSurfaceToOutput struct {
	SurfaceID  uint16
	OutputOriginX, OutputOriginY uint32
}

func (p MapSurfaceToOutput) Encode() []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, p.SurfaceID)
	binary.Write(&body, binary.LittleEndian, uint16(0)) // reserved
	binary.Write(&body, binary.LittleEndian, p.OutputOriginX)
	binary.Write(&body, binary.LittleEndian, p.OutputOriginY)

	var out bytes.Buffer
	writeHeader(&out, cmdIDMapSurfaceToOutput, body.Len())
	out.Write(body.Bytes())
	return out.Bytes()
}

// StartFrame opens a frame's command sequence; FrameID must be strictly
// increasing so the client's ack PDU can name it unambiguously. Timestamp
// carries the frame's capture time, packed the way the wire format
// expects (milliseconds truncated to 32 bits).
type StartFrame struct {
	Timestamp uint32
	FrameID   uint32
}

func (p StartFrame) Encode() []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, p.Timestamp)
	binary.Write(&body, binary.LittleEndian, p.FrameID)

	var out bytes.Buffer
	writeHeader(&out, cmdIDStartFrame, body.Len())
	out.Write(body.Bytes())
	return out.Bytes()
}

// EndFrame closes the frame opened by the matching StartFrame.
type EndFrame struct {
	FrameID uint32
}

func (p EndFrame) Encode() []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, p.FrameID)

	var out bytes.Buffer
	writeHeader(&out, cmdIDEndFrame, body.Len())
	out.Write(body.Bytes())
	return out.Bytes()
}

// Codec identifies which RDPGFX_CODECID this core's WireToSurface1 carries.
type Codec uint16

const (
	CodecAVC420 Codec = 0x000E
	CodecAVC444 Codec = 0x0012
)

// StreamFlag is the AVC444 "last chunk" / auxiliary-present indicator
// carried in the top two bits of the bitstream-info field. It is how the
// client learns the auxiliary view was omitted for a frame rather than
// lost.
type StreamFlag uint8

const (
	// StreamBothViews marks a main-view PDU whose frame also carries an
	// auxiliary-view PDU.
	StreamBothViews StreamFlag = 0
	// StreamMainOnly marks a main-view PDU that is the frame's last chunk:
	// the auxiliary view was deliberately omitted.
	StreamMainOnly StreamFlag = 1
	// StreamAuxiliary marks the auxiliary-view PDU itself.
	StreamAuxiliary StreamFlag = 2
)

// QPHint is the per-region quantization-parameter metadata the
// MS-RDPEGFX AVC420/444 metablock carries alongside each rectangle, used
// by clients that want to weight reconstruction quality by region.
type QPHint struct {
	QP               uint8
	QualityVsSpeed   uint8
}

// WireToSurface1 carries one codec-specific bitstream (the H.264 Annex-B
// output from internal/h264) plus the damage rectangles and QP hints
// covering it. DestRect is the display-dimension-sized destination on the
// surface the client crops to; region rects address areas inside it.
type WireToSurface1 struct {
	SurfaceID uint16
	Codec     Codec
	DestRect  Rectangle
	Flag      StreamFlag // AVC444 only; ignored for AVC420
	Rects     []Rectangle
	QPHints   []QPHint // parallel to Rects; may be nil
	Bitstream []byte
}

func (p WireToSurface1) Encode() ([]byte, error) {
	if p.QPHints != nil && len(p.QPHints) != len(p.Rects) {
		return nil, fmt.Errorf("gfxpdu: QPHints length %d != Rects length %d", len(p.QPHints), len(p.Rects))
	}

	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, p.SurfaceID)
	binary.Write(&body, binary.LittleEndian, uint16(p.Codec))
	binary.Write(&body, binary.LittleEndian, uint8(PixelFormatBGRA32))
	binary.Write(&body, binary.LittleEndian, p.DestRect.Left)
	binary.Write(&body, binary.LittleEndian, p.DestRect.Top)
	binary.Write(&body, binary.LittleEndian, p.DestRect.Right)
	binary.Write(&body, binary.LittleEndian, p.DestRect.Bottom)

	// RDPGFX_AVC420_BITMAP_STREAM meta block: numRegionRects followed by
	// the rectangles, followed by one quantQualityVal per rectangle.
	binary.Write(&body, binary.LittleEndian, uint32(len(p.Rects)))
	for _, r := range p.Rects {
		binary.Write(&body, binary.LittleEndian, r.Left)
		binary.Write(&body, binary.LittleEndian, r.Top)
		binary.Write(&body, binary.LittleEndian, r.Right)
		binary.Write(&body, binary.LittleEndian, r.Bottom)
	}
	for i := range p.Rects {
		var hint QPHint
		if p.QPHints != nil {
			hint = p.QPHints[i]
		}
		body.WriteByte(hint.QP)
		body.WriteByte(hint.QualityVsSpeed)
	}

	// Bitstream-info field: length in the low 30 bits. For AVC444 the top
	// two bits carry the stream flag, telling the client whether this is
	// the main view with an auxiliary following, a main-only (last chunk)
	// frame, or the auxiliary view itself.
	if len(p.Bitstream) >= 1<<30 {
		return nil, fmt.Errorf("gfxpdu: bitstream length %d exceeds the 30-bit info field", len(p.Bitstream))
	}
	info := uint32(len(p.Bitstream))
	if p.Codec == CodecAVC444 {
		info |= uint32(p.Flag) << 30
	}
	binary.Write(&body, binary.LittleEndian, info)
	body.Write(p.Bitstream)

	var out bytes.Buffer
	writeHeader(&out, cmdIDWireToSurface1, body.Len())
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

// WireToSurfaceStreamFlag extracts the AVC444 stream flag from an encoded
// wire-to-surface PDU, returning ok=false for any other PDU type or for
// an AVC420 payload (which carries no flag). Used by diagnostics and
// tests inspecting a captured PDU stream.
func WireToSurfaceStreamFlag(pdu []byte) (StreamFlag, bool) {
	cmdID, pduLen, err := DecodeHeader(pdu)
	if err != nil || cmdID != cmdIDWireToSurface1 || pduLen < 8 || int(pduLen) > len(pdu) {
		return 0, false
	}
	body := pdu[8:pduLen]
	// surfaceId (2) + codecId (2) + pixelFormat (1) + destRect (8) +
	// numRegionRects (4).
	if len(body) < 17 {
		return 0, false
	}
	codec := Codec(binary.LittleEndian.Uint16(body[2:4]))
	if codec != CodecAVC444 {
		return 0, false
	}
	numRects := int(binary.LittleEndian.Uint32(body[13:17]))
	infoOff := 17 + numRects*8 + numRects*2
	if len(body) < infoOff+4 {
		return 0, false
	}
	info := binary.LittleEndian.Uint32(body[infoOff : infoOff+4])
	return StreamFlag(info >> 30), true
}

// CapabilitySet is one RDPGFX_CAPSET as advertised by the client: a
// protocol version plus the version-specific flags word. The server must
// select one of these verbatim — never modify the flags.
type CapabilitySet struct {
	Version uint32
	Flags   uint32
}

// CapsAdvertise is the client's RDPGFX_CAPS_ADVERTISE_PDU: every
// capability set the client is willing to operate under.
type CapsAdvertise struct {
	Sets []CapabilitySet
}

// DecodeCapsAdvertise parses a full caps-advertise PDU (header included).
func DecodeCapsAdvertise(pdu []byte) (CapsAdvertise, error) {
	cmdID, pduLen, err := DecodeHeader(pdu)
	if err != nil {
		return CapsAdvertise{}, err
	}
	if cmdID != cmdIDCapsAdvertise {
		return CapsAdvertise{}, fmt.Errorf("gfxpdu: cmdID %#x is not a caps-advertise PDU", cmdID)
	}
	if pduLen < 8 || int(pduLen) > len(pdu) {
		return CapsAdvertise{}, fmt.Errorf("gfxpdu: caps-advertise truncated: header says %d, have %d", pduLen, len(pdu))
	}
	body := pdu[8:pduLen]
	if len(body) < 2 {
		return CapsAdvertise{}, fmt.Errorf("gfxpdu: caps-advertise missing set count")
	}
	count := binary.LittleEndian.Uint16(body[0:2])
	off := 2
	var out CapsAdvertise
	for i := uint16(0); i < count; i++ {
		// RDPGFX_CAPSET: version (4), capsDataLength (4), capsData.
		if off+8 > len(body) {
			return CapsAdvertise{}, fmt.Errorf("gfxpdu: caps-advertise set %d truncated", i)
		}
		version := binary.LittleEndian.Uint32(body[off : off+4])
		dataLen := int(binary.LittleEndian.Uint32(body[off+4 : off+8]))
		off += 8
		if off+dataLen > len(body) || dataLen < 4 {
			return CapsAdvertise{}, fmt.Errorf("gfxpdu: caps-advertise set %d data truncated", i)
		}
		flags := binary.LittleEndian.Uint32(body[off : off+4])
		off += dataLen
		out.Sets = append(out.Sets, CapabilitySet{Version: version, Flags: flags})
	}
	return out, nil
}

// Encode serialises a caps-advertise PDU; used by tests and debug clients
// standing in for a real RDP client.
func (p CapsAdvertise) Encode() []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, uint16(len(p.Sets)))
	for _, s := range p.Sets {
		binary.Write(&body, binary.LittleEndian, s.Version)
		binary.Write(&body, binary.LittleEndian, uint32(4)) // capsDataLength
		binary.Write(&body, binary.LittleEndian, s.Flags)
	}
	var out bytes.Buffer
	writeHeader(&out, cmdIDCapsAdvertise, body.Len())
	out.Write(body.Bytes())
	return out.Bytes()
}

// CapsConfirm is the server's RDPGFX_CAPS_CONFIRM_PDU: exactly one of the
// client's advertised sets, flags untouched.
type CapsConfirm struct {
	Set CapabilitySet
}

func (p CapsConfirm) Encode() []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, p.Set.Version)
	binary.Write(&body, binary.LittleEndian, uint32(4)) // capsDataLength
	binary.Write(&body, binary.LittleEndian, p.Set.Flags)

	var out bytes.Buffer
	writeHeader(&out, cmdIDCapsConfirm, body.Len())
	out.Write(body.Bytes())
	return out.Bytes()
}

// DecodeCapsConfirm parses a full caps-confirm PDU (header included).
func DecodeCapsConfirm(pdu []byte) (CapsConfirm, error) {
	cmdID, pduLen, err := DecodeHeader(pdu)
	if err != nil {
		return CapsConfirm{}, err
	}
	if cmdID != cmdIDCapsConfirm {
		return CapsConfirm{}, fmt.Errorf("gfxpdu: cmdID %#x is not a caps-confirm PDU", cmdID)
	}
	if int(pduLen) > len(pdu) || pduLen < 8+12 {
		return CapsConfirm{}, fmt.Errorf("gfxpdu: caps-confirm truncated")
	}
	body := pdu[8:pduLen]
	return CapsConfirm{Set: CapabilitySet{
		Version: binary.LittleEndian.Uint32(body[0:4]),
		Flags:   binary.LittleEndian.Uint32(body[8:12]),
	}}, nil
}

// FrameAcknowledge is the client's RDPGFX_FRAME_ACKNOWLEDGE_PDU.
// QueueDepth is an opaque client-side hint: it is logged upstream but
// never alters local behaviour.
type FrameAcknowledge struct {
	QueueDepth         uint32
	FrameID            uint32
	TotalFramesDecoded uint32
}

func (p FrameAcknowledge) Encode() []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, p.QueueDepth)
	binary.Write(&body, binary.LittleEndian, p.FrameID)
	binary.Write(&body, binary.LittleEndian, p.TotalFramesDecoded)

	var out bytes.Buffer
	writeHeader(&out, cmdIDFrameAcknowledge, body.Len())
	out.Write(body.Bytes())
	return out.Bytes()
}

// DecodeFrameAcknowledge parses a full frame-acknowledge PDU (header
// included).
func DecodeFrameAcknowledge(pdu []byte) (FrameAcknowledge, error) {
	cmdID, pduLen, err := DecodeHeader(pdu)
	if err != nil {
		return FrameAcknowledge{}, err
	}
	if cmdID != cmdIDFrameAcknowledge {
		return FrameAcknowledge{}, fmt.Errorf("gfxpdu: cmdID %#x is not a frame-acknowledge PDU", cmdID)
	}
	if int(pduLen) > len(pdu) || pduLen < 8+12 {
		return FrameAcknowledge{}, fmt.Errorf("gfxpdu: frame-acknowledge truncated")
	}
	body := pdu[8:pduLen]
	return FrameAcknowledge{
		QueueDepth:         binary.LittleEndian.Uint32(body[0:4]),
		FrameID:            binary.LittleEndian.Uint32(body[4:8]),
		TotalFramesDecoded: binary.LittleEndian.Uint32(body[8:12]),
	}, nil
}

// DecodeHeader reads the 8-byte RDPGFX_HEADER from the front of buf,
// returning the PDU's cmdId and total length (header included), for
// dispatch and framing in the transport layer.
func DecodeHeader(buf []byte) (cmdID uint16, pduLen uint32, err error) {
	if len(buf) < 8 {
		return 0, 0, fmt.Errorf("gfxpdu: header requires 8 bytes, got %d", len(buf))
	}
	pduLen = binary.LittleEndian.Uint32(buf[0:4])
	cmdID = binary.LittleEndian.Uint16(buf[4:6])
	return cmdID, pduLen, nil
}
