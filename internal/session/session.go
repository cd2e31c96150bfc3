// Package session is the composition root wiring every pipeline
// component into the one-way pipeline with its ack feedback channel:
// Frame Source -> Damage Tracker -> Frame Aligner -> Color Converter ->
// (YUV444 Packer for dual-stream) -> H.264 Encoder(s) -> Auxiliary
// Omission Controller -> Graphics-Pipeline Packager -> Bulk-Compression
// Envelope -> Transport Drain, gated throughout by the Channel State
// Machine. Modeled on desktop.Server's ownership of every sub-component as
// fields on one struct, sequenced from one driving loop.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lamco-admin/wayland-rdp-sub011/internal/align"
	"github.com/lamco-admin/wayland-rdp-sub011/internal/auxctl"
	"github.com/lamco-admin/wayland-rdp-sub011/internal/bulkcomp"
	"github.com/lamco-admin/wayland-rdp-sub011/internal/channelsm"
	"github.com/lamco-admin/wayland-rdp-sub011/internal/colorconv"
	"github.com/lamco-admin/wayland-rdp-sub011/internal/damage"
	"github.com/lamco-admin/wayland-rdp-sub011/internal/frame"
	"github.com/lamco-admin/wayland-rdp-sub011/internal/gfxpdu"
	"github.com/lamco-admin/wayland-rdp-sub011/internal/h264"
	"github.com/lamco-admin/wayland-rdp-sub011/internal/transport"
	"github.com/lamco-admin/wayland-rdp-sub011/internal/yuv444pack"
)

// maxConsecutiveEncoderFailures is the "persistent failure" threshold:
// after this many consecutive per-frame encode errors the state machine
// is closed rather than perpetually forcing keyframes.
const maxConsecutiveEncoderFailures = 8

// BackendFactory builds an h264.Backend for the given encoded dimensions,
// level and colour matrix — deferred until the first frame arrives and the
// true encoded resolution is known, since a Backend is bound to one
// resolution for its lifetime: changing resolution requires encoder
// recreation.
type BackendFactory func(width, height int, level h264.Level, matrix colorconv.Matrix) (h264.Backend, error)

// Config parameterises a Session. The Session's copy is read-only once
// negotiated, except that Negotiate clears DualStream when the selected
// capabilities do not support AVC444.
type Config struct {
	Logger *slog.Logger

	FrameRate         float64
	Matrix            colorconv.Matrix
	DualStream        bool // true selects the AVC444 main+auxiliary path
	CompressionPolicy bulkcomp.Policy

	DamageConfig      damage.Config
	AuxConfig         auxctl.Config
	TransportConfig   transport.Config
	AuxSampleStride   int // sampled-hash stride for auxctl.SampledHash; 0 picks a default

	SurfaceID uint16
	NewBackend BackendFactory
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 30
	}
	if c.AuxSampleStride <= 0 {
		c.AuxSampleStride = 7
	}
	if c.DamageConfig.TileSize <= 0 {
		c.DamageConfig = damage.DefaultConfig()
	}
	if c.AuxConfig.ForcedRefreshInterval <= 0 {
		c.AuxConfig = auxctl.DefaultConfig()
	}
}

// Session owns one graphics dynamic-virtual-channel's entire pipeline: a
// single surface, a single encoder Stream, and the transport Drain
// writing to the wire. Only one surface exists at a time.
type Session struct {
	cfg    Config
	logger *slog.Logger

	source frame.Source
	gated  *frame.GateSource
	sm     *channelsm.StateMachine
	drain  *transport.Drain

	mu            sync.Mutex
	dims          align.Dimensions
	tracker       *damage.Tracker
	stream        *h264.Stream
	auxCtl        *auxctl.Controller
	surfaceReady  bool
	frameIDSeq    uint32
	forceKeyframe bool
	consecutiveFailures int
	compressor    *bulkcomp.Compressor
}

// New builds a Session around source (the Frame Source Adapter) and sink
// (the transport byte stream). The encoder and surface are not created
// until the first valid frame arrives: the surface is created once
// capability negotiation completes and the first frame arrives.
func New(cfg Config, source frame.Source, sink transport.Sink) *Session {
	cfg.setDefaults()
	drain := transport.New(sink, cfg.TransportConfig)
	sm := channelsm.New()
	s := &Session{
		cfg:        cfg,
		logger:     cfg.Logger,
		sm:         sm,
		drain:      drain,
		source:     source,
		compressor: bulkcomp.NewCompressor(),
	}
	s.gated = frame.NewGateSource(source, drain.Gate)
	return s
}

// Negotiate drives Closed -> Advertising -> Confirmed against the
// capability sets from the client's capability-advertise PDU, then
// transmits the capability-confirm PDU carrying the selected set
// verbatim. A failed negotiation leaves the channel Closed; there is no
// fallback.
func (s *Session) Negotiate(clientSets []channelsm.CapabilitySet) (channelsm.Capabilities, error) {
	if err := s.sm.Advertise(); err != nil {
		return channelsm.Capabilities{}, fmt.Errorf("session: advertise: %w", err)
	}
	selected, err := s.sm.Confirm(clientSets)
	if err != nil {
		return channelsm.Capabilities{}, fmt.Errorf("session: confirm: %w", err)
	}
	confirm := gfxpdu.CapsConfirm{Set: gfxpdu.CapabilitySet{
		Version: selected.Selected.Version,
		Flags:   selected.Selected.Flags,
	}}
	if err := s.writePDU(confirm.Encode()); err != nil {
		s.sm.Close()
		return channelsm.Capabilities{}, fmt.Errorf("session: transmit caps-confirm: %w", err)
	}
	s.cfg.DualStream = s.cfg.DualStream && selected.SupportsAVC444
	return selected, nil
}

// NegotiateFromPDU is Negotiate fed directly from a raw
// capability-advertise PDU as it arrives off the channel's event stream.
// An unparseable advertise PDU is a negotiation failure, not a skipped
// message: there is nothing to stream until capabilities are agreed.
func (s *Session) NegotiateFromPDU(pdu []byte) (channelsm.Capabilities, error) {
	adv, err := gfxpdu.DecodeCapsAdvertise(pdu)
	if err != nil {
		s.sm.Close()
		return channelsm.Capabilities{}, fmt.Errorf("session: decode caps-advertise: %w", err)
	}
	sets := make([]channelsm.CapabilitySet, len(adv.Sets))
	for i, cs := range adv.Sets {
		sets[i] = channelsm.CapabilitySet{Version: cs.Version, Flags: cs.Flags}
	}
	return s.Negotiate(sets)
}

// RunAckLoop reclaims timed-out outstanding frames until ctx is cancelled,
// so a lost RDPGFX_FRAME_ACKNOWLEDGE_PDU doesn't permanently wedge
// backpressure. Every frame ID reclaimed this way forces a keyframe on the
// next transmission, since the client's decoder state for that frame (and
// everything chained off it) is now unknown.
func (s *Session) RunAckLoop(ctx context.Context) {
	s.drain.RunReclaimLoop(ctx, time.Second, s.onAckTimeout)
}

func (s *Session) onAckTimeout(frameIDs []uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceKeyframe = true
	s.logger.Warn("session: outstanding-frame ack timeout, forcing keyframe", "frame_ids", frameIDs)
}

// HandleAck routes an inbound frame-acknowledge PDU's frame ID back to
// the Transport Drain, releasing one outstanding-frame slot.
func (s *Session) HandleAck(frameID uint32) {
	s.drain.Ack(frameID)
}

// HandleAckPDU decodes a raw frame-acknowledge PDU and routes its frame
// ID to the Transport Drain. A malformed ack is ignored after a debug
// event — never an error that stops ack processing. The client's queue
// depth is an opaque hint: logged, never acted on.
func (s *Session) HandleAckPDU(pdu []byte) {
	ack, err := gfxpdu.DecodeFrameAcknowledge(pdu)
	if err != nil {
		s.logger.Debug("session: ignoring malformed frame-acknowledge", "err", err)
		return
	}
	s.logger.Debug("session: frame acknowledged",
		"frame_id", ack.FrameID, "client_queue_depth", ack.QueueDepth)
	s.drain.Ack(ack.FrameID)
}

// State returns the channel's current lifecycle state, for diagnostics.
func (s *Session) State() channelsm.State { return s.sm.State() }

// HandleFormatChange reacts to the capture layer's out-of-band format
// change event: the surface and the encoder bound to its dimensions are
// torn down, and the next frame re-runs surface setup (reset-graphics,
// create-surface, map-surface) at the new size. Capabilities stay
// negotiated; only the Streaming latch drops.
func (s *Session) HandleFormatChange() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.surfaceReady {
		return nil
	}
	if err := s.sm.ResetSurface(); err != nil {
		return fmt.Errorf("session: format change: %w", err)
	}
	if s.stream != nil {
		if err := s.stream.Close(); err != nil {
			s.logger.Warn("session: closing encoder on format change", "err", err)
		}
		s.stream = nil
	}
	s.tracker = nil
	s.auxCtl = nil
	s.surfaceReady = false
	s.forceKeyframe = true
	s.logger.Info("session: capture format changed, surface will be recreated")
	return nil
}

// Close tears down the session: the encoder (if created) and the channel
// state machine. Never blocks.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sm.Close()
	if s.stream != nil {
		return s.stream.Close()
	}
	return nil
}

// PumpOnce pulls at most one frame and, if one was available and the
// channel isn't gated, drives it through the full pipeline to the wire.
// Returns ok=false when no frame was pulled (either none ready, or
// backpressure/latch gating suppressed the pull) — the caller's cooperative
// loop should yield in that case rather than busy-spinning.
func (s *Session) PumpOnce() (ok bool, err error) {
	fr, pulled := s.gated.Pull()
	if !pulled {
		return false, nil
	}

	if !s.sm.IsStreaming() {
		if s.sm.State() != channelsm.StateConfirmed {
			// Streaming hasn't been reached yet and surface setup hasn't
			// even started: frames arriving before this latch is set are
			// dropped.
			return false, nil
		}
		if err := s.createSurfaceAndEncoder(fr); err != nil {
			return false, fmt.Errorf("session: surface setup: %w", err)
		}
	}

	return true, s.encodeAndSend(fr)
}

// createSurfaceAndEncoder performs the Confirmed -> SurfaceCreated ->
// Streaming transitions: it sizes the surface from the first frame's
// display dimensions, emits the three one-time setup PDUs, instantiates
// the encoder Stream at the resulting encoded resolution/level, and sets
// the "channel ready" latch.
func (s *Session) createSurfaceAndEncoder(fr *frame.Frame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.surfaceReady {
		return nil
	}

	dims := align.NewDimensions(fr.Width, fr.Height)
	level := h264.SelectLevel(dims.EncodedWidth, dims.EncodedHeight, s.cfg.FrameRate)

	if s.cfg.NewBackend == nil {
		return fmt.Errorf("session: no BackendFactory configured")
	}
	backend, err := s.cfg.NewBackend(dims.EncodedWidth, dims.EncodedHeight, level, s.cfg.Matrix)
	if err != nil {
		return fmt.Errorf("session: backend init: %w", err)
	}

	stream := h264.NewStream(h264.Config{
		Backend:   backend,
		Width:     dims.EncodedWidth,
		Height:    dims.EncodedHeight,
		FrameRate: s.cfg.FrameRate,
	})

	if err := s.writePDU(gfxpdu.ResetGraphics{Width: uint32(dims.DisplayWidth), Height: uint32(dims.DisplayHeight)}.Encode()); err != nil {
		return err
	}
	if err := s.writePDU(gfxpdu.CreateSurface{
		SurfaceID: s.cfg.SurfaceID,
		Width:     uint16(dims.EncodedWidth),
		Height:    uint16(dims.EncodedHeight),
		Format:    gfxpdu.PixelFormatBGRA32,
	}.Encode()); err != nil {
		return err
	}
	if err := s.writePDU(gfxpdu.MapSurfaceToOutput{SurfaceID: s.cfg.SurfaceID}.Encode()); err != nil {
		return err
	}

	if err := s.sm.CreateSurface(); err != nil {
		return fmt.Errorf("create surface transition: %w", err)
	}
	if err := s.sm.StartStreaming(); err != nil {
		return fmt.Errorf("start streaming transition: %w", err)
	}

	s.dims = dims
	s.tracker = damage.NewTracker(s.cfg.DamageConfig, dims.EncodedWidth, dims.EncodedHeight)
	s.stream = stream
	s.auxCtl = auxctl.New(s.cfg.AuxConfig)
	s.surfaceReady = true
	s.logger.Info("session: surface created",
		"display", fmt.Sprintf("%dx%d", dims.DisplayWidth, dims.DisplayHeight),
		"encoded", fmt.Sprintf("%dx%d", dims.EncodedWidth, dims.EncodedHeight),
		"level", level, "dual_stream", s.cfg.DualStream)
	return nil
}

// encodeAndSend runs one validated, already-surface-ready frame through
// alignment, color conversion, encoding, packaging, bulk compression, and
// the transport drain, in the strict start/wire-to-surface/end order
// the wire protocol requires.
func (s *Session) encodeAndSend(fr *frame.Frame) error {
	s.mu.Lock()
	dims, tracker, stream, auxCtl := s.dims, s.tracker, s.stream, s.auxCtl
	s.mu.Unlock()

	padded, paddedStride := fr.Buf, fr.StrideBytes
	if !dims.Aligned() {
		padded, paddedStride = dims.Pad(fr.Buf, fr.StrideBytes)
	}

	damageResult := tracker.Update(padded, paddedStride, fr.Damage)
	if damageResult.Skip {
		return nil
	}

	rects := damageResult.Rects
	if len(rects) == 0 {
		rects = []frame.Rect{{X: 0, Y: 0, W: dims.EncodedWidth, H: dims.EncodedHeight}}
	}

	forceKey := s.takeForceKeyframe()

	var mainUnit h264.EncodedUnit
	var auxUnit *h264.EncodedUnit
	var err error
	if s.cfg.DualStream {
		mainUnit, auxUnit, err = s.encodeDualStream(padded, paddedStride, dims, stream, auxCtl, forceKey)
	} else {
		yuv := colorconv.ToYUV420(padded, paddedStride, dims.EncodedWidth, dims.EncodedHeight, s.cfg.Matrix)
		mainUnit, err = stream.Encode(h264.SubstreamMain, yuv, forceKey)
	}
	if err != nil {
		s.onEncodeFailure()
		return fmt.Errorf("session: encode: %w", err)
	}
	s.consecutiveFailures = 0

	frameID := s.nextFrameID()
	start := gfxpdu.StartFrame{
		Timestamp: uint32(fr.TimestampUs / 1000),
		FrameID:   frameID,
	}
	if err := s.writePDU(start.Encode()); err != nil {
		return err
	}
	s.drain.BeginFrame(frameID)

	// The destination rectangle is display-sized: the client crops the
	// (possibly padded) encoded surface down to it.
	destRect := gfxpdu.Rectangle{
		Left: 0, Top: 0,
		Right:  uint16(dims.DisplayWidth - 1),
		Bottom: uint16(dims.DisplayHeight - 1),
	}

	codec := gfxpdu.CodecAVC420
	mainFlag := gfxpdu.StreamBothViews
	if s.cfg.DualStream {
		codec = gfxpdu.CodecAVC444
		if auxUnit == nil {
			mainFlag = gfxpdu.StreamMainOnly
		}
	}
	wireRects := toWireRects(rects)
	mainPDU, err := gfxpdu.WireToSurface1{
		SurfaceID: s.cfg.SurfaceID,
		Codec:     codec,
		DestRect:  destRect,
		Flag:      mainFlag,
		Rects:     wireRects,
		QPHints:   qpHintsFor(wireRects),
		Bitstream: mainUnit.Bitstream,
	}.Encode()
	if err != nil {
		return fmt.Errorf("session: encode main wire-to-surface: %w", err)
	}
	if err := s.writePDU(mainPDU); err != nil {
		return err
	}

	if auxUnit != nil {
		auxPDU, err := gfxpdu.WireToSurface1{
			SurfaceID: s.cfg.SurfaceID,
			Codec:     gfxpdu.CodecAVC444,
			DestRect:  destRect,
			Flag:      gfxpdu.StreamAuxiliary,
			Rects:     wireRects,
			QPHints:   qpHintsFor(wireRects),
			Bitstream: auxUnit.Bitstream,
		}.Encode()
		if err != nil {
			return fmt.Errorf("session: encode aux wire-to-surface: %w", err)
		}
		if err := s.writePDU(auxPDU); err != nil {
			return err
		}
	}

	return s.writePDU(gfxpdu.EndFrame{FrameID: frameID}.Encode())
}

// encodeDualStream implements the AVC444 premium path, including the
// encode-iff-send coupling rule: the auxiliary view is packed every frame,
// since its sampled hash feeds auxCtl's decision, but it is only fed to the
// encoder when auxCtl has decided to send it.
func (s *Session) encodeDualStream(padded []byte, stride int, dims align.Dimensions, stream *h264.Stream, auxCtl *auxctl.Controller, forceKey bool) (main h264.EncodedUnit, aux *h264.EncodedUnit, err error) {
	yuv444 := colorconv.ToYUV444(padded, stride, dims.EncodedWidth, dims.EncodedHeight, s.cfg.Matrix)
	views := yuv444pack.Pack(yuv444)

	main, err = stream.Encode(h264.SubstreamMain, views.Main, forceKey)
	if err != nil {
		return h264.EncodedUnit{}, nil, err
	}

	hash := auxctl.SampledHash(views.Auxiliary.Cb.Data, views.Auxiliary.Cr.Data, s.cfg.AuxSampleStride)
	decision := auxCtl.Decide(hash)
	if !decision.Send {
		// Encode-iff-send: the auxiliary encoder must not see this frame
		// at all, or its DPB desynchronises from what the client has.
		return main, nil, nil
	}

	auxForce := forceKey || decision.ForceKeyframe
	auxEncoded, err := stream.Encode(h264.SubstreamAux, views.Auxiliary, auxForce)
	if err != nil {
		return main, nil, err
	}
	return main, &auxEncoded, nil
}

func (s *Session) onEncodeFailure() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceKeyframe = true
	s.consecutiveFailures++
	if s.consecutiveFailures >= maxConsecutiveEncoderFailures {
		s.logger.Error("session: persistent encoder failure, closing channel", "failures", s.consecutiveFailures)
		s.sm.Close()
	}
}

func (s *Session) takeForceKeyframe() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.forceKeyframe
	s.forceKeyframe = false
	return v
}

func (s *Session) nextFrameID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frameIDSeq++
	return s.frameIDSeq
}

// writePDU wraps pdu in the mandatory bulk-compression envelope — every
// outbound PDU goes through this, uncompressed payloads included — and
// hands it to the Transport Drain.
func (s *Session) writePDU(pdu []byte) error {
	wrapped, err := bulkcomp.Frame(pdu, s.cfg.CompressionPolicy, s.compressor)
	if err != nil {
		// Compression failure falls back to raw-wrapped. This PDU's bytes
		// never reach the compressor's history in that case, same as any
		// other PolicyNever frame.
		s.logger.Warn("session: bulk-compression failed, falling back to raw", "err", err)
		wrapped, err = bulkcomp.Frame(pdu, bulkcomp.PolicyNever, nil)
		if err != nil {
			return fmt.Errorf("session: raw envelope fallback: %w", err)
		}
	}
	if err := s.drain.Write(wrapped); err != nil {
		s.sm.Close()
		return fmt.Errorf("session: transport write: %w", err)
	}
	return nil
}

// defaultQPHint is the per-region quantisation hint attached to every
// region rectangle: a mid-range QP with a quality bias toward fidelity.
// Clients are free to ignore it; it never feeds back into the encoder.
var defaultQPHint = gfxpdu.QPHint{QP: 26, QualityVsSpeed: 80}

func qpHintsFor(rects []gfxpdu.Rectangle) []gfxpdu.QPHint {
	hints := make([]gfxpdu.QPHint, len(rects))
	for i := range hints {
		hints[i] = defaultQPHint
	}
	return hints
}

func toWireRects(rects []frame.Rect) []gfxpdu.Rectangle {
	out := make([]gfxpdu.Rectangle, len(rects))
	for i, r := range rects {
		out[i] = gfxpdu.FromFrameRect(r)
	}
	return out
}
