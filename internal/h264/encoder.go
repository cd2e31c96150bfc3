package h264

import (
	"fmt"
	"sync"

	"github.com/lamco-admin/wayland-rdp-sub011/internal/colorconv"
)

// Substream names the two AVC444 sub-streams; Main is also the only
// stream used in AVC420 (single-stream) mode.
type Substream uint8

const (
	SubstreamMain Substream = iota
	SubstreamAux
)

func (s Substream) String() string {
	if s == SubstreamAux {
		return "aux"
	}
	return "main"
}

// EncodeRequest is one frame handed to a Backend for a given substream.
type EncodeRequest struct {
	Substream     Substream
	Frame         colorconv.YUV420
	ForceKeyframe bool
}

// EncodedUnit is the Annex-B bitstream produced for one EncodeRequest,
// plus enough metadata for ParamCache bookkeeping and GFX PDU framing.
type EncodedUnit struct {
	Bitstream  []byte // Annex-B, start codes included, slice NALs only
	IsKeyframe bool
}

// Backend is the pluggable bitstream producer (hardware-specific encoder
// drivers stay out of this core; it ships a software reference backend in
// the swbackend subpackage). A Backend implementation owns its own
// reference-frame/DPB state and receives an explicit substream identifier
// on every call so that AVC444's two views can share one Backend instance,
// avoiding the cost and drift risk of two independently-running encoder
// instances.
type Backend interface {
	Encode(req EncodeRequest) (EncodedUnit, error)
	Close() error
}

// Config parameterises a Stream.
type Config struct {
	Backend          Backend
	Width, Height    int // encoded (16-aligned) dimensions
	FrameRate        float64
	Matrix           VUIMatrix
	Profile          uint8
}

// Stream drives one or two coupled substreams through a shared Backend,
// maintaining an independent ParamCache per substream and applying the
// single-encoder dual-substream discipline: every Encode call is
// serialised through one mutex so the Backend never has two concurrent
// calls racing on its shared reference-frame state.
type Stream struct {
	mu      sync.Mutex
	backend Backend
	level   Level
	caches  map[Substream]*ParamCache
	width   int
	height  int
}

// NewStream builds a Stream. AVC444 callers encode both SubstreamMain and
// SubstreamAux against the same Stream; AVC420 callers use only
// SubstreamMain.
func NewStream(cfg Config) *Stream {
	return &Stream{
		backend: cfg.Backend,
		level:   SelectLevel(cfg.Width, cfg.Height, cfg.FrameRate),
		caches: map[Substream]*ParamCache{
			SubstreamMain: NewParamCache(),
			SubstreamAux:  NewParamCache(),
		},
		width:  cfg.Width,
		height: cfg.Height,
	}
}

// Level returns the level selected for this stream's resolution/frame
// rate (a monotone function of the macroblock rate).
func (s *Stream) Level() Level { return s.level }

// Encode runs one frame through the backend for the given substream,
// updates that substream's parameter-set cache, and returns an Annex-B
// bitstream with the cached SPS/PPS prepended before the first slice NAL.
// This holds for every frame, keyframe or not: a decoder that joined the
// stream after the last parameter-set change must still be able to parse
// every inter-coded frame it receives, so the cache is prepended
// unconditionally rather than only when Observe reports a change.
func (s *Stream) Encode(substream Substream, frame colorconv.YUV420, forceKeyframe bool) (EncodedUnit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.backend.Encode(EncodeRequest{
		Substream:     substream,
		Frame:         frame,
		ForceKeyframe: forceKeyframe,
	})
	if err != nil {
		return EncodedUnit{}, fmt.Errorf("h264: substream %s encode: %w", substream, err)
	}

	units := SplitAnnexB(raw.Bitstream)
	cache := s.caches[substream]
	cache.Observe(units, raw.IsKeyframe)

	var slicePayloads [][]byte
	for _, u := range units {
		if u.Type != NALTypeSPS && u.Type != NALTypePPS {
			slicePayloads = append(slicePayloads, u.Payload)
		}
	}

	return EncodedUnit{Bitstream: cache.Prepend(slicePayloads...), IsKeyframe: raw.IsKeyframe}, nil
}

// Close releases the shared backend.
func (s *Stream) Close() error {
	return s.backend.Close()
}
