package h264

import "bytes"

// ParamSet is one cached SPS or PPS NAL payload (header byte + RBSP).
type ParamSet struct {
	Type    uint8
	Payload []byte
}

// ParamCache tracks the SPS/PPS currently in force for a substream and
// reports when a freshly produced bitstream carries new ones or is a
// keyframe. Stream.Encode prepends the cached sets to every frame
// regardless of that report.
type ParamCache struct {
	sps []byte
	pps []byte
}

// NewParamCache returns an empty cache; the first Observe call reports a
// change when its units carry an SPS or PPS or it is a keyframe.
func NewParamCache() *ParamCache {
	return &ParamCache{}
}

// Observe inspects an encoded Annex-B unit for SPS/PPS NALs and reports
// whether they differ from what's cached, updating the cache in place.
// isKeyframe additionally forces "changed" to true, since an IDR must
// always carry its parameter sets regardless of whether they changed.
func (c *ParamCache) Observe(units []NALUnit, isKeyframe bool) (changed bool) {
	changed = isKeyframe
	for _, u := range units {
		switch u.Type {
		case NALTypeSPS:
			if !bytes.Equal(u.Payload, c.sps) {
				changed = true
				c.sps = append([]byte(nil), u.Payload...)
			}
		case NALTypePPS:
			if !bytes.Equal(u.Payload, c.pps) {
				changed = true
				c.pps = append([]byte(nil), u.Payload...)
			}
		}
	}
	return changed
}

// Current returns the cached SPS and PPS payloads, or nil if none has been
// observed yet.
func (c *ParamCache) Current() (sps, pps []byte) {
	return c.sps, c.pps
}

// Prepend builds an Annex-B stream with the cached SPS/PPS placed before
// the given slice NAL payloads, as required whenever parameter sets must
// accompany a frame: SPS/PPS must precede the first slice.
func (c *ParamCache) Prepend(slicePayloads ...[]byte) []byte {
	units := make([][]byte, 0, len(slicePayloads)+2)
	if c.sps != nil {
		units = append(units, c.sps)
	}
	if c.pps != nil {
		units = append(units, c.pps)
	}
	units = append(units, slicePayloads...)
	return JoinAnnexB(units...)
}
