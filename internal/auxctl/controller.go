// Package auxctl implements the Auxiliary Omission Controller: the
// policy deciding, frame by frame, whether the AVC444 auxiliary view
// needs to be encoded and sent at all, versus omitted because the client
// can reconstruct acceptable chroma from the main view alone.
package auxctl

import "hash/fnv"

// Config tunes the controller.
type Config struct {
	// ForcedRefreshInterval bounds chroma drift: counting the last
	// transmitted auxiliary frame as the first, the ForcedRefreshInterval-th
	// frame is sent regardless of the sampled-hash comparison, so at most
	// ForcedRefreshInterval-2 consecutive frames are omitted (default: 30).
	ForcedRefreshInterval int
	// ForceKeyframeOnResume, when true, forces an auxiliary keyframe every
	// time transmission resumes after an omission run (the quality-drift
	// guard). When false — the default, to save bandwidth — only the
	// session's first resumption is forced, covering the case where the
	// client joined mid-gap and has no auxiliary reference at all.
	ForceKeyframeOnResume bool
}

// DefaultConfig returns sane defaults for the controller.
func DefaultConfig() Config {
	return Config{ForcedRefreshInterval: 30}
}

// Decision is the controller's verdict for one frame.
type Decision struct {
	Send         bool
	ForceKeyframe bool // true on the session's first resumption after an omission run, and on every later one when ForceKeyframeOnResume is set
}

// Controller tracks the sampled-hash history needed to decide whether an
// auxiliary frame would add visible information over the last one sent.
type Controller struct {
	cfg           Config
	haveLastHash  bool
	lastHash      uint64
	sinceLastSend int
	wasOmitting   bool
	resumedOnce   bool
}

// New builds a Controller.
func New(cfg Config) *Controller {
	if cfg.ForcedRefreshInterval <= 0 {
		cfg.ForcedRefreshInterval = DefaultConfig().ForcedRefreshInterval
	}
	return &Controller{cfg: cfg}
}

// SampledHash computes a coarse content hash over a chroma plane sampled
// on a stride (not every byte), cheap enough to run every frame without
// itself costing meaningful CPU — the point of omission in the first
// place.
func SampledHash(cb, cr []byte, sampleStride int) uint64 {
	if sampleStride < 1 {
		sampleStride = 1
	}
	h := fnv.New64a()
	for i := 0; i < len(cb); i += sampleStride {
		h.Write(cb[i : i+1])
	}
	for i := 0; i < len(cr); i += sampleStride {
		h.Write(cr[i : i+1])
	}
	return h.Sum64()
}

// Decide evaluates one frame's sampled hash and returns whether the
// auxiliary view should be encoded and sent this frame. Encode-iff-send:
// the caller must not run the auxiliary encoder at all when Send is
// false, since encoding an omitted frame wastes exactly the CPU this
// controller exists to save.
func (c *Controller) Decide(hash uint64) Decision {
	c.sinceLastSend++

	// ForcedRefreshInterval frames elapsed since the last transmission
	// means this is the ForcedRefreshInterval-th frame since then, i.e.
	// sinceLastSend reaching ForcedRefreshInterval-1 on this call (the
	// first frame after a send already consumed one step of the count).
	forcedRefresh := c.sinceLastSend >= c.cfg.ForcedRefreshInterval-1
	changed := !c.haveLastHash || hash != c.lastHash

	send := changed || forcedRefresh
	if !send {
		c.wasOmitting = true
		return Decision{Send: false}
	}

	// Quality-drift guard: resuming after an omission run forces a
	// keyframe rather than predicting from a view the client may have
	// partially discarded — always on the session's first resumption,
	// afterwards only when configured.
	forceKey := false
	if c.wasOmitting {
		forceKey = c.cfg.ForceKeyframeOnResume || !c.resumedOnce
		c.resumedOnce = true
	}
	decision := Decision{Send: true, ForceKeyframe: forceKey}
	c.haveLastHash = true
	c.lastHash = hash
	c.sinceLastSend = 0
	c.wasOmitting = false
	return decision
}
