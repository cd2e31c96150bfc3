// Package channelsm implements the graphics dynamic-virtual-channel state
// machine: Closed -> Advertising -> Confirmed -> SurfaceCreated ->
// Streaming -> Closed, plus the capability-selection rule run at the
// Confirmed transition and the single-writer "channel ready" latch the
// transport layer consults before sending frames.
package channelsm

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// State is one node of the channel lifecycle.
type State uint8

const (
	StateClosed State = iota
	StateAdvertising
	StateConfirmed
	StateSurfaceCreated
	StateStreaming
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateAdvertising:
		return "advertising"
	case StateConfirmed:
		return "confirmed"
	case StateSurfaceCreated:
		return "surface_created"
	case StateStreaming:
		return "streaming"
	default:
		return "unknown"
	}
}

// Capability-set versions this server understands (RDPGFX_CAPVERSION
// wire values). Anything newer advertised by the client is skipped, not
// rejected: selection falls back to the newest version both sides share.
const (
	CapVersion8  uint32 = 0x00080004
	CapVersion81 uint32 = 0x00080105
	CapVersion10 uint32 = 0x000A0200
)

// Capability flags, per version. The server never modifies a client
// set's flags; it only reads them to decide what the selected set allows.
const (
	CapsFlagThinClient    uint32 = 0x01
	CapsFlagSmallCache    uint32 = 0x02
	CapsFlagAVC420Enabled uint32 = 0x10 // version 8.1 only
	CapsFlagAVCDisabled   uint32 = 0x20 // version 10 and later
)

// CapabilitySet is one (version, flags) pair from the client's
// capability-advertise PDU. The semantic twin of gfxpdu.CapabilitySet,
// kept separate so this package never imports the wire layer.
type CapabilitySet struct {
	Version uint32
	Flags   uint32
}

// Capabilities is what negotiation settled on: the chosen set verbatim,
// plus the codec features it enables. H.264 is the only codec this core
// produces, so a set that enables no AVC path is not acceptable.
type Capabilities struct {
	Selected       CapabilitySet
	SupportsAVC420 bool
	SupportsAVC444 bool
}

// StateMachine drives one dynamic virtual channel's lifecycle. Every
// transition is serialised through a single CAS-based latch
// (atomic.Uint32 storing State) so the "channel ready" check the
// transport layer performs (IsStreaming) never races a concurrent
// transition.
type StateMachine struct {
	state        atomic.Uint32
	caps         Capabilities
	generationID uuid.UUID
}

// New starts a StateMachine in StateClosed.
func New() *StateMachine {
	return &StateMachine{}
}

// State returns the current state.
func (sm *StateMachine) State() State {
	return State(sm.state.Load())
}

// IsStreaming is the single-writer "channel ready" latch: true only once
// the channel has reached StateStreaming, the only state in which the
// encode/package/transport pipeline is allowed to write PDUs.
func (sm *StateMachine) IsStreaming() bool {
	return sm.State() == StateStreaming
}

// Advertise transitions Closed -> Advertising, starting a new channel
// generation (the uuid distinguishes this channel instance's PDUs from a
// prior, now-closed instance in logs and diagnostics).
func (sm *StateMachine) Advertise() error {
	if err := sm.transition(StateClosed, StateAdvertising); err != nil {
		return err
	}
	sm.generationID = uuid.New()
	return nil
}

// Confirm transitions Advertising -> Confirmed, running the
// capability-selection rule: pick the highest-version set among the
// client's whose features this server supports, without modifying its
// flags. A client that advertises no usable set (nothing with an AVC
// path) closes the channel — there is no fallback codec in this core.
func (sm *StateMachine) Confirm(clientSets []CapabilitySet) (Capabilities, error) {
	if err := sm.transition(StateAdvertising, StateConfirmed); err != nil {
		return Capabilities{}, err
	}
	caps, err := selectCapabilities(clientSets)
	if err != nil {
		sm.Close()
		return Capabilities{}, err
	}
	sm.caps = caps
	return caps, nil
}

func selectCapabilities(clientSets []CapabilitySet) (Capabilities, error) {
	var best CapabilitySet
	found := false
	for _, set := range clientSets {
		switch {
		case set.Version == CapVersion81 && set.Flags&CapsFlagAVC420Enabled != 0:
		case set.Version == CapVersion10 && set.Flags&CapsFlagAVCDisabled == 0:
		default:
			continue // enables no H.264 path
		}
		if !found || set.Version > best.Version {
			best = set
			found = true
		}
	}
	if !found {
		return Capabilities{}, fmt.Errorf("channelsm: client advertised no capability set this server supports")
	}

	caps := Capabilities{Selected: best}
	switch best.Version {
	case CapVersion81:
		caps.SupportsAVC420 = best.Flags&CapsFlagAVC420Enabled != 0
	case CapVersion10:
		avcEnabled := best.Flags&CapsFlagAVCDisabled == 0
		caps.SupportsAVC420 = avcEnabled
		caps.SupportsAVC444 = avcEnabled
	}
	if !caps.SupportsAVC420 {
		return Capabilities{}, fmt.Errorf("channelsm: selected capability set (version %#x, flags %#x) enables no H.264 path", best.Version, best.Flags)
	}
	return caps, nil
}

// CreateSurface transitions Confirmed -> SurfaceCreated.
func (sm *StateMachine) CreateSurface() error {
	return sm.transition(StateConfirmed, StateSurfaceCreated)
}

// StartStreaming transitions SurfaceCreated -> Streaming.
func (sm *StateMachine) StartStreaming() error {
	return sm.transition(StateSurfaceCreated, StateStreaming)
}

// ResetSurface transitions Streaming -> Confirmed, dropping the
// channel-ready latch so a new surface can be negotiated onto the same
// confirmed channel. Used when the capture layer signals a format change:
// the surface (and the encoders bound to its dimensions) must be
// recreated, but capabilities stay agreed.
func (sm *StateMachine) ResetSurface() error {
	return sm.transition(StateStreaming, StateConfirmed)
}

// Close transitions to Closed from any state.
func (sm *StateMachine) Close() {
	sm.state.Store(uint32(StateClosed))
}

// Capabilities returns the capabilities selected at Confirm.
func (sm *StateMachine) Capabilities() Capabilities { return sm.caps }

// GenerationID returns the uuid assigned at the last Advertise call.
func (sm *StateMachine) GenerationID() uuid.UUID { return sm.generationID }

func (sm *StateMachine) transition(from, to State) error {
	if !sm.state.CompareAndSwap(uint32(from), uint32(to)) {
		return fmt.Errorf("channelsm: invalid transition to %s from %s (expected %s)", to, sm.State(), from)
	}
	return nil
}
