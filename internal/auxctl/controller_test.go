package auxctl

import "testing"

func TestFirstFrameAlwaysSent(t *testing.T) {
	c := New(DefaultConfig())
	d := c.Decide(SampledHash([]byte{1, 2, 3}, []byte{4, 5, 6}, 1))
	if !d.Send {
		t.Fatal("first frame must always be sent")
	}
}

func TestUnchangedHashOmitted(t *testing.T) {
	c := New(DefaultConfig())
	cb, cr := []byte{1, 2, 3}, []byte{4, 5, 6}
	c.Decide(SampledHash(cb, cr, 1))

	d := c.Decide(SampledHash(cb, cr, 1))
	if d.Send {
		t.Fatal("identical sampled hash must be omitted")
	}
}

func TestForcedRefreshAfterInterval(t *testing.T) {
	c := New(Config{ForcedRefreshInterval: 3})
	cb, cr := []byte{1, 2, 3}, []byte{4, 5, 6}
	c.Decide(SampledHash(cb, cr, 1)) // frame 0: sent

	var sentAt = -1
	for i := 1; i <= 3; i++ {
		d := c.Decide(SampledHash(cb, cr, 1))
		if d.Send {
			sentAt = i
			break
		}
	}
	// ForcedRefreshInterval frames since the last send means the interval-th
	// frame after it forces a refresh; with the initial send counted as
	// frame 0, that's offset interval-1.
	if sentAt != 2 {
		t.Fatalf("expected forced refresh at frame offset 2, got %d", sentAt)
	}
}

func TestForcedRefreshMatchesTransmissionCountOverManyFrames(t *testing.T) {
	c := New(Config{ForcedRefreshInterval: 30})
	cb, cr := []byte{1, 2, 3}, []byte{4, 5, 6}

	sends := 0
	for i := 0; i < 100; i++ {
		d := c.Decide(SampledHash(cb, cr, 1))
		if d.Send {
			sends++
		}
	}
	if sends != 4 {
		t.Fatalf("expected ceil(100/30)=4 transmissions over 100 identical frames, got %d", sends)
	}
}

func TestFirstResumeAfterOmissionForcesKeyframe(t *testing.T) {
	c := New(Config{ForcedRefreshInterval: 100})
	cbA, crA := []byte{1, 2, 3}, []byte{4, 5, 6}
	cbB, crB := []byte{9, 9, 9}, []byte{9, 9, 9}

	c.Decide(SampledHash(cbA, crA, 1))      // sent
	c.Decide(SampledHash(cbA, crA, 1))      // omitted (unchanged)
	d := c.Decide(SampledHash(cbB, crB, 1)) // changed -> sent again

	if !d.Send {
		t.Fatal("changed hash must be sent")
	}
	if !d.ForceKeyframe {
		t.Fatal("the session's first resumption after omission must force a keyframe even with the guard off")
	}
}

func TestLaterResumesForceKeyframeOnlyWhenConfigured(t *testing.T) {
	run := func(guard bool) bool {
		c := New(Config{ForcedRefreshInterval: 100, ForceKeyframeOnResume: guard})
		hashes := []uint64{1, 1, 2, 2, 3} // send, omit, resume, omit, resume
		var last Decision
		for _, h := range hashes {
			last = c.Decide(h)
		}
		return last.ForceKeyframe
	}
	if run(false) {
		t.Fatal("with the guard off, only the first resumption may force a keyframe")
	}
	if !run(true) {
		t.Fatal("with the guard on, every resumption must force a keyframe")
	}
}

func TestNoForceKeyframeWhenNeverOmitted(t *testing.T) {
	c := New(DefaultConfig())
	cbA, crA := []byte{1, 2, 3}, []byte{4, 5, 6}
	cbB, crB := []byte{9, 9, 9}, []byte{9, 9, 9}

	c.Decide(SampledHash(cbA, crA, 1))
	d := c.Decide(SampledHash(cbB, crB, 1))
	if d.ForceKeyframe {
		t.Fatal("changing every frame (no omission run) must not force a keyframe")
	}
}
