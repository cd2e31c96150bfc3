package transport

import (
	"bytes"
	"context"
	"testing"
	"time"
)

type bufSink struct {
	bytes.Buffer
}

func TestWriteAppendsToSink(t *testing.T) {
	sink := &bufSink{}
	d := New(sink, DefaultConfig())
	if err := d.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if sink.String() != "hello" {
		t.Fatalf("sink contents = %q", sink.String())
	}
}

func TestGateTripsAtMaxOutstanding(t *testing.T) {
	d := New(&bufSink{}, Config{MaxOutstandingFrames: 2, AckTimeout: time.Minute})
	if d.Gate() {
		t.Fatal("gate must be open with zero outstanding frames")
	}
	d.BeginFrame(1)
	d.BeginFrame(2)
	if !d.Gate() {
		t.Fatal("gate must trip once MaxOutstandingFrames is reached")
	}
}

func TestAckReleasesBackpressure(t *testing.T) {
	d := New(&bufSink{}, Config{MaxOutstandingFrames: 1, AckTimeout: time.Minute})
	d.BeginFrame(5)
	if !d.Gate() {
		t.Fatal("expected gate to be closed after BeginFrame with limit 1")
	}
	d.Ack(5)
	if d.Gate() {
		t.Fatal("ack must release the outstanding slot")
	}
}

func TestUnknownAckIgnored(t *testing.T) {
	d := New(&bufSink{}, Config{MaxOutstandingFrames: 1, AckTimeout: time.Minute})
	d.BeginFrame(1)
	d.Ack(999) // unknown frame id
	if !d.Gate() {
		t.Fatal("an ack for an unrelated frame id must not release backpressure")
	}
}

func TestReclaimExpiredReleasesStaleFrames(t *testing.T) {
	d := New(&bufSink{}, Config{MaxOutstandingFrames: 1, AckTimeout: time.Millisecond})
	d.BeginFrame(1)
	time.Sleep(5 * time.Millisecond)
	reclaimed := d.ReclaimExpired(time.Now())
	if len(reclaimed) != 1 || reclaimed[0] != 1 {
		t.Fatalf("expected frame 1 reclaimed, got %v", reclaimed)
	}
	if d.Gate() {
		t.Fatal("gate must be open after timeout reclaim")
	}
}

func TestReclaimLeavesFreshFramesPending(t *testing.T) {
	d := New(&bufSink{}, Config{MaxOutstandingFrames: 5, AckTimeout: time.Minute})
	d.BeginFrame(1)
	reclaimed := d.ReclaimExpired(time.Now())
	if len(reclaimed) != 0 {
		t.Fatalf("expected no reclaims for a fresh frame, got %v", reclaimed)
	}
	if d.Outstanding() != 1 {
		t.Fatalf("outstanding = %d, want 1", d.Outstanding())
	}
}

func TestRunReclaimLoopInvokesCallbackWithReclaimedIDs(t *testing.T) {
	d := New(&bufSink{}, Config{MaxOutstandingFrames: 1, AckTimeout: time.Millisecond})
	d.BeginFrame(7)

	got := make(chan []uint32, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go d.RunReclaimLoop(ctx, time.Millisecond, func(frameIDs []uint32) {
		select {
		case got <- frameIDs:
		default:
		}
	})

	select {
	case frameIDs := <-got:
		if len(frameIDs) != 1 || frameIDs[0] != 7 {
			t.Fatalf("expected callback with [7], got %v", frameIDs)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for RunReclaimLoop to invoke onReclaim")
	}
}

func TestRunReclaimLoopToleratesNilCallback(t *testing.T) {
	d := New(&bufSink{}, Config{MaxOutstandingFrames: 1, AckTimeout: time.Millisecond})
	d.BeginFrame(3)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	d.RunReclaimLoop(ctx, time.Millisecond, nil)

	if d.Gate() {
		t.Fatal("expected the stale frame to be reclaimed even with a nil callback")
	}
}
