package portal

import (
	"context"
	"testing"
	"time"
)

func TestRunDamageKeepaliveDisabledWithoutLinkedSession(t *testing.T) {
	s := &Session{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.RunDamageKeepalive(ctx, nil, "", 0)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunDamageKeepalive must return immediately when no RemoteDesktop session is linked")
	}
}
