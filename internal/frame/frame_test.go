package frame

import "testing"

func TestFrameValid(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  bool
	}{
		{
			name:  "well formed",
			frame: Frame{Width: 4, Height: 2, StrideBytes: 16, Buf: make([]byte, 32)},
			want:  true,
		},
		{
			name:  "stride too small",
			frame: Frame{Width: 4, Height: 2, StrideBytes: 8, Buf: make([]byte, 32)},
			want:  false,
		},
		{
			name:  "buffer too short",
			frame: Frame{Width: 4, Height: 2, StrideBytes: 16, Buf: make([]byte, 10)},
			want:  false,
		},
		{
			name:  "zero dimensions",
			frame: Frame{Width: 0, Height: 2, StrideBytes: 16, Buf: make([]byte, 32)},
			want:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.frame.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestChanSourceDropsMalformedAndNonMonotonic(t *testing.T) {
	ch := make(chan *Frame, 8)
	src := NewChanSource(ch, nil)

	ch <- &Frame{TimestampUs: 10, Width: 2, Height: 2, StrideBytes: 8, Buf: make([]byte, 16)}
	ch <- &Frame{TimestampUs: 5, Width: 2, Height: 2, StrideBytes: 8, Buf: make([]byte, 16)} // non-monotonic
	ch <- &Frame{TimestampUs: 20, Width: 2, Height: 2, StrideBytes: 2, Buf: make([]byte, 16)} // bad stride
	ch <- &Frame{TimestampUs: 30, Width: 2, Height: 2, StrideBytes: 8, Buf: nil}               // empty buffer
	ch <- &Frame{TimestampUs: 40, Width: 2, Height: 2, StrideBytes: 8, Buf: make([]byte, 16)}
	close(ch)

	var got []int64
	for {
		fr, ok := src.Pull()
		if !ok {
			break
		}
		got = append(got, fr.TimestampUs)
	}

	if len(got) != 2 || got[0] != 10 || got[1] != 40 {
		t.Fatalf("unexpected frames delivered: %v", got)
	}
	if src.Stats().Dropped.Load() != 2 {
		t.Errorf("expected 2 dropped frames, got %d", src.Stats().Dropped.Load())
	}
	if src.Stats().EmptyDiscarded.Load() != 1 {
		t.Errorf("expected 1 empty-discarded frame, got %d", src.Stats().EmptyDiscarded.Load())
	}
}

func TestGateSourceSkipsWithoutConsultingInner(t *testing.T) {
	pulled := false
	inner := sourceFunc(func() (*Frame, bool) {
		pulled = true
		return &Frame{}, true
	})

	gated := NewGateSource(inner, func() bool { return true })
	if _, ok := gated.Pull(); ok {
		t.Fatal("expected gated source to report no frame")
	}
	if pulled {
		t.Fatal("gated source must not consult inner source while gate is closed")
	}

	gated.Gate = func() bool { return false }
	if _, ok := gated.Pull(); !ok {
		t.Fatal("expected frame once gate opens")
	}
	if !pulled {
		t.Fatal("expected inner source to be consulted once gate opens")
	}
}

type sourceFunc func() (*Frame, bool)

func (f sourceFunc) Pull() (*Frame, bool) { return f() }
