package media

import "testing"

func TestBufferClone(t *testing.T) {
	t.Parallel()
	b := NewBuffer(4)
	b.Payload[0] = 7
	b.Start = 100
	c := b.Clone()
	c.Payload[0] = 9
	if b.Payload[0] != 7 {
		t.Error("clone shares payload with original")
	}
	if c.Start != 100 {
		t.Errorf("Start: got %d, want 100", c.Start)
	}
}

func TestBufferShift(t *testing.T) {
	t.Parallel()
	b := NewBuffer(0)
	b.Start = 1000
	b.Stop = 4000
	b.Shift(-1000)
	if b.Start != 0 || b.Stop != 3000 {
		t.Errorf("got start %d stop %d, want 0 3000", b.Start, b.Stop)
	}
	if b.RenderOffset != NoTimestamp {
		t.Error("unset RenderOffset was shifted")
	}
}

func TestKind(t *testing.T) {
	t.Parallel()
	tests := []struct {
		kind       Kind
		name       string
		continuous bool
	}{
		{KindVideo, "video", true},
		{KindAudio, "audio", true},
		{KindSubtitle, "subtitle", false},
		{KindOther, "other", false},
	}
	for _, tt := range tests {
		if tt.kind.String() != tt.name || tt.kind.Continuous() != tt.continuous {
			t.Errorf("%v: got %q/%v", tt.kind, tt.kind.String(), tt.kind.Continuous())
		}
	}
}

func TestNewEOF(t *testing.T) {
	t.Parallel()
	b := NewEOF(0xE0)
	if !b.IsEOF() || b.StreamID != 0xE0 || b.Len() != 0 {
		t.Errorf("got %+v", b)
	}
}
