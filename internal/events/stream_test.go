package events

import (
	"testing"

	"github.com/danmuck/edgelink/internal/testutil/testlog"
)

func TestStreamFIFOAndDrop(t *testing.T) {
	testlog.Start(t)
	s := NewStream[int]("test", 2)
	if !s.Publish(1) || !s.Publish(2) {
		t.Fatalf("publish within buffer failed")
	}
	if s.Publish(3) {
		t.Fatalf("publish beyond buffer must drop")
	}
	if s.Dropped() != 1 {
		t.Fatalf("dropped=%d", s.Dropped())
	}
	if got := <-s.C(); got != 1 {
		t.Fatalf("first=%d", got)
	}
	if got := <-s.C(); got != 2 {
		t.Fatalf("second=%d", got)
	}
}

func TestStreamCloseIsIdempotent(t *testing.T) {
	testlog.Start(t)
	s := NewStream[string]("test", 0)
	s.Close()
	s.Close()
	if s.Publish("late") {
		t.Fatalf("publish after close accepted")
	}
	if _, ok := <-s.C(); ok {
		t.Fatalf("channel not closed")
	}
}
