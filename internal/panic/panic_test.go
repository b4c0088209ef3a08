package panic

import "testing"

func TestLockIsIdempotent(t *testing.T) {
	reset()
	defer reset()

	Lock("heap corruption")
	Lock("second reason ignored")

	if !Locked() {
		t.Fatalf("expected Locked() true")
	}
	if Reason() != "heap corruption" {
		t.Fatalf("want first reason retained, got %q", Reason())
	}
}

func TestUnlockedInitially(t *testing.T) {
	reset()
	if Locked() {
		t.Fatalf("expected Locked() false before any Lock call")
	}
}
