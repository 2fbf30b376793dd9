package dispatch

import (
	"testing"
	"time"
)

func TestBackoffWidensToCap(t *testing.T) {
	b := NewBackoff(2*time.Second, 5*time.Second, 1.5)

	want := []time.Duration{
		2 * time.Second,
		3 * time.Second,
		4500 * time.Millisecond,
		5 * time.Second,
		5 * time.Second,
	}
	for i, w := range want {
		if got := b.Next(); got != w {
			t.Errorf("Next() #%d = %v, want %v", i, got, w)
		}
	}
}

func TestBackoffReset(t *testing.T) {
	b := NewBackoff(time.Second, 10*time.Second, 2)
	b.Next()
	b.Next()
	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Errorf("Next() after Reset = %v, want 1s", got)
	}
}

func TestBackoffRejectsBadMultiplier(t *testing.T) {
	b := NewBackoff(time.Second, 10*time.Second, 0)
	b.Next()
	if got := b.Next(); got != 1500*time.Millisecond {
		t.Errorf("Next() = %v, want 1.5s from default multiplier", got)
	}
}
