package util

import "testing"

func TestRingBufferKeepsNewest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		evicted := r.Push(i)
		if want := i > 3; evicted != want {
			t.Fatalf("push %d: evicted=%v, want %v", i, evicted, want)
		}
	}
	got := r.Snapshot()
	want := []int{3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("snapshot[%d] = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestRingBufferReset(t *testing.T) {
	r := NewRingBuffer[string](2)
	r.Push("a")
	r.Push("b")
	r.Reset()
	if r.Len() != 0 {
		t.Fatalf("len after reset = %d", r.Len())
	}
	r.Push("c")
	if got := r.Snapshot(); len(got) != 1 || got[0] != "c" {
		t.Fatalf("snapshot after reset = %v", got)
	}
	if r.Cap() != 2 {
		t.Fatalf("cap = %d", r.Cap())
	}
}
