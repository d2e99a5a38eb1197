package stats

import "testing"

func TestRing_DropsOldestFirst(t *testing.T) {
	r := newRing(3)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		r.push(Event{Identity: id})
	}

	got := r.slice()
	want := []string{"c", "d", "e"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Identity != want[i] {
			t.Errorf("slot %d = %q, want %q", i, got[i].Identity, want[i])
		}
	}
}

func TestRing_PartiallyFilled(t *testing.T) {
	r := newRing(4)
	r.push(Event{Identity: "a"})
	if got := r.slice(); len(got) != 1 || got[0].Identity != "a" {
		t.Errorf("slice = %+v, want [a]", got)
	}
}
