package timer

import "testing"

func TestFireOrdersByDeadlineThenInsertion(t *testing.T) {
	w := New()
	var order []int
	w.Schedule(100, func() { order = append(order, 1) })
	w.Schedule(100, func() { order = append(order, 2) })
	w.Schedule(50, func() { order = append(order, 0) })

	w.Fire(100)

	want := []int{0, 1, 2}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestCancelPreventsFiring(t *testing.T) {
	w := New()
	fired := false
	h := w.Schedule(10, func() { fired = true })
	w.Cancel(h)
	w.Fire(100)
	if fired {
		t.Fatalf("cancelled timer fired")
	}
}

func TestNextDeadlineSkipsCancelled(t *testing.T) {
	w := New()
	h1 := w.Schedule(10, func() {})
	w.Schedule(20, func() {})
	w.Cancel(h1)

	d, ok := w.NextDeadline()
	if !ok || d != 20 {
		t.Fatalf("next deadline = %d,%v want 20,true", d, ok)
	}
}
