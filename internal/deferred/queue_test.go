package deferred

import "testing"

func TestQueueRunsInOrder(t *testing.T) {
	var q Queue
	var order []int
	q.Add(func() { order = append(order, 1) })
	q.Add(func() { order = append(order, 2) })
	q.Add(func() { order = append(order, 3) })

	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}
	q.Run()

	want := []int{1, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestQueueRunClearsState(t *testing.T) {
	var q Queue
	ran := 0
	q.Add(func() { ran++ })
	q.Run()
	if q.Len() != 0 {
		t.Fatalf("Len() after Run() = %d, want 0", q.Len())
	}
	q.Run()
	if ran != 1 {
		t.Fatalf("ran = %d, want 1 (second Run should be a no-op)", ran)
	}
}

func TestQueueAddNilIsNoop(t *testing.T) {
	var q Queue
	q.Add(nil)
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after adding nil", q.Len())
	}
	q.Run()
}
