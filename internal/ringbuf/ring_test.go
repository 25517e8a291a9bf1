package ringbuf

import (
	"reflect"
	"testing"
)

func TestPushWithinCapacity(t *testing.T) {
	r := New[int](5)
	r.Push(1)
	r.Push(2)
	r.Push(3)

	if got := r.Items(); !reflect.DeepEqual(got, []int{1, 2, 3}) {
		t.Errorf("Items() = %v, want [1 2 3]", got)
	}
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
}

func TestPushOverwritesOldest(t *testing.T) {
	r := New[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	if got := r.Items(); !reflect.DeepEqual(got, []int{3, 4, 5}) {
		t.Errorf("Items() = %v, want [3 4 5]", got)
	}
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
}

func TestItemsNewestFirst(t *testing.T) {
	r := New[int](3)
	r.Push(1)
	r.Push(2)
	r.Push(3)
	if got := r.ItemsNewestFirst(); !reflect.DeepEqual(got, []int{3, 2, 1}) {
		t.Errorf("ItemsNewestFirst() = %v, want [3 2 1]", got)
	}
}

func TestClear(t *testing.T) {
	r := New[int](3)
	r.Push(1)
	r.Clear()
	if r.Len() != 0 {
		t.Errorf("Len() after Clear = %d, want 0", r.Len())
	}
}
