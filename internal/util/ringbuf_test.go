package util

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	if got := r.Snapshot(); !reflect.DeepEqual(got, []int{3, 4, 5}) {
		t.Fatalf("snapshot = %v", got)
	}
	if got := r.Last(2); !reflect.DeepEqual(got, []int{4, 5}) {
		t.Fatalf("last(2) = %v", got)
	}
	if got := r.Last(10); len(got) != 3 {
		t.Fatalf("last(10) should cap at len, got %v", got)
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d", r.Len())
	}
}

func TestRingBufferZeroCapacity(t *testing.T) {
	r := NewRingBuffer[string](0)
	r.Push("a")
	r.Push("b")
	if got := r.Snapshot(); !reflect.DeepEqual(got, []string{"b"}) {
		t.Fatalf("snapshot = %v", got)
	}
}

func TestResolvePath(t *testing.T) {
	abs := filepath.Join(string(filepath.Separator), "var", "calls.db")
	if got := ResolvePath("/base", abs); got != abs {
		t.Fatalf("absolute path should win, got %q", got)
	}
	if got := ResolvePath("base", "data/calls.db"); got != filepath.Join("base", "data", "calls.db") {
		t.Fatalf("relative join = %q", got)
	}
}

func TestFeedPublishesToSubscribers(t *testing.T) {
	f := NewFeed[int](2)
	fast, cancelFast := f.Subscribe(4)
	slow, cancelSlow := f.Subscribe(1)

	for i := 1; i <= 3; i++ {
		f.Publish(i)
	}
	if got := f.Snapshot(); !reflect.DeepEqual(got, []int{2, 3}) {
		t.Fatalf("snapshot = %v", got)
	}
	for want := 1; want <= 3; want++ {
		if got := <-fast; got != want {
			t.Fatalf("fast got %d, want %d", got, want)
		}
	}
	if got := <-slow; got != 1 {
		t.Fatalf("slow got %d, want 1", got)
	}
	select {
	case v := <-slow:
		t.Fatalf("slow subscriber should have dropped, got %d", v)
	default:
	}

	cancelFast()
	cancelFast()
	if _, ok := <-fast; ok {
		t.Fatal("cancelled channel still open")
	}
	if f.Subscribers() != 1 {
		t.Fatalf("subscribers = %d", f.Subscribers())
	}
	cancelSlow()
	f.Publish(4)
}
