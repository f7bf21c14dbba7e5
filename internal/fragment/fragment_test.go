package fragment

import "testing"

func TestMakeFragIDRoundTrip(t *testing.T) {
	id := MakeID(3, 7)
	if GetID(id) != 3 {
		t.Fatalf("GetID = %d, want 3", GetID(id))
	}
	if GetCount(id) != 7 {
		t.Fatalf("GetCount = %d, want 7", GetCount(id))
	}
}

func TestStoreInsertSortedByID(t *testing.T) {
	var s Store
	for _, id := range []uint32{3, 1, 2} {
		f := NewFragment()
		f.BufferID = MakeID(id, 3)
		s.insertSorted(f)
	}
	items := s.Items()
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	for i, f := range items {
		if GetID(f.BufferID) != uint32(i+1) {
			t.Fatalf("item %d has id %d, want %d", i, GetID(f.BufferID), i+1)
		}
	}
}

func TestCheckCompletionDetectsGap(t *testing.T) {
	var s Store
	f1 := NewFragment()
	f1.BufferID = MakeID(1, 3)
	f3 := NewFragment()
	f3.BufferID = MakeID(3, 3)
	s.insertSorted(f1)
	s.insertSorted(f3)

	complete, gap, _ := s.CheckCompletion(3)
	if complete {
		t.Fatal("expected incomplete with only 2 of 3 fragments")
	}
	if !gap {
		t.Fatal("expected gap detected (missing id 2)")
	}
}

func TestCheckCompletionComplete(t *testing.T) {
	var s Store
	for _, id := range []uint32{1, 2, 3} {
		f := NewFragment()
		f.BufferID = MakeID(id, 3)
		s.insertSorted(f)
	}
	complete, gap, _ := s.CheckCompletion(3)
	if !complete || gap {
		t.Fatalf("expected complete=true gap=false, got complete=%v gap=%v", complete, gap)
	}
}

func TestWaitlistFIFOOrder(t *testing.T) {
	var w Waitlist
	g1 := &Group{}
	g2 := &Group{}
	w.Push(g1)
	w.Push(g2)
	if w.PopFront() != g1 {
		t.Fatal("expected g1 first")
	}
	if w.PopFront() != g2 {
		t.Fatal("expected g2 second")
	}
	if !w.Empty() {
		t.Fatal("expected waitlist empty")
	}
}
