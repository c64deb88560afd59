package eventstream

import "testing"

func mkEvent(hi, lo, tseq uint64, kind string) Event {
	return Event{EIDHi: hi, EIDLo: lo, TSeq: tseq, Kind: kind}
}

func TestAddEventOrderedAndRoot(t *testing.T) {
	s := New(Config{MaxEvents: 100, MaxReorderWindow: 5})

	if _, err := s.AddEvent(mkEvent(1, 1, 1, "container.start")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.AddEvent(mkEvent(1, 2, 2, "container.stop")); err != nil {
		t.Fatalf("add: %v", err)
	}

	root1 := s.MerkleRoot()
	var zero [32]byte
	if root1 == zero {
		t.Fatal("expected non-zero root after inserts")
	}

	st := s.Stats()
	if st.Count != 2 {
		t.Fatalf("count = %d, want 2", st.Count)
	}
}

func TestAddEventReorderWithinWindow(t *testing.T) {
	s := New(Config{MaxEvents: 100, MaxReorderWindow: 5})
	for _, tseq := range []uint64{10, 11, 12} {
		if _, err := s.AddEvent(mkEvent(1, tseq, tseq, "k")); err != nil {
			t.Fatalf("add %d: %v", tseq, err)
		}
	}
	// 9 is behind back(12) by 3, within window 5: accepted.
	if _, err := s.AddEvent(mkEvent(1, 9, 9, "k")); err != nil {
		t.Fatalf("expected reorder within window to succeed: %v", err)
	}
}

func TestAddEventReorderRejected(t *testing.T) {
	s := New(Config{MaxEvents: 100, MaxReorderWindow: 2})
	for _, tseq := range []uint64{10, 11, 12} {
		if _, err := s.AddEvent(mkEvent(1, tseq, tseq, "k")); err != nil {
			t.Fatalf("add %d: %v", tseq, err)
		}
	}
	// back=12, incoming=9, diff=3 > window(2): rejected.
	if _, err := s.AddEvent(mkEvent(1, 9, 9, "k")); err == nil {
		t.Fatal("expected ErrReorderRejected")
	}
}

func TestGetEventAndRange(t *testing.T) {
	s := New(Config{MaxEvents: 100, MaxReorderWindow: 5})
	for i := uint64(1); i <= 5; i++ {
		if _, err := s.AddEvent(mkEvent(1, i, i, "k")); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	ev, err := s.GetEvent(1, 3)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if ev.TSeq != 3 {
		t.Fatalf("tseq = %d, want 3", ev.TSeq)
	}

	rng, err := s.GetEventsRange(2, 4)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(rng) != 3 {
		t.Fatalf("range len = %d, want 3", len(rng))
	}
}

func TestFindByKind(t *testing.T) {
	s := New(Config{MaxEvents: 100, MaxReorderWindow: 5})
	s.AddEvent(mkEvent(1, 1, 1, "a"))
	s.AddEvent(mkEvent(1, 2, 2, "b"))
	s.AddEvent(mkEvent(1, 3, 3, "a"))

	found := s.FindByKind("a", 0)
	if len(found) != 2 {
		t.Fatalf("found = %d, want 2", len(found))
	}
}

func TestCleanupDropsFromFront(t *testing.T) {
	s := New(Config{MaxEvents: 3, MaxReorderWindow: 100})
	for i := uint64(1); i <= 5; i++ {
		if _, err := s.AddEvent(mkEvent(1, i, i, "k")); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	st := s.Stats()
	if st.Count != 3 {
		t.Fatalf("count = %d, want 3", st.Count)
	}
	if st.OldestTSeq != 3 {
		t.Fatalf("oldest = %d, want 3", st.OldestTSeq)
	}
	if _, err := s.GetEvent(1, 1); err == nil {
		t.Fatal("expected dropped event to be gone")
	}
}

func TestGetRecent(t *testing.T) {
	s := New(Config{MaxEvents: 100, MaxReorderWindow: 5})
	for i := uint64(1); i <= 5; i++ {
		s.AddEvent(mkEvent(1, i, i, "k"))
	}
	recent := s.GetRecent(2)
	if len(recent) != 2 || recent[0].TSeq != 4 || recent[1].TSeq != 5 {
		t.Fatalf("unexpected recent: %+v", recent)
	}
}
