package stevedore

import "testing"

type countingNukeable struct {
	freed *int
}

func (c countingNukeable) ObjFree() error {
	*c.freed++
	return nil
}

func TestLRUNukeOrder(t *testing.T) {
	l := NewLRU()
	var freedA, freedB int

	l.Touch("a", countingNukeable{freed: &freedA})
	l.Touch("b", countingNukeable{freed: &freedB})
	l.Touch("a", countingNukeable{freed: &freedA}) // touch a again, b is now LRU

	ok, err := l.Nuke()
	if err != nil || !ok {
		t.Fatalf("expected a nuke to happen, ok=%v err=%v", ok, err)
	}
	if freedB != 1 {
		t.Fatalf("expected b to be nuked first, freedB=%d freedA=%d", freedB, freedA)
	}
	if freedA != 0 {
		t.Fatalf("expected a to survive first nuke, got freedA=%d", freedA)
	}
}

func TestLRUNukeEmpty(t *testing.T) {
	l := NewLRU()
	ok, err := l.Nuke()
	if ok || err != nil {
		t.Fatalf("expected no-op nuke on empty LRU, ok=%v err=%v", ok, err)
	}
}

func TestLRURemove(t *testing.T) {
	l := NewLRU()
	var freed int
	l.Touch("a", countingNukeable{freed: &freed})
	l.Remove("a")
	if l.Len() != 0 {
		t.Fatalf("expected len 0 after remove, got %d", l.Len())
	}
}
