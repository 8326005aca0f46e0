package merge

import (
	"sync"
	"testing"
	"time"
)

func TestLockSetSerializesPerKey(t *testing.T) {
	s := newLockSet()
	unlock := s.lock("a")

	acquired := make(chan struct{})
	go func() {
		u := s.lock("a")
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second holder acquired a held key")
	case <-time.After(20 * time.Millisecond):
	}

	// A different key is independent.
	other := s.lock("b")
	other()

	unlock()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the key")
	}
}

func TestLockSetFreesIdleKeys(t *testing.T) {
	s := newLockSet()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.lock("k")()
		}()
	}
	wg.Wait()
	if n := s.size(); n != 0 {
		t.Fatalf("size = %d, want 0", n)
	}
}
