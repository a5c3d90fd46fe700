package openfiletable

import (
	"sync"
	"testing"
	"time"
)

func TestRefCount(t *testing.T) {
	tbl := New()
	e1 := tbl.Register("a")
	e2 := tbl.Register("a")
	if e1 != e2 {
		t.Fatal("same path got different entries")
	}
	tbl.Register("b")
	if n := tbl.CountOpenFiles(); n != 2 {
		t.Errorf("have %d entries, want 2", n)
	}
	tbl.Unregister("a")
	tbl.Unregister("a")
	tbl.Unregister("b")
	if n := tbl.CountOpenFiles(); n != 0 {
		t.Errorf("have %d entries, want 0", n)
	}
}

// A second Lock() on the same path must wait, another path must not.
func TestLockExclusion(t *testing.T) {
	tbl := New()
	e := tbl.Lock("x")

	otherDone := make(chan struct{})
	go func() {
		e2 := tbl.Lock("y")
		tbl.Unlock("y", e2)
		close(otherDone)
	}()
	select {
	case <-otherDone:
	case <-time.After(5 * time.Second):
		t.Fatal("lock on a different path blocked")
	}

	var mu sync.Mutex
	acquired := false
	sameDone := make(chan struct{})
	go func() {
		e2 := tbl.Lock("x")
		mu.Lock()
		acquired = true
		mu.Unlock()
		tbl.Unlock("x", e2)
		close(sameDone)
	}()
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if acquired {
		t.Error("second lock on the same path did not wait")
	}
	mu.Unlock()
	tbl.Unlock("x", e)
	<-sameDone
	if n := tbl.CountOpenFiles(); n != 0 {
		t.Errorf("%d entries left", n)
	}
}

func TestSwapCount(t *testing.T) {
	tbl := New()
	tbl.CountSwap()
	tbl.CountSwap()
	if c := tbl.SwapCount(); c != 2 {
		t.Errorf("have %d, want 2", c)
	}
}

// Lock, Unlock and CountOpenFiles from many goroutines at once. Run with
// -race to check that the table itself is protected.
func TestConcurrentLockCount(t *testing.T) {
	tbl := New()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			path := "p"
			if i%2 == 0 {
				path = "q"
			}
			for j := 0; j < 100; j++ {
				e := tbl.Lock(path)
				if path == "p" {
					counter++
				}
				tbl.CountOpenFiles()
				tbl.Unlock(path, e)
			}
		}(i)
	}
	wg.Wait()
	if counter != 1000 {
		t.Errorf("counter=%d, want 1000", counter)
	}
	if n := tbl.CountOpenFiles(); n != 0 {
		t.Errorf("%d entries left", n)
	}
}
