package gate

import (
	"sync"
	"testing"
	"time"
)

func TestWaitReturnsAfterSatisfy(t *testing.T) {
	g := New(0)
	h := g.Require(0, 8)

	done := make(chan bool, 1)
	go func() { done <- g.Wait(h) }()

	g.Satisfy(0)
	select {
	case <-done:
		t.Fatal("Wait returned before all ids were satisfied")
	case <-time.After(20 * time.Millisecond):
	}

	g.Satisfy(8)
	select {
	case ok := <-done:
		if !ok {
			t.Error("Wait returned false without poison")
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Satisfy")
	}
}

func TestRequireCopiesIDs(t *testing.T) {
	g := New(0)
	ids := []int{4, 2}
	h := g.Require(ids...)
	ids[0] = 9

	if got := h.IDs(); len(got) != 2 || got[0] != 4 || got[1] != 2 {
		t.Errorf("IDs() = %v, want [4 2]", got)
	}
}

func TestEmptyHandleDoesNotBlock(t *testing.T) {
	g := New(0)
	if !g.Wait(g.Require()) {
		t.Error("Wait on empty handle should return true")
	}
}

func TestPoisonWakesAllWaiters(t *testing.T) {
	g := New(0)
	const waiters = 8

	var wg sync.WaitGroup
	results := make(chan bool, waiters)
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			results <- g.Wait(g.Require(100 + id))
		}(i)
	}

	time.Sleep(10 * time.Millisecond)
	g.Poison()

	finished := make(chan struct{})
	go func() { wg.Wait(); close(finished) }()
	select {
	case <-finished:
	case <-time.After(time.Second):
		t.Fatal("poison did not wake all waiters")
	}

	close(results)
	for ok := range results {
		if ok {
			t.Error("Wait should return false on poisoned gate")
		}
	}

	// Later waits fail fast too.
	if g.Wait(g.Require(0)) {
		t.Error("Wait after poison should return false")
	}
}

func TestFloorCountsAsSatisfied(t *testing.T) {
	g := New(32)
	if !g.IsSatisfied(31) {
		t.Error("ids below the floor should be satisfied")
	}
	if g.IsSatisfied(32) {
		t.Error("floor id should not be satisfied until Satisfy")
	}
	if !g.Wait(g.Require(0, 16, 31)) {
		t.Error("Wait on ids below the floor should return true")
	}
}

func TestResetClearsPoisonAndBits(t *testing.T) {
	g := New(0)
	g.Satisfy(3)
	g.Satisfy(130)
	g.Poison()

	g.Reset(64)
	if g.Poisoned() {
		t.Error("Reset should clear poison")
	}
	if g.Floor() != 64 {
		t.Errorf("Floor() = %d, want 64", g.Floor())
	}
	if g.IsSatisfied(130) {
		t.Error("Reset should clear satisfied bits")
	}
	if !g.IsSatisfied(3) {
		t.Error("ids below the new floor should be satisfied")
	}
}

func TestBitsNeverClearedWithinWindow(t *testing.T) {
	g := New(0)
	for id := 0; id < 200; id++ {
		g.Satisfy(id)
	}
	for id := 0; id < 200; id++ {
		if !g.IsSatisfied(id) {
			t.Fatalf("id %d lost its satisfied bit", id)
		}
	}
}
