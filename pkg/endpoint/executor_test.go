package endpoint

import (
	"sync"
	"testing"
	"time"
)

func TestSerialExecutorRunsTasksInOrder(t *testing.T) {
	e := NewSerialExecutor(nil)
	defer e.Shutdown()

	var (
		mu  sync.Mutex
		got []int
	)
	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		i := i
		e.Execute(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
			if i == 9 {
				close(done)
			}
		})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("tasks did not run")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("order = %v, want ascending", got)
		}
	}
}

func TestSerialExecutorRecoversPanics(t *testing.T) {
	e := NewSerialExecutor(nil)
	defer e.Shutdown()

	e.Execute(func() { panic("boom") })

	done := make(chan struct{})
	e.Execute(func() { close(done) })

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("executor died after a task panic")
	}
}

func TestSerialExecutorShutdownIsIdempotent(t *testing.T) {
	e := NewSerialExecutor(nil)
	e.Shutdown()
	e.Shutdown()

	// Tasks after shutdown are dropped, not run.
	ran := false
	e.Execute(func() { ran = true })
	time.Sleep(20 * time.Millisecond)
	if ran {
		t.Error("task ran after shutdown")
	}
}
