package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/duskline/rcagent/internal/logging"
)

func TestScheduler_SpawnAndJoin(t *testing.T) {
	s := New(logging.NopLogger())
	if err := s.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	var ran int32
	for i := 0; i < 5; i++ {
		s.Spawn("worker", func() {
			atomic.AddInt32(&ran, 1)
		})
	}

	s.Destroy()
	s.Join()

	if got := atomic.LoadInt32(&ran); got != 5 {
		t.Errorf("ran = %d, want 5", got)
	}
}

func TestScheduler_RecoversPanickingTask(t *testing.T) {
	s := New(logging.NopLogger())
	_ = s.Initialize()

	done := make(chan struct{})
	s.Spawn("panicker", func() {
		defer close(done)
		panic("boom")
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("panicking task never ran")
	}

	s.Destroy()
	s.Join() // must return even though the task panicked
}

func TestScheduler_SpawnBeforeInitialize_Rejected(t *testing.T) {
	s := New(logging.NopLogger())

	var ran int32
	s.Spawn("worker", func() {
		atomic.AddInt32(&ran, 1)
	})
	s.Join()

	if got := atomic.LoadInt32(&ran); got != 0 {
		t.Errorf("ran = %d, want 0 (spawn before Initialize should be rejected)", got)
	}
}
