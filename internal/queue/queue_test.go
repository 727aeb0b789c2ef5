package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/amcp-io/amcp/pkg/models"
)

func TestManager_AcquireRelease(t *testing.T) {
	m := NewManager(nil)

	if !m.Acquire("s1") {
		t.Fatal("expected first acquire to succeed")
	}
	if m.Acquire("s1") {
		t.Error("expected second acquire to fail while busy")
	}
	if !m.IsBusy("s1") {
		t.Error("expected session busy after acquire")
	}

	if next := m.Release("s1"); next != nil {
		t.Errorf("expected no queued message, got %+v", next)
	}
	if m.IsBusy("s1") {
		t.Error("expected session idle after release")
	}
	if !m.Acquire("s1") {
		t.Error("expected acquire to succeed after release")
	}
}

func TestManager_PriorityOrdering(t *testing.T) {
	m := NewManager(nil)
	m.Acquire("s1")

	m.Enqueue("s1", "low", nil, models.PriorityLow, nil)
	m.Enqueue("s1", "normal", nil, models.PriorityNormal, nil)
	m.Enqueue("s1", "urgent", nil, models.PriorityUrgent, nil)
	m.Enqueue("s1", "high", nil, models.PriorityHigh, nil)

	want := []string{"urgent", "high", "normal", "low"}
	for _, expected := range want {
		msg := m.Release("s1")
		if msg == nil {
			t.Fatalf("expected queued message %q, got nil", expected)
		}
		if msg.Prompt != expected {
			t.Errorf("expected %q, got %q", expected, msg.Prompt)
		}
		if !m.IsBusy("s1") {
			t.Error("expected session to stay busy during handoff")
		}
	}

	if msg := m.Release("s1"); msg != nil {
		t.Errorf("expected empty queue, got %+v", msg)
	}
}

func TestManager_FIFOWithinPriority(t *testing.T) {
	m := NewManager(nil)
	m.Acquire("s1")

	m.Enqueue("s1", "first", nil, models.PriorityNormal, nil)
	m.Enqueue("s1", "second", nil, models.PriorityNormal, nil)
	m.Enqueue("s1", "third", nil, models.PriorityNormal, nil)

	for _, expected := range []string{"first", "second", "third"} {
		msg := m.Release("s1")
		if msg == nil || msg.Prompt != expected {
			t.Errorf("expected %q, got %+v", expected, msg)
		}
	}
}

func TestManager_ReleaseHandsOffAtomically(t *testing.T) {
	m := NewManager(nil)
	m.Acquire("s1")
	m.Enqueue("s1", "queued", nil, models.PriorityNormal, nil)

	msg := m.Release("s1")
	if msg == nil {
		t.Fatal("expected handoff message")
	}
	// The session must still be busy on behalf of the popped message;
	// a competing acquire must fail.
	if m.Acquire("s1") {
		t.Error("expected acquire to fail during handoff")
	}
}

func TestManager_Clear(t *testing.T) {
	m := NewManager(nil)
	m.Enqueue("s1", "a", nil, models.PriorityNormal, nil)
	m.Enqueue("s1", "b", nil, models.PriorityNormal, nil)

	if n := m.Clear("s1"); n != 2 {
		t.Errorf("expected 2 cleared, got %d", n)
	}
	if n := m.Count("s1"); n != 0 {
		t.Errorf("expected 0 queued after clear, got %d", n)
	}
	if n := m.Clear("unknown"); n != 0 {
		t.Errorf("expected 0 cleared for unknown session, got %d", n)
	}
}

func TestManager_Status(t *testing.T) {
	m := NewManager(nil)
	m.Acquire("s1")
	m.Enqueue("s1", "normal one", nil, models.PriorityNormal, nil)
	m.Enqueue("s1", "urgent one", nil, models.PriorityUrgent, nil)

	st := m.Status("s1")
	if !st.Busy {
		t.Error("expected busy status")
	}
	if st.QueuedCount != 2 {
		t.Errorf("expected 2 queued, got %d", st.QueuedCount)
	}
	if len(st.QueuedPrompts) != 2 || st.QueuedPrompts[0] != "urgent one" {
		t.Errorf("expected urgent first in prompt listing, got %v", st.QueuedPrompts)
	}

	// Status must not disturb the live queue.
	if msg := m.Release("s1"); msg == nil || msg.Prompt != "urgent one" {
		t.Errorf("expected urgent one from release, got %+v", msg)
	}
}

func TestManager_Remove(t *testing.T) {
	m := NewManager(nil)
	m.Acquire("s1")
	m.Enqueue("s1", "a", nil, models.PriorityNormal, nil)

	m.Remove("s1")

	if m.IsBusy("s1") {
		t.Error("expected session not busy after remove")
	}
	if n := m.Count("s1"); n != 0 {
		t.Errorf("expected 0 queued after remove, got %d", n)
	}
}

func TestManager_ConcurrentAcquire(t *testing.T) {
	m := NewManager(nil)

	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Acquire("s1") {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if acquired != 1 {
		t.Errorf("expected exactly one winner, got %d", acquired)
	}
}

func TestManager_EnqueueTimestamps(t *testing.T) {
	m := NewManager(nil)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	m.nowFunc = func() time.Time { return now }

	msg := m.Enqueue("s1", "hello", nil, models.PriorityNormal, map[string]any{"origin": "test"})
	if !msg.EnqueuedAt.Equal(now) {
		t.Errorf("expected enqueue time %v, got %v", now, msg.EnqueuedAt)
	}
	if msg.ID == "" {
		t.Error("expected message id to be set")
	}
	if msg.Metadata["origin"] != "test" {
		t.Errorf("expected metadata to carry origin, got %v", msg.Metadata)
	}
}

func TestParseConflictStrategy(t *testing.T) {
	tests := []struct {
		in   string
		want ConflictStrategy
	}{
		{"queue", StrategyQueue},
		{"reject", StrategyReject},
		{"", StrategyQueue},
		{"bogus", StrategyQueue},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := ParseConflictStrategy(tt.in); got != tt.want {
				t.Errorf("expected %v, got %v", tt.want, got)
			}
		})
	}
}
