package sweep

import (
	"testing"
	"time"
)

func TestAddJobRunsOnSchedule(t *testing.T) {
	s, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	fired := make(chan struct{}, 1)
	if err := s.AddJob("test-tick", "*/1 * * * * *", func() {
		select {
		case fired <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("AddJob: %v", err)
	}

	select {
	case <-fired:
	case <-time.After(3 * time.Second):
		t.Fatal("expected job to fire within 3 seconds")
	}
}

func TestAddJobDuplicateNameRejected(t *testing.T) {
	s, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	if err := s.AddJob("dup", "*/5 * * * * *", func() {}); err != nil {
		t.Fatalf("AddJob first: %v", err)
	}
	if err := s.AddJob("dup", "*/5 * * * * *", func() {}); err == nil {
		t.Fatal("expected error registering a duplicate job name")
	}
}

func TestRemoveJobIsIdempotent(t *testing.T) {
	s, err := New(nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Stop()

	s.RemoveJob("never-added") // must not panic
}
