package activity

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func newTestStore() (*Store, *time.Time) {
	s := NewDefault()
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	return s, &clock
}

func TestRecordBounded(t *testing.T) {
	s, _ := newTestStore()

	for i := 0; i < 150; i++ {
		s.Record("203.0.113.1", Entry{URL: fmt.Sprintf("/p/%d", i), Method: "GET"})
	}

	snap := s.Snapshot("203.0.113.1")
	if len(snap.Requests) != 100 {
		t.Fatalf("len(Requests) = %d, want 100", len(snap.Requests))
	}
	if snap.Requests[0].URL != "/p/50" {
		t.Errorf("oldest retained = %s, want /p/50", snap.Requests[0].URL)
	}
	if snap.Requests[99].URL != "/p/149" {
		t.Errorf("newest = %s, want /p/149", snap.Requests[99].URL)
	}
}

func TestCountersResetHourly(t *testing.T) {
	s, clock := newTestStore()
	ip := "203.0.113.2"

	s.Record(ip, Entry{URL: "/api/login"})
	for i := 0; i < 3; i++ {
		s.RecordFailedLogin(ip)
	}
	s.RecordError(ip)

	snap := s.Snapshot(ip)
	if snap.FailedLogins != 3 || snap.Errors != 1 {
		t.Fatalf("Snapshot() = %+v", snap)
	}

	*clock = clock.Add(61 * time.Minute)
	snap = s.Snapshot(ip)
	if snap.FailedLogins != 0 || snap.Errors != 0 {
		t.Errorf("counters after reset = %d/%d, want 0/0", snap.FailedLogins, snap.Errors)
	}
	if len(snap.Requests) != 1 {
		t.Errorf("raw entries must survive counter reset, got %d", len(snap.Requests))
	}
}

func TestSnapshotUnknownDoesNotCreate(t *testing.T) {
	s, _ := newTestStore()
	snap := s.Snapshot("198.51.100.1")
	if len(snap.Requests) != 0 || s.Len() != 0 {
		t.Errorf("Snapshot() created a record: %+v, Len=%d", snap, s.Len())
	}
}

func TestSnapshotIsCopy(t *testing.T) {
	s, _ := newTestStore()
	s.Record("198.51.100.2", Entry{URL: "/a"})

	snap := s.Snapshot("198.51.100.2")
	snap.Requests[0].URL = "/mutated"

	if got := s.Snapshot("198.51.100.2").Requests[0].URL; got != "/a" {
		t.Errorf("stored URL = %s, want /a", got)
	}
}

func TestSweepPurgesIdle(t *testing.T) {
	s, clock := newTestStore()

	s.Record("203.0.113.10", Entry{URL: "/old"})
	*clock = clock.Add(20 * time.Hour)
	s.Record("203.0.113.11", Entry{URL: "/new"})
	*clock = clock.Add(5 * time.Hour)

	res := s.Sweep()
	if res.Purged != 1 {
		t.Errorf("Sweep().Purged = %d, want 1", res.Purged)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
	if snap := s.Snapshot("203.0.113.11"); len(snap.Requests) != 1 {
		t.Error("recent record should survive")
	}
}

func TestConcurrentRecord(t *testing.T) {
	s := NewDefault()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Record("203.0.113.20", Entry{URL: "/x"})
			s.RecordError("203.0.113.20")
		}()
	}
	wg.Wait()

	snap := s.Snapshot("203.0.113.20")
	if len(snap.Requests) != 50 || snap.Errors != 50 {
		t.Errorf("Snapshot() = %d requests %d errors, want 50/50", len(snap.Requests), snap.Errors)
	}
}
