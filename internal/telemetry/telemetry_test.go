package telemetry

import (
	"fmt"
	"testing"
	"time"

	"github.com/lfrfrfr/beon-guard/pkg/models"
)

func newTestStore(cfg Config) (*Store, *time.Time) {
	s := New(cfg)
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	s.started = clock
	return s, &clock
}

func TestRing(t *testing.T) {
	r := NewRing[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}

	got := r.Items()
	want := []int{3, 4, 5}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Items() = %v, want %v", got, want)
	}
	if last, _ := r.Last(); last != 5 {
		t.Errorf("Last() = %d, want 5", last)
	}

	if n := r.DropWhile(func(v int) bool { return v < 5 }); n != 2 {
		t.Errorf("DropWhile() = %d, want 2", n)
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}

	r.Push(6)
	r.Push(7)
	r.Push(8)
	if fmt.Sprint(r.Items()) != "[6 7 8]" {
		t.Errorf("Items() after wrap = %v", r.Items())
	}

	var reversed []int
	r.Reverse(func(v int) bool {
		reversed = append(reversed, v)
		return v != 7
	})
	if fmt.Sprint(reversed) != "[8 7]" {
		t.Errorf("Reverse() visited %v, want [8 7]", reversed)
	}
}

func TestRecordRequestCaps(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RequestsCap = 10
	cfg.ErrorsCap = 5
	s, _ := newTestStore(cfg)

	for i := 0; i < 30; i++ {
		s.RecordRequest(RequestRecord{IP: "10.0.0.1", URL: "/x", Status: 500})
	}

	st := s.Stats()
	if st.Buffers.Requests != 10 || st.Buffers.Errors != 5 {
		t.Errorf("buffers = %+v, want 10 requests 5 errors", st.Buffers)
	}
	if st.System.Requests != 30 || st.System.Errors != 30 {
		t.Errorf("totals = %+v, want 30/30", st.System)
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		status int
		want   string
	}{
		{503, ServerError},
		{500, ServerError},
		{404, ClientError},
		{401, ClientError},
		{200, "unknown"},
	}
	for _, tt := range tests {
		if got := ClassifyError(tt.status); got != tt.want {
			t.Errorf("ClassifyError(%d) = %s, want %s", tt.status, got, tt.want)
		}
	}
}

func TestHashEmail(t *testing.T) {
	h := HashEmail("a@b.com")
	if len(h) != 8 {
		t.Fatalf("HashEmail() = %q, want 8 chars", h)
	}
	if h != HashEmail("a@b.com") {
		t.Error("HashEmail() is not deterministic")
	}
	if HashEmail("") != "" {
		t.Error("HashEmail(\"\") should be empty")
	}
}

func TestRollup(t *testing.T) {
	s, clock := newTestStore(DefaultConfig())
	start := *clock

	// Outside the window
	s.RecordRequest(RequestRecord{IP: "10.0.0.9", Status: 500, ResponseTime: time.Second})

	*clock = start.Add(5 * time.Minute)
	for i := 0; i < 8; i++ {
		s.RecordRequest(RequestRecord{IP: fmt.Sprintf("10.0.0.%d", i%4), Status: 200, ResponseTime: 100 * time.Millisecond})
	}
	s.RecordRequest(RequestRecord{IP: "10.0.0.1", Status: 404, ResponseTime: 100 * time.Millisecond})
	s.RecordRequest(RequestRecord{IP: "10.0.0.1", Status: 502, ResponseTime: 100 * time.Millisecond})
	s.RecordLogin("10.0.0.1", false, "a@b.com", "invalid credentials")
	s.RecordLogin("10.0.0.1", true, "a@b.com", "")
	s.RecordSecurityEvent("SQL_INJECTION", "10.0.0.1", nil)

	agg := s.Rollup(time.Minute)
	if agg.Requests != 10 {
		t.Errorf("Requests = %d, want 10", agg.Requests)
	}
	if agg.Errors != 2 || agg.ErrorRate != 20 {
		t.Errorf("Errors = %d rate %v, want 2 and 20", agg.Errors, agg.ErrorRate)
	}
	if agg.AvgResponseMs != 100 {
		t.Errorf("AvgResponseMs = %v, want 100", agg.AvgResponseMs)
	}
	if agg.UniqueIPs != 4 {
		t.Errorf("UniqueIPs = %d, want 4", agg.UniqueIPs)
	}
	if agg.Logins != 2 || agg.FailedLogins != 1 || agg.FailedLoginRate != 50 {
		t.Errorf("logins = %d/%d rate %v", agg.Logins, agg.FailedLogins, agg.FailedLoginRate)
	}
	if agg.SecurityEvents != 1 || agg.CriticalEvents != 1 {
		t.Errorf("events = %d critical %d, want 1/1", agg.SecurityEvents, agg.CriticalEvents)
	}

	if hourly := s.Rollup(time.Hour); hourly.Requests != 11 {
		t.Errorf("hourly Requests = %d, want 11", hourly.Requests)
	}
}

func TestRecordSecurityEvent(t *testing.T) {
	s, _ := newTestStore(DefaultConfig())

	var seen []models.SecurityEvent
	s.OnSecurityEvent(func(ev models.SecurityEvent) { seen = append(seen, ev) })

	ev := s.RecordSecurityEvent("PATH_TRAVERSAL", "203.0.113.5", map[string]interface{}{"category": "PORTAL_SPECIFIC"})
	if ev.ID == "" {
		t.Error("event ID is empty")
	}
	if ev.Severity != models.SeverityHigh {
		t.Errorf("Severity = %s, want high", ev.Severity)
	}
	if len(seen) != 1 || seen[0].ID != ev.ID {
		t.Errorf("hook saw %+v", seen)
	}

	s.RecordSecurityEvent("BOT_DETECTED", "203.0.113.6", nil)
	recent := s.RecentEvents(10)
	if len(recent) != 2 || recent[0].Type != "BOT_DETECTED" {
		t.Errorf("RecentEvents() = %+v, want newest first", recent)
	}
	if got := s.RecentEvents(1); len(got) != 1 {
		t.Errorf("RecentEvents(1) returned %d events", len(got))
	}
}

func TestRecordSecurityEventWithSeverity(t *testing.T) {
	s, _ := newTestStore(DefaultConfig())

	tests := []struct {
		name      string
		eventType string
		severity  models.Severity
		want      models.Severity
	}{
		{"explicit overrides type default", "SCANNER_DETECTED", models.SeverityHigh, models.SeverityHigh},
		{"explicit critical on custom label", "LEGACY_EXPORT", models.SeverityCritical, models.SeverityCritical},
		{"empty falls back to type default", "SQL_INJECTION", "", models.SeverityCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := s.RecordSecurityEventWithSeverity(tt.eventType, "203.0.113.7", tt.severity, nil)
			if ev.Severity != tt.want {
				t.Errorf("Severity = %s, want %s", ev.Severity, tt.want)
			}
		})
	}
}

func TestPurge(t *testing.T) {
	s, clock := newTestStore(DefaultConfig())
	start := *clock

	s.RecordRequest(RequestRecord{IP: "10.0.0.1", Status: 500})
	s.RecordLogin("10.0.0.1", false, "x@y.z", "")
	s.RecordSecurityEvent("BOT_DETECTED", "10.0.0.1", nil)
	s.RecordPerformance(PerformanceSnapshot{HeapAlloc: 1})

	*clock = start.Add(23 * time.Hour)
	s.RecordRequest(RequestRecord{IP: "10.0.0.2", Status: 200})

	*clock = start.Add(25 * time.Hour)
	if removed := s.Purge(); removed != 5 {
		t.Errorf("Purge() = %d, want 5", removed)
	}
	st := s.Stats()
	if st.Buffers.Requests != 1 || st.Buffers.Errors != 0 || st.Buffers.Logins != 0 ||
		st.Buffers.SecurityEvents != 0 || st.Buffers.Performance != 0 {
		t.Errorf("buffers after purge = %+v", st.Buffers)
	}
}

func TestSecurityReport(t *testing.T) {
	s, _ := newTestStore(DefaultConfig())

	for i := 0; i < 3; i++ {
		s.RecordRequest(RequestRecord{IP: "198.51.100.1", URL: "/.env", Status: 403})
	}
	s.RecordRequest(RequestRecord{IP: "198.51.100.2", URL: "/api/pedidos", Status: 200})
	s.RecordRequest(RequestRecord{IP: "198.51.100.2", URL: "/api/pedidos", Status: 404})
	s.RecordSecurityEvent("CUSTOM_RULE_VIOLATION", "198.51.100.1", nil)
	s.RecordSecurityEvent("CUSTOM_RULE_VIOLATION", "198.51.100.1", nil)
	s.RecordSecurityEvent("BOT_DETECTED", "198.51.100.2", nil)

	rep := s.SecurityReport(time.Hour)

	if rep.Summary.Requests != 5 {
		t.Errorf("Summary.Requests = %d, want 5", rep.Summary.Requests)
	}
	if len(rep.TopErrors) != 2 || rep.TopErrors[0].Error != "403-/.env" || rep.TopErrors[0].Count != 3 {
		t.Errorf("TopErrors = %+v", rep.TopErrors)
	}
	if rep.EventsByType["CUSTOM_RULE_VIOLATION"] != 2 || rep.EventsByType["BOT_DETECTED"] != 1 {
		t.Errorf("EventsByType = %v", rep.EventsByType)
	}
	// 2 events (20) + all errors (15) = 35; the other IP scores 10 and is left out
	if len(rep.SuspiciousIPs) != 1 || rep.SuspiciousIPs[0].IP != "198.51.100.1" || rep.SuspiciousIPs[0].Score != 35 {
		t.Errorf("SuspiciousIPs = %+v", rep.SuspiciousIPs)
	}
}

func BenchmarkRecordRequest(b *testing.B) {
	s := NewDefault()
	r := RequestRecord{IP: "10.0.0.1", URL: "/api/pedidos", Status: 200, ResponseTime: 20 * time.Millisecond}
	for i := 0; i < b.N; i++ {
		s.RecordRequest(r)
	}
}
