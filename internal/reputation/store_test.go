package reputation

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lfrfrfr/beon-guard/pkg/models"
)

func newTestStore() (*Store, *time.Time) {
	s := NewDefault()
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }
	return s, &clock
}

func TestGetCreatesNeutralRecord(t *testing.T) {
	s, _ := newTestStore()

	rec, err := s.Get("203.0.113.7")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if rec.Score != models.NeutralScore {
		t.Errorf("Score = %v, want %v", rec.Score, models.NeutralScore)
	}
	if rec.Violations != 0 || rec.Whitelisted || rec.Blacklisted {
		t.Errorf("Get() = %+v, want clean record", rec)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestCanonicalKeys(t *testing.T) {
	s, _ := newTestStore()

	if _, err := s.Adjust("::ffff:203.0.113.7", -10, "test"); err != nil {
		t.Fatalf("Adjust() error = %v", err)
	}
	rec, ok := s.Peek("203.0.113.7")
	if !ok {
		t.Fatal("Peek() did not find record stored under mapped address")
	}
	if rec.Score != 40 {
		t.Errorf("Score = %v, want 40", rec.Score)
	}
}

func TestInvalidIP(t *testing.T) {
	s, _ := newTestStore()

	inputs := []string{"", "not-an-ip", "999.1.1.1"}
	for _, in := range inputs {
		t.Run(in, func(t *testing.T) {
			if _, err := s.Get(in); !errors.Is(err, ErrInvalidIP) {
				t.Errorf("Get(%q) error = %v, want ErrInvalidIP", in, err)
			}
			if _, err := s.Adjust(in, -5, "x"); !errors.Is(err, ErrInvalidIP) {
				t.Errorf("Adjust(%q) error = %v, want ErrInvalidIP", in, err)
			}
		})
	}
	if s.Len() != 0 {
		t.Errorf("Len() = %d, want 0", s.Len())
	}
}

func TestAdjustClamps(t *testing.T) {
	tests := []struct {
		name       string
		deltas     []float64
		want       float64
		violations int
	}{
		{"Single penalty", []float64{-10}, 40, 1},
		{"Reward", []float64{5}, 55, 0},
		{"Clamped at max", []float64{30, 30, 30}, 100, 0},
		{"Clamped at min", []float64{-30, -30, -30}, 0, 3},
		{"Mixed", []float64{-20, 1, 1}, 32, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestStore()
			var rec models.Reputation
			for _, d := range tt.deltas {
				rec, _ = s.Adjust("198.51.100.1", d, "test")
			}
			if rec.Score != tt.want {
				t.Errorf("Score = %v, want %v", rec.Score, tt.want)
			}
			if rec.Violations != tt.violations {
				t.Errorf("Violations = %d, want %d", rec.Violations, tt.violations)
			}
		})
	}
}

func TestAutoBlacklist(t *testing.T) {
	s, _ := newTestStore()

	var actions []string
	s.AddHook(func(c Change) { actions = append(actions, c.Action) })

	ip := "198.51.100.2"
	for i := 0; i < 4; i++ {
		rec, _ := s.Adjust(ip, -20, "attack")
		if rec.Blacklisted {
			t.Fatalf("blacklisted after %d violations", i+1)
		}
	}
	// Score is already 0 but only four violations so far
	rec, _ := s.Adjust(ip, -20, "attack")
	if !rec.Blacklisted {
		t.Fatalf("Adjust() = %+v, want blacklisted", rec)
	}
	if rec.Status() != models.StatusBlacklisted {
		t.Errorf("Status() = %s, want blacklisted", rec.Status())
	}

	if actions[len(actions)-1] != ActionAutoBlacklist {
		t.Errorf("last hook action = %s, want %s", actions[len(actions)-1], ActionAutoBlacklist)
	}
}

func TestWhitelistedImmuneToAdjust(t *testing.T) {
	s, _ := newTestStore()
	ip := "192.0.2.10"

	if _, err := s.Whitelist(ip, "office"); err != nil {
		t.Fatalf("Whitelist() error = %v", err)
	}
	for i := 0; i < 20; i++ {
		s.Adjust(ip, -30, "attack")
	}
	rec, _ := s.Get(ip)
	if rec.Score != models.MaxScore || rec.Violations != 0 || rec.Blacklisted {
		t.Errorf("Get() = %+v, want untouched whitelisted record", rec)
	}
}

func TestWhitelistBlacklistExclusive(t *testing.T) {
	s, _ := newTestStore()
	ip := "192.0.2.11"

	s.Whitelist(ip, "a")
	rec, _ := s.Blacklist(ip, "b")
	if rec.Whitelisted || !rec.Blacklisted || rec.Score != models.MinScore {
		t.Errorf("Blacklist() = %+v, want only blacklisted at min score", rec)
	}

	rec, _ = s.Whitelist(ip, "c")
	if !rec.Whitelisted || rec.Blacklisted || rec.Score != models.MaxScore {
		t.Errorf("Whitelist() = %+v, want only whitelisted at max score", rec)
	}

	rec, _ = s.Reset(ip, "d")
	if rec.Whitelisted || rec.Blacklisted || rec.Score != models.NeutralScore || rec.Violations != 0 {
		t.Errorf("Reset() = %+v, want neutral record", rec)
	}
}

func TestBlock(t *testing.T) {
	s, clock := newTestStore()
	ip := "192.0.2.20"

	rec, _ := s.Block(ip, time.Hour, "too many violations")
	if !rec.Blocked(*clock) {
		t.Fatalf("Block() = %+v, want blocked", rec)
	}

	*clock = clock.Add(2 * time.Hour)
	res := s.Sweep()
	if res.Unblocked != 1 {
		t.Errorf("Sweep().Unblocked = %d, want 1", res.Unblocked)
	}
	rec, _ = s.Get(ip)
	if rec.BlockedUntil != nil {
		t.Errorf("BlockedUntil = %v, want nil after expiry", rec.BlockedUntil)
	}

	s.Whitelist(ip, "ok")
	rec, _ = s.Block(ip, time.Hour, "again")
	if rec.Blocked(*clock) {
		t.Error("whitelisted IP must not be blocked")
	}
}

func TestSweepPurgesIdleNeutral(t *testing.T) {
	s, clock := newTestStore()

	s.Get("203.0.113.1")
	s.Blacklist("203.0.113.2", "abuse")
	s.Whitelist("203.0.113.3", "partner")
	s.Adjust("203.0.113.4", -40, "attack")

	*clock = clock.Add(8 * 24 * time.Hour)
	res := s.Sweep()

	if _, ok := s.Peek("203.0.113.1"); ok {
		t.Error("idle neutral record should be purged")
	}
	if _, ok := s.Peek("203.0.113.2"); !ok {
		t.Error("blacklisted record must be retained")
	}
	if _, ok := s.Peek("203.0.113.3"); !ok {
		t.Error("whitelisted record must be retained")
	}
	if rec, ok := s.Peek("203.0.113.4"); !ok {
		t.Error("low score record must be retained")
	} else if rec.Score != 15 {
		t.Errorf("decayed Score = %v, want 15", rec.Score)
	}
	if res.Purged != 1 {
		t.Errorf("Sweep().Purged = %d, want 1", res.Purged)
	}
}

func TestSweepDecay(t *testing.T) {
	tests := []struct {
		name  string
		delta float64
		idle  time.Duration
		want  float64
	}{
		{"Recent activity not decayed", -20, 30 * time.Minute, 30},
		{"Low score moves up", -20, 2 * time.Hour, 35},
		{"High score moves down", 40, 2 * time.Hour, 85},
		{"Stops at neutral", -3, 2 * time.Hour, 50},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, clock := newTestStore()
			s.Adjust("203.0.113.9", tt.delta, "test")
			*clock = clock.Add(tt.idle)
			s.Sweep()
			rec, _ := s.Peek("203.0.113.9")
			if rec.Score != tt.want {
				t.Errorf("Score = %v, want %v", rec.Score, tt.want)
			}
		})
	}
}

func TestQueryAndStats(t *testing.T) {
	s, _ := newTestStore()

	s.Get("10.0.0.1")
	s.Adjust("10.0.0.2", 40, "good")
	s.Adjust("10.0.0.3", -30, "bad")
	s.Blacklist("10.0.0.4", "abuse")
	s.Whitelist("10.0.0.5", "office")

	tests := []struct {
		status models.ReputationStatus
		want   []string
	}{
		{models.StatusNormal, []string{"10.0.0.1"}},
		{models.StatusTrusted, []string{"10.0.0.2"}},
		{models.StatusSuspicious, []string{"10.0.0.3"}},
		{models.StatusBlacklisted, []string{"10.0.0.4"}},
		{models.StatusWhitelisted, []string{"10.0.0.5"}},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			got := s.Query(tt.status)
			if len(got) != len(tt.want) {
				t.Fatalf("Query(%s) = %+v, want %v", tt.status, got, tt.want)
			}
			for i, rec := range got {
				if rec.IP != tt.want[i] {
					t.Errorf("Query(%s)[%d] = %s, want %s", tt.status, i, rec.IP, tt.want[i])
				}
			}
		})
	}

	st := s.Stats()
	if st.TotalIPs != 5 || st.Whitelisted != 1 || st.Blacklisted != 1 ||
		st.Suspicious != 1 || st.Trusted != 1 || st.Neutral != 1 {
		t.Errorf("Stats() = %+v", st)
	}
	if st.Distribution["90-100"] != 2 {
		t.Errorf("Distribution[90-100] = %d, want 2", st.Distribution["90-100"])
	}
	if st.Distribution["50-59"] != 1 {
		t.Errorf("Distribution[50-59] = %d, want 1", st.Distribution["50-59"])
	}
}

func TestRestore(t *testing.T) {
	s, _ := newTestStore()
	n := s.Restore([]models.Reputation{
		{IP: "203.0.113.50", Score: 0, Blacklisted: true},
		{IP: "bogus", Score: 10},
		{IP: "203.0.113.51", Score: 150, Whitelisted: true},
	})
	if n != 2 {
		t.Errorf("Restore() = %d, want 2", n)
	}
	rec, _ := s.Peek("203.0.113.51")
	if rec.Score != models.MaxScore {
		t.Errorf("restored Score = %v, want clamped %v", rec.Score, models.MaxScore)
	}
	if len(s.Flagged()) != 2 {
		t.Errorf("Flagged() = %d records, want 2", len(s.Flagged()))
	}
}

func TestConcurrentAdjust(t *testing.T) {
	s := NewDefault()
	ip := "198.51.100.77"

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Adjust(ip, 1, "reward")
		}()
	}
	wg.Wait()

	rec, _ := s.Get(ip)
	if rec.Score != 100 {
		t.Errorf("Score = %v, want 100", rec.Score)
	}
}

func BenchmarkAdjust(b *testing.B) {
	s := NewDefault()
	for i := 0; i < b.N; i++ {
		s.Adjust("198.51.100.1", 1, "bench")
	}
}
