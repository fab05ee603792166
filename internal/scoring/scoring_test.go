package scoring

import (
	"fmt"
	"testing"
	"time"

	"github.com/lfrfrfr/beon-guard/internal/activity"
	"github.com/lfrfrfr/beon-guard/pkg/models"
)

var brt = time.FixedZone("BRT", -3*3600)

func testScorer() *Scorer {
	cfg := DefaultConfig()
	cfg.Location = brt
	return New(cfg)
}

// noon local time, outside the suspicious hours
var noon = time.Date(2024, 3, 1, 12, 0, 0, 0, brt)

func history(n int, url string, at time.Time) []activity.Entry {
	out := make([]activity.Entry, n)
	for i := range out {
		out[i] = activity.Entry{Timestamp: at, URL: url, Method: "GET"}
	}
	return out
}

func mixedHistory(n int, at time.Time) []activity.Entry {
	out := make([]activity.Entry, n)
	for i := range out {
		out[i] = activity.Entry{Timestamp: at, URL: fmt.Sprintf("/p/%d", i%7)}
	}
	return out
}

func TestScore(t *testing.T) {
	scorer := testScorer()
	browser := "Mozilla/5.0"

	tests := []struct {
		name string
		snap activity.Snapshot
		req  models.Request
		now  time.Time
		want int
	}{
		{
			name: "Quiet client",
			snap: activity.Snapshot{Requests: mixedHistory(3, noon)},
			req:  models.Request{URL: "/p/1", UserAgent: browser},
			now:  noon,
			want: 0,
		},
		{
			name: "Medium volume",
			snap: activity.Snapshot{Requests: mixedHistory(50, noon.Add(-time.Minute))},
			req:  models.Request{URL: "/p/1", UserAgent: browser},
			now:  noon,
			want: 15,
		},
		{
			name: "High volume",
			snap: activity.Snapshot{Requests: mixedHistory(100, noon.Add(-time.Minute))},
			req:  models.Request{URL: "/p/1", UserAgent: browser},
			now:  noon,
			want: 30,
		},
		{
			name: "Old requests outside the window ignored",
			snap: activity.Snapshot{Requests: mixedHistory(100, noon.Add(-10*time.Minute))},
			req:  models.Request{URL: "/p/1", UserAgent: browser},
			now:  noon,
			want: 0,
		},
		{
			name: "Failed logins",
			snap: activity.Snapshot{FailedLogins: 6},
			req:  models.Request{URL: "/api/login", UserAgent: browser},
			now:  noon,
			want: 25,
		},
		{
			name: "Failed logins at threshold",
			snap: activity.Snapshot{FailedLogins: 5},
			req:  models.Request{URL: "/api/login", UserAgent: browser},
			now:  noon,
			want: 0,
		},
		{
			name: "Errors",
			snap: activity.Snapshot{Errors: 11},
			req:  models.Request{URL: "/x", UserAgent: browser},
			now:  noon,
			want: 20,
		},
		{
			name: "Single URL hammering",
			snap: activity.Snapshot{Requests: history(19, "/api/pedidos", noon.Add(-time.Minute))},
			req:  models.Request{URL: "/api/pedidos", UserAgent: browser},
			now:  noon,
			want: 15,
		},
		{
			name: "Empty user agent",
			req:  models.Request{URL: "/"},
			now:  noon,
			want: 10,
		},
		{
			name: "Bot user agent is case insensitive",
			req:  models.Request{URL: "/", UserAgent: "FooBot/1.0"},
			now:  noon,
			want: 10,
		},
		{
			name: "Suspicious hour",
			req:  models.Request{URL: "/", UserAgent: browser},
			now:  time.Date(2024, 3, 1, 3, 30, 0, 0, brt),
			want: 5,
		},
		{
			name: "Hour range is inclusive",
			req:  models.Request{URL: "/", UserAgent: browser},
			now:  time.Date(2024, 3, 1, 5, 59, 0, 0, brt),
			want: 5,
		},
		{
			name: "Everything at once is capped",
			snap: activity.Snapshot{
				Requests:     history(100, "/api/login", time.Date(2024, 3, 1, 3, 29, 0, 0, brt)),
				FailedLogins: 20,
				Errors:       20,
			},
			req:  models.Request{URL: "/api/login"},
			now:  time.Date(2024, 3, 1, 3, 30, 0, 0, brt),
			want: 100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scorer.Score(tt.snap, tt.req, tt.now); got != tt.want {
				t.Errorf("Score() = %d, want %d (signals %+v)", got, tt.want, scorer.Signals(tt.snap, tt.req, tt.now))
			}
		})
	}
}

func TestAssess(t *testing.T) {
	scorer := testScorer()

	tests := []struct {
		score  int
		action Action
		delta  float64
		delay  time.Duration
	}{
		{0, ActionReward, 1, 0},
		{20, ActionReward, 1, 0},
		{21, ActionNone, 0, 0},
		{59, ActionNone, 0, 0},
		{60, ActionSlow, -10, 400 * time.Millisecond},
		{79, ActionSlow, -10, 400 * time.Millisecond},
		{80, ActionBlock, -20, 0},
		{100, ActionBlock, -20, 0},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("score_%d", tt.score), func(t *testing.T) {
			v := scorer.Assess(tt.score)
			if v.Action != tt.action {
				t.Errorf("Action = %s, want %s", v.Action, tt.action)
			}
			if v.Delta != tt.delta {
				t.Errorf("Delta = %v, want %v", v.Delta, tt.delta)
			}
			if v.Delay != tt.delay {
				t.Errorf("Delay = %v, want %v", v.Delay, tt.delay)
			}
		})
	}

	v := scorer.Assess(90)
	rej := v.Rejection()
	if rej.Status != 429 || rej.Code != "SUSPICIOUS_ACTIVITY" || rej.RetryAfter != 3600 {
		t.Errorf("Rejection() = %+v", rej)
	}
}

func TestDelayCapped(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DelayBase = time.Second
	scorer := New(cfg)

	if got := scorer.Delay(100); got != 5*time.Second {
		t.Errorf("Delay(100) = %v, want 5s", got)
	}
	if got := scorer.Delay(0); got != time.Second {
		t.Errorf("Delay(0) = %v, want 1s", got)
	}
}

func BenchmarkScore(b *testing.B) {
	scorer := testScorer()
	snap := activity.Snapshot{Requests: mixedHistory(100, noon.Add(-time.Minute)), FailedLogins: 2}
	req := models.Request{URL: "/api/pedidos", UserAgent: "Mozilla/5.0"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		scorer.Score(snap, req, noon)
	}
}
