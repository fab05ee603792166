package models

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestReputationStatus(t *testing.T) {
	tests := []struct {
		name string
		rep  Reputation
		want ReputationStatus
	}{
		{"Whitelisted", Reputation{Score: 100, Whitelisted: true}, StatusWhitelisted},
		{"Blacklisted", Reputation{Score: 0, Blacklisted: true}, StatusBlacklisted},
		{"Trusted", Reputation{Score: 85}, StatusTrusted},
		{"Trusted boundary", Reputation{Score: 80}, StatusTrusted},
		{"Suspicious", Reputation{Score: 20}, StatusSuspicious},
		{"Suspicious boundary", Reputation{Score: 30}, StatusSuspicious},
		{"Neutral", Reputation{Score: 50}, StatusNormal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rep.Status(); got != tt.want {
				t.Errorf("Status() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSeverityRank(t *testing.T) {
	order := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("%s should rank above %s", order[i], order[i-1])
		}
	}
	if Severity("bogus").Rank() != 0 {
		t.Errorf("unknown severity should rank 0")
	}
}

func TestRejectionJSON(t *testing.T) {
	data, err := json.Marshal(Rejection{Status: 429, Error: "Too many requests", Code: "API_RATE_LIMIT", RetryAfter: 900})
	if err != nil {
		t.Fatalf("Failed to marshal Rejection: %v", err)
	}

	body := string(data)
	if !strings.Contains(body, `"retryAfter":900`) {
		t.Errorf("expected retryAfter in %s", body)
	}
	if strings.Contains(body, "429") {
		t.Errorf("status must not leak into body: %s", body)
	}

	data, _ = json.Marshal(Rejection{Error: "Forbidden", Code: "ATTACK_BLOCKED"})
	if strings.Contains(string(data), "retryAfter") {
		t.Errorf("retryAfter should be omitted for 403 bodies: %s", data)
	}
}
