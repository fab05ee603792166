package telemetry

import (
	"fmt"
	"sort"
	"time"

	"github.com/lfrfrfr/beon-guard/pkg/models"
)

// ErrorCount is the number of errors for one status/url pair
type ErrorCount struct {
	Error string `json:"error"`
	Count int    `json:"count"`
}

// SuspiciousIP is an IP ranked by the report heuristics
type SuspiciousIP struct {
	IP             string `json:"ip"`
	Requests       int    `json:"requests"`
	Errors         int    `json:"errors"`
	SecurityEvents int    `json:"securityEvents"`
	Score          int    `json:"suspiciousScore"`
}

// Report is the periodic security summary
type Report struct {
	Start         time.Time            `json:"start"`
	End           time.Time            `json:"end"`
	Summary       Aggregate            `json:"summary"`
	TopErrors     []ErrorCount         `json:"topErrors"`
	SuspiciousIPs []SuspiciousIP       `json:"suspiciousIPs"`
	EventsByType  map[string]int       `json:"eventsByType"`
	Performance   *PerformanceSnapshot `json:"performance,omitempty"`
}

const reportTop = 10

// SecurityReport summarizes the trailing window: top error paths, IPs
// ranked by errors and security events, and event counts by type
func (s *Store) SecurityReport(window time.Duration) Report {
	end := s.now()
	cutoff := end.Add(-window)
	rep := Report{
		Start:        cutoff,
		End:          end,
		Summary:      s.Rollup(window),
		EventsByType: make(map[string]int),
	}

	s.mu.RLock()
	errCounts := make(map[string]int)
	s.errors.Reverse(func(e ErrorRecord) bool {
		if !e.Timestamp.After(cutoff) {
			return false
		}
		errCounts[fmt.Sprintf("%d-%s", e.Status, e.URL)]++
		return true
	})

	perIP := make(map[string]*SuspiciousIP)
	s.requests.Reverse(func(r RequestRecord) bool {
		if !r.Timestamp.After(cutoff) {
			return false
		}
		ip := perIP[r.IP]
		if ip == nil {
			ip = &SuspiciousIP{IP: r.IP}
			perIP[r.IP] = ip
		}
		ip.Requests++
		if r.Status >= 400 {
			ip.Errors++
		}
		return true
	})

	var events []models.SecurityEvent
	s.events.Reverse(func(ev models.SecurityEvent) bool {
		if !ev.Timestamp.After(cutoff) {
			return false
		}
		events = append(events, ev)
		return true
	})

	if p, ok := s.performance.Last(); ok {
		rep.Performance = &p
	}
	s.mu.RUnlock()

	for _, ev := range events {
		rep.EventsByType[ev.Type]++
		if ip := perIP[ev.IP]; ip != nil {
			ip.SecurityEvents++
		}
	}

	for k, c := range errCounts {
		rep.TopErrors = append(rep.TopErrors, ErrorCount{Error: k, Count: c})
	}
	sort.Slice(rep.TopErrors, func(i, j int) bool {
		if rep.TopErrors[i].Count != rep.TopErrors[j].Count {
			return rep.TopErrors[i].Count > rep.TopErrors[j].Count
		}
		return rep.TopErrors[i].Error < rep.TopErrors[j].Error
	})
	if len(rep.TopErrors) > reportTop {
		rep.TopErrors = rep.TopErrors[:reportTop]
	}

	for _, ip := range perIP {
		ip.Score = suspicionOf(*ip)
		if ip.Score > 20 {
			rep.SuspiciousIPs = append(rep.SuspiciousIPs, *ip)
		}
	}
	sort.Slice(rep.SuspiciousIPs, func(i, j int) bool {
		if rep.SuspiciousIPs[i].Score != rep.SuspiciousIPs[j].Score {
			return rep.SuspiciousIPs[i].Score > rep.SuspiciousIPs[j].Score
		}
		return rep.SuspiciousIPs[i].IP < rep.SuspiciousIPs[j].IP
	})
	if len(rep.SuspiciousIPs) > reportTop {
		rep.SuspiciousIPs = rep.SuspiciousIPs[:reportTop]
	}

	return rep
}

// suspicionOf weighs security events at 10 points each, heavy volume at 5
// and an error ratio above one half at 15
func suspicionOf(ip SuspiciousIP) int {
	score := ip.SecurityEvents * 10
	if ip.Requests > 100 {
		score += 5
	}
	if ip.Requests > 0 && float64(ip.Errors)/float64(ip.Requests) > 0.5 {
		score += 15
	}
	return score
}
