package ratelimit

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/lfrfrfr/beon-guard/internal/config"
	"github.com/lfrfrfr/beon-guard/pkg/models"
)

// Tier names a limiter policy
type Tier string

const (
	TierGlobal    Tier = "global"
	TierLogin     Tier = "login"
	TierAPI       Tier = "api"
	TierSensitive Tier = "sensitive"
	TierDownload  Tier = "download"
	TierEndpoint  Tier = "endpoint"
)

// Policy is a window/threshold pair with the response a rejection carries
type Policy struct {
	Tier    Tier
	Code    string
	Message string
	Window  time.Duration
	Max     int
	Penalty float64
	// Path is set for endpoint policies only
	Path string
}

// Decision is the outcome of a limiter check
type Decision struct {
	Allowed bool
	Key     string
	Policy  Policy
}

// RetryAfter returns the retry hint in seconds
func (d Decision) RetryAfter() int {
	return int(d.Policy.Window / time.Second)
}

// Rejection builds the 429 body for a denied decision
func (d Decision) Rejection() models.Rejection {
	return models.Rejection{
		Status:     http.StatusTooManyRequests,
		Error:      d.Policy.Message,
		Code:       d.Policy.Code,
		RetryAfter: d.RetryAfter(),
	}
}

// Key joins identity parts into a composite limiter key
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// Limiter applies the configured tiers over a shared window store
type Limiter struct {
	store     *Store
	policies  map[Tier]Policy
	endpoints []Policy
}

// NewLimiter builds the tier table from configuration
func NewLimiter(store *Store, cfg config.RateLimitConfig) *Limiter {
	l := &Limiter{
		store: store,
		policies: map[Tier]Policy{
			TierGlobal:    policy(TierGlobal, "GLOBAL_RATE_LIMIT", "Too many requests from this IP, try again later", cfg.Global),
			TierLogin:     policy(TierLogin, "LOGIN_RATE_LIMIT", "Too many login attempts, try again later", cfg.Login),
			TierAPI:       policy(TierAPI, "API_RATE_LIMIT", "API request limit exceeded", cfg.API),
			TierSensitive: policy(TierSensitive, "SENSITIVE_RATE_LIMIT", "Limit for sensitive operations exceeded", cfg.Sensitive),
			TierDownload:  policy(TierDownload, "DOWNLOAD_RATE_LIMIT", "Download limit exceeded", cfg.Download),
		},
	}

	for _, ep := range cfg.Endpoints {
		l.endpoints = append(l.endpoints, Policy{
			Tier:    TierEndpoint,
			Code:    "ENDPOINT_RATE_LIMIT",
			Message: "Rate limit exceeded for this endpoint",
			Window:  ep.Window,
			Max:     ep.Max,
			Penalty: cfg.EndpointPenalty,
			Path:    ep.Path,
		})
	}
	// Longest prefix first
	sort.SliceStable(l.endpoints, func(i, j int) bool {
		return len(l.endpoints[i].Path) > len(l.endpoints[j].Path)
	})

	return l
}

func policy(tier Tier, code, message string, lc config.LimitConfig) Policy {
	return Policy{
		Tier:    tier,
		Code:    code,
		Message: message,
		Window:  lc.Window,
		Max:     lc.Max,
		Penalty: lc.Penalty,
	}
}

// Store returns the underlying window store
func (l *Limiter) Store() *Store {
	return l.store
}

// Policy returns the policy for a fixed tier
func (l *Limiter) Policy(tier Tier) (Policy, bool) {
	p, ok := l.policies[tier]
	return p, ok
}

// Check counts a hit for key against tier. Unknown tiers always allow.
func (l *Limiter) Check(tier Tier, key string) Decision {
	p, ok := l.policies[tier]
	if !ok {
		return Decision{Allowed: true, Key: key}
	}
	k := Key(string(tier), key)
	return Decision{
		Allowed: l.store.Allow(k, p.Window, p.Max),
		Key:     k,
		Policy:  p,
	}
}

// PathMatches reports whether path is prefix or lies under it on a
// segment boundary
func PathMatches(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/")
}

// Endpoint returns the endpoint policy with the longest prefix matching path
func (l *Limiter) Endpoint(path string) (Policy, bool) {
	for _, p := range l.endpoints {
		if PathMatches(path, p.Path) {
			return p, true
		}
	}
	return Policy{}, false
}

// CheckEndpoint counts a hit for ip against the endpoint policy matching
// path. The second return is false when no endpoint policy applies.
func (l *Limiter) CheckEndpoint(ip, path string) (Decision, bool) {
	p, ok := l.Endpoint(path)
	if !ok {
		return Decision{}, false
	}
	k := Key(string(TierEndpoint), ip, p.Path)
	return Decision{
		Allowed: l.store.Allow(k, p.Window, p.Max),
		Key:     k,
		Policy:  p,
	}, true
}
