package scoring

import (
	"strings"
	"time"

	"github.com/lfrfrfr/beon-guard/internal/activity"
	"github.com/lfrfrfr/beon-guard/pkg/models"
)

// Config holds scoring configuration
type Config struct {
	// Trailing window for volume and URL concentration signals
	Window time.Duration

	// Signal thresholds
	VolumeHigh       int
	VolumeMedium     int
	FailedLogins     int
	Errors           int
	ConcentrationMin int
	BotAgents        []string

	// Suspicious local hours, inclusive
	HourStart int
	HourEnd   int
	Location  *time.Location

	// Signal weights
	VolumeHighWeight    int
	VolumeMediumWeight  int
	FailedLoginsWeight  int
	ErrorsWeight        int
	ConcentrationWeight int
	UserAgentWeight     int
	HourWeight          int

	// Verdict tiers
	BlockScore      int
	BlockPenalty    float64
	BlockRetryAfter time.Duration
	SlowScore       int
	SlowPenalty     float64
	RewardScore     int
	Reward          float64
	DelayBase       time.Duration
	DelayMax        time.Duration
}

// DefaultConfig returns the default scoring configuration
func DefaultConfig() Config {
	loc, err := time.LoadLocation("America/Sao_Paulo")
	if err != nil {
		loc = time.UTC
	}
	return Config{
		Window:              5 * time.Minute,
		VolumeHigh:          100,
		VolumeMedium:        50,
		FailedLogins:        5,
		Errors:              10,
		ConcentrationMin:    20,
		BotAgents:           []string{"bot", "crawler"},
		HourStart:           2,
		HourEnd:             5,
		Location:            loc,
		VolumeHighWeight:    30,
		VolumeMediumWeight:  15,
		FailedLoginsWeight:  25,
		ErrorsWeight:        20,
		ConcentrationWeight: 15,
		UserAgentWeight:     10,
		HourWeight:          5,
		BlockScore:          80,
		BlockPenalty:        20,
		BlockRetryAfter:     time.Hour,
		SlowScore:           60,
		SlowPenalty:         10,
		RewardScore:         20,
		Reward:              1,
		DelayBase:           100 * time.Millisecond,
		DelayMax:            5 * time.Second,
	}
}

// Signals breaks a score down by contributing heuristic
type Signals struct {
	Volume        int `json:"volume"`
	FailedLogins  int `json:"failed_logins"`
	Errors        int `json:"errors"`
	Concentration int `json:"concentration"`
	UserAgent     int `json:"user_agent"`
	Hour          int `json:"hour"`
}

// Total returns the capped sum of all signals
func (s Signals) Total() int {
	sum := s.Volume + s.FailedLogins + s.Errors + s.Concentration + s.UserAgent + s.Hour
	if sum > 100 {
		return 100
	}
	return sum
}

// Action is the friction a verdict asks for
type Action string

const (
	ActionNone   Action = "none"
	ActionBlock  Action = "block"
	ActionSlow   Action = "slow"
	ActionReward Action = "reward"
)

// Verdict is the advisory outcome of a suspicion score
type Verdict struct {
	Score      int           `json:"score"`
	Action     Action        `json:"action"`
	Delta      float64       `json:"delta"`
	Delay      time.Duration `json:"delay,omitempty"`
	RetryAfter int           `json:"retry_after,omitempty"`
}

// Rejection builds the 429 body for a block verdict
func (v Verdict) Rejection() models.Rejection {
	return models.Rejection{
		Status:     429,
		Error:      "Suspicious behavior detected, access temporarily restricted",
		Code:       "SUSPICIOUS_ACTIVITY",
		RetryAfter: v.RetryAfter,
	}
}

// Scorer calculates suspicion scores from recent activity
type Scorer struct {
	config Config
}

// New creates a new Scorer with the given configuration
func New(config Config) *Scorer {
	if config.Location == nil {
		config.Location = time.UTC
	}
	return &Scorer{config: config}
}

// NewDefault creates a new Scorer with default configuration
func NewDefault() *Scorer {
	return New(DefaultConfig())
}

// Score calculates the suspicion score for req given the activity recorded
// before it. It does not mutate anything.
func (s *Scorer) Score(snap activity.Snapshot, req models.Request, now time.Time) int {
	return s.Signals(snap, req, now).Total()
}

// Signals calculates the individual signal contributions
// Volume and concentration count the incoming request together with the
// recorded history inside the trailing window.
func (s *Scorer) Signals(snap activity.Snapshot, req models.Request, now time.Time) Signals {
	var sig Signals

	url := req.URL
	if url == "" {
		url = req.Path
	}

	cutoff := now.Add(-s.config.Window)
	recent := 1
	single := true
	for _, e := range snap.Requests {
		if e.Timestamp.Before(cutoff) {
			continue
		}
		recent++
		if e.URL != url {
			single = false
		}
	}

	switch {
	case recent > s.config.VolumeHigh:
		sig.Volume = s.config.VolumeHighWeight
	case recent > s.config.VolumeMedium:
		sig.Volume = s.config.VolumeMediumWeight
	}

	if snap.FailedLogins > s.config.FailedLogins {
		sig.FailedLogins = s.config.FailedLoginsWeight
	}
	if snap.Errors > s.config.Errors {
		sig.Errors = s.config.ErrorsWeight
	}
	if single && recent >= s.config.ConcentrationMin {
		sig.Concentration = s.config.ConcentrationWeight
	}
	if s.suspiciousAgent(req.UserAgent) {
		sig.UserAgent = s.config.UserAgentWeight
	}

	hour := now.In(s.config.Location).Hour()
	if hour >= s.config.HourStart && hour <= s.config.HourEnd {
		sig.Hour = s.config.HourWeight
	}

	return sig
}

func (s *Scorer) suspiciousAgent(ua string) bool {
	if strings.TrimSpace(ua) == "" {
		return true
	}
	ua = strings.ToLower(ua)
	for _, marker := range s.config.BotAgents {
		if strings.Contains(ua, marker) {
			return true
		}
	}
	return false
}

// Assess maps a score to its verdict
func (s *Scorer) Assess(score int) Verdict {
	switch {
	case score >= s.config.BlockScore:
		return Verdict{
			Score:      score,
			Action:     ActionBlock,
			Delta:      -s.config.BlockPenalty,
			RetryAfter: int(s.config.BlockRetryAfter / time.Second),
		}
	case score >= s.config.SlowScore:
		return Verdict{
			Score:  score,
			Action: ActionSlow,
			Delta:  -s.config.SlowPenalty,
			Delay:  s.Delay(score),
		}
	case score <= s.config.RewardScore:
		return Verdict{Score: score, Action: ActionReward, Delta: s.config.Reward}
	default:
		return Verdict{Score: score, Action: ActionNone}
	}
}

// Delay returns the slow-down for a score: base × (1 + score/20), capped
func (s *Scorer) Delay(score int) time.Duration {
	d := s.config.DelayBase * time.Duration(1+score/20)
	if s.config.DelayMax > 0 && d > s.config.DelayMax {
		return s.config.DelayMax
	}
	return d
}
