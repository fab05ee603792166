package guard

import (
	"time"

	"github.com/lfrfrfr/beon-guard/internal/activity"
	"github.com/lfrfrfr/beon-guard/internal/alerting"
	"github.com/lfrfrfr/beon-guard/internal/config"
	"github.com/lfrfrfr/beon-guard/internal/reputation"
	"github.com/lfrfrfr/beon-guard/internal/scoring"
	"github.com/lfrfrfr/beon-guard/internal/telemetry"
)

// ReputationConfig maps the reputation section onto the store configuration
func ReputationConfig(c config.ReputationConfig) reputation.Config {
	rc := reputation.DefaultConfig()
	if c.BlacklistScore > 0 {
		rc.BlacklistScore = c.BlacklistScore
	}
	if c.BlacklistViolations > 0 {
		rc.BlacklistViolations = c.BlacklistViolations
	}
	if c.Retention > 0 {
		rc.Retention = c.Retention
	}
	if c.DecayAfter > 0 {
		rc.DecayAfter = c.DecayAfter
	}
	rc.DecayStep = c.DecayStep
	return rc
}

// ActivityConfig maps the activity section onto the store configuration
func ActivityConfig(c config.ActivityConfig) activity.Config {
	ac := activity.DefaultConfig()
	if c.MaxRequests > 0 {
		ac.MaxRequests = c.MaxRequests
	}
	if c.CounterReset > 0 {
		ac.CounterReset = c.CounterReset
	}
	if c.Retention > 0 {
		ac.Retention = c.Retention
	}
	return ac
}

// TelemetryConfig maps the telemetry section onto the store configuration
func TelemetryConfig(c config.TelemetryConfig) telemetry.Config {
	tc := telemetry.DefaultConfig()
	if c.RequestsCap > 0 {
		tc.RequestsCap = c.RequestsCap
	}
	if c.ErrorsCap > 0 {
		tc.ErrorsCap = c.ErrorsCap
	}
	if c.LoginsCap > 0 {
		tc.LoginsCap = c.LoginsCap
	}
	if c.SecurityEventsCap > 0 {
		tc.SecurityEventsCap = c.SecurityEventsCap
	}
	if c.PerformanceCap > 0 {
		tc.PerformanceCap = c.PerformanceCap
	}
	if c.Retention > 0 {
		tc.Retention = c.Retention
	}
	return tc
}

// AlertingConfig maps the alert and notification sections onto the
// dispatcher configuration
func AlertingConfig(a config.AlertsConfig, n config.NotificationsConfig) alerting.Config {
	dc := alerting.DefaultConfig()
	if a.Cooldown > 0 {
		dc.Cooldown = a.Cooldown
	}
	dc.RatePerSecond = n.RatePerSecond
	if n.Burst > 0 {
		dc.Burst = n.Burst
	}
	if n.Webhook.Timeout > 0 {
		dc.SendTimeout = n.Webhook.Timeout
	}
	return dc
}

// ScoringConfig maps the suspicion section onto the scorer configuration.
// Zero values keep the defaults.
func ScoringConfig(c config.SuspicionConfig) scoring.Config {
	sc := scoring.DefaultConfig()

	if c.Window > 0 {
		sc.Window = c.Window
	}
	setInt(&sc.VolumeHigh, c.VolumeHigh)
	setInt(&sc.VolumeMedium, c.VolumeMedium)
	setInt(&sc.FailedLogins, c.FailedLogins)
	setInt(&sc.Errors, c.Errors)
	setInt(&sc.ConcentrationMin, c.ConcentrationMin)
	if len(c.BotAgents) > 0 {
		sc.BotAgents = c.BotAgents
	}

	if c.Timezone != "" {
		if loc, err := time.LoadLocation(c.Timezone); err == nil {
			sc.Location = loc
		}
	}
	if c.SuspiciousHourStart != 0 || c.SuspiciousHourEnd != 0 {
		sc.HourStart = c.SuspiciousHourStart
		sc.HourEnd = c.SuspiciousHourEnd
	}

	setInt(&sc.BlockScore, c.BlockScore)
	setInt(&sc.SlowScore, c.SlowScore)
	setInt(&sc.RewardScore, c.RewardScore)
	if c.BlockPenalty > 0 {
		sc.BlockPenalty = c.BlockPenalty
	}
	if c.BlockRetryAfter > 0 {
		sc.BlockRetryAfter = c.BlockRetryAfter
	}
	if c.SlowPenalty > 0 {
		sc.SlowPenalty = c.SlowPenalty
	}
	if c.Reward > 0 {
		sc.Reward = c.Reward
	}
	if c.DelayBase > 0 {
		sc.DelayBase = c.DelayBase
	}
	if c.DelayMax > 0 {
		sc.DelayMax = c.DelayMax
	}
	return sc
}

func setInt(dst *int, v int) {
	if v > 0 {
		*dst = v
	}
}
