package circuitbreaker

import (
	"time"

	"github.com/sony/gobreaker"
)

// Config tunes a breaker. Zero fields take the BrokerConfig value.
type Config struct {
	MaxRequests         uint32        // calls let through while half-open
	Interval            time.Duration // closed-state window after which counts reset
	Timeout             time.Duration // how long the breaker stays open
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32 // calls needed in the window before FailureRatio applies
}

// BrokerConfig trips quickly: every publish that reaches a dead broker costs
// a full confirm timeout.
func BrokerConfig() Config {
	return Config{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             15 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.6,
		MinRequests:         10,
	}
}

func (c Config) withDefaults() Config {
	def := BrokerConfig()

	if c.MaxRequests == 0 {
		c.MaxRequests = def.MaxRequests
	}

	if c.Interval <= 0 {
		c.Interval = def.Interval
	}

	if c.Timeout <= 0 {
		c.Timeout = def.Timeout
	}

	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = def.ConsecutiveFailures
	}

	if c.FailureRatio <= 0 || c.FailureRatio > 1 {
		c.FailureRatio = def.FailureRatio
	}

	if c.MinRequests == 0 {
		c.MinRequests = def.MinRequests
	}

	return c
}

func (c Config) readyToTrip(counts gobreaker.Counts) bool {
	if counts.ConsecutiveFailures >= c.ConsecutiveFailures {
		return true
	}

	if counts.Requests < c.MinRequests {
		return false
	}

	return float64(counts.TotalFailures)/float64(counts.Requests) >= c.FailureRatio
}
