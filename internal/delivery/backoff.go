package delivery

import (
	"strings"
	"time"
)

// Policy is the exponential retry schedule of failed sends.
type Policy struct {
	Base       time.Duration
	Max        time.Duration
	MaxRetries int
	// Lease is how long a pending attempt may go without an update before a
	// retry run takes it over. It must exceed the longest send, fallback included.
	Lease time.Duration
}

// DefaultPolicy retries after 1m, 2m, 4m, ... up to an hour, five times.
var DefaultPolicy = Policy{Base: time.Minute, Max: time.Hour, MaxRetries: 5, Lease: 2 * time.Minute}

func (p Policy) lease() time.Duration {
	if p.Lease <= 0 {
		return DefaultPolicy.Lease
	}
	return p.Lease
}

// Delay returns base * 2^retryCount capped at Max.
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := p.Base
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= p.Max || d <= 0 {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Exhausted reports whether no retry is left after retryCount retries.
func (p Policy) Exhausted(retryCount int) bool {
	return retryCount >= p.MaxRetries
}

var restrictionPhrases = []string{"restricted", "suspended", "blocked"}

// IsRestriction reports whether a provider error suggests the sending account
// itself has been restricted.
func IsRestriction(text string) bool {
	text = strings.ToLower(text)
	for _, p := range restrictionPhrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
