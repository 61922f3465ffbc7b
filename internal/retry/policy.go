package retry

import (
	"fmt"
	"time"

	"git.home.luguber.info/inful/docfleet/internal/config"
)

// Policy decides whether a failed build attempt gets another try and how long
// the requeued attempt waits before it becomes claimable. Immutable after construction.
type Policy struct {
	Mode        config.RetryBackoffMode // fixed|linear|exponential
	Initial     time.Duration           // base delay
	Max         time.Duration           // cap for growth
	MaxAttempts int                     // total tries per retry chain, first try included
}

// DefaultPolicy returns exponential backoff from 30s capped at 30m, 3 tries.
func DefaultPolicy() Policy {
	return Policy{Mode: config.RetryBackoffExponential, Initial: 30 * time.Second, Max: 30 * time.Minute, MaxAttempts: 3}
}

// NewPolicy builds a policy from raw config fields; zero/invalid values fall back to defaults.
func NewPolicy(mode config.RetryBackoffMode, initial, maxDuration time.Duration, maxAttempts int) Policy {
	p := DefaultPolicy()
	if maxAttempts > 0 {
		p.MaxAttempts = maxAttempts
	}
	if initial > 0 {
		p.Initial = initial
	}
	if maxDuration > 0 {
		p.Max = maxDuration
	}
	switch mode {
	case config.RetryBackoffFixed, config.RetryBackoffLinear, config.RetryBackoffExponential:
		p.Mode = mode
	}
	if p.Initial > p.Max {
		p.Initial = p.Max
	}
	return p
}

// FromConfig builds the policy described by the build and retry sections.
func FromConfig(cfg *config.Config) Policy {
	initial, maxDelay := cfg.RetryDelays()
	return NewPolicy(cfg.Retry.Backoff, initial, maxDelay, cfg.Build.MaxAttempts)
}

// AllowsRetry reports whether an attempt that was try number `try` of its chain may be retried.
func (p Policy) AllowsRetry(try int) bool {
	return try < p.MaxAttempts
}

// Delay returns the backoff delay before retry number retryCount (1-based: first retry => 1).
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	switch p.Mode {
	case config.RetryBackoffFixed:
		return p.Initial
	case config.RetryBackoffExponential:
		if retryCount > 32 {
			return p.Max
		}
		d := p.Initial * (1 << (retryCount - 1))
		if d > p.Max || d <= 0 {
			return p.Max
		}
		return d
	default: // linear
		d := time.Duration(retryCount) * p.Initial
		if d > p.Max {
			return p.Max
		}
		return d
	}
}

// Validate ensures invariants; returns error if policy impossible to apply.
func (p Policy) Validate() error {
	if p.Initial < 0 {
		return fmt.Errorf("initial must be >=0")
	}
	if p.Max < p.Initial {
		return fmt.Errorf("max must be >= initial")
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1")
	}
	return nil
}
