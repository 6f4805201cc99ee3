package retryq

import (
	"time"

	"github.com/felipemaragno/retryq/internal/retry"
)

// Config holds queue settings. It is injected at construction and never
// read from global state.
type Config struct {
	// OperationTimeout is the hard timeout for requests without their own.
	OperationTimeout time.Duration
	// Policy is the backoff used when no retry spec applies.
	Policy retry.Policy
	// NMVImmediate retries not-my-vbucket replies without delay.
	NMVImmediate bool
	// NMVInterval delays not-my-vbucket retries when NMVImmediate is off.
	NMVInterval time.Duration
	// Fuzz lets a tick pick up retries due within this window.
	Fuzz time.Duration
	// RetryOnMissingNode reschedules operations whose key has no server
	// instead of failing them.
	RetryOnMissingNode bool
	// MaxMissingNodeAttempts bounds missing-node reschedules. Zero leaves
	// only the operation timeout as the bound.
	MaxMissingNodeAttempts int
}

func DefaultConfig() Config {
	return Config{
		OperationTimeout: 2500 * time.Millisecond,
		Policy:           retry.DefaultPolicy(),
		NMVImmediate:     true,
		NMVInterval:      100 * time.Millisecond,
		Fuzz:             5 * time.Millisecond,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = d.OperationTimeout
	}
	if c.Policy.Interval <= 0 {
		c.Policy.Interval = d.Policy.Interval
	}
	if c.NMVInterval <= 0 {
		c.NMVInterval = d.NMVInterval
	}
	if c.Fuzz < 0 {
		c.Fuzz = 0
	}
	return c
}
