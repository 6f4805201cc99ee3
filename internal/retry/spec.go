// Package retry describes how failed KV operations are backed off: server
// advertised retry specs, the connection-wide default policy and the
// admission rules that decide whether a failure is retried at all.
package retry

import (
	"fmt"
	"time"

	"github.com/felipemaragno/retryq/internal/domain"
)

// Kind selects the backoff curve of a Spec.
type Kind int

const (
	KindConstant Kind = iota + 1
	KindLinear
	KindExponential
)

func (k Kind) String() string {
	switch k {
	case KindConstant:
		return "constant"
	case KindLinear:
		return "linear"
	case KindExponential:
		return "exponential"
	}
	return "unknown"
}

// ParseKind maps the error map strategy names onto a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "constant":
		return KindConstant, nil
	case "linear":
		return KindLinear, nil
	case "exponential":
		return KindExponential, nil
	}
	return 0, fmt.Errorf("%w: unknown strategy %q", domain.ErrInvalidSpec, s)
}

// Spec is an immutable retry description shared by every operation that
// failed with the same error class.
type Spec struct {
	Kind     Kind
	Interval time.Duration
	// After is added only before the first retry.
	After time.Duration
	// MaxDuration bounds how long this error class may be retried. Zero means
	// only the operation timeout applies.
	MaxDuration time.Duration
	// Ceil caps any single interval. Zero means uncapped.
	Ceil time.Duration
}

func Constant(interval time.Duration) *Spec {
	return &Spec{Kind: KindConstant, Interval: interval}
}

func Linear(interval time.Duration) *Spec {
	return &Spec{Kind: KindLinear, Interval: interval}
}

func Exponential(base time.Duration) *Spec {
	return &Spec{Kind: KindExponential, Interval: base}
}

func (s *Spec) Validate() error {
	if s == nil {
		return nil
	}
	switch s.Kind {
	case KindConstant, KindLinear, KindExponential:
	default:
		return fmt.Errorf("%w: kind %d", domain.ErrInvalidSpec, s.Kind)
	}
	if s.Interval <= 0 {
		return fmt.Errorf("%w: interval must be positive", domain.ErrInvalidSpec)
	}
	if s.After < 0 || s.MaxDuration < 0 || s.Ceil < 0 {
		return fmt.Errorf("%w: negative duration", domain.ErrInvalidSpec)
	}
	return nil
}

// NextInterval returns the backoff before retry number attempt. Zero means
// the caller should fall back to the default policy.
func (s *Spec) NextInterval(attempt int) time.Duration {
	if s == nil || attempt <= 0 || s.Interval <= 0 {
		return 0
	}

	var d time.Duration
	switch s.Kind {
	case KindConstant:
		d = s.Interval
	case KindLinear:
		d = s.Interval * time.Duration(attempt)
	case KindExponential:
		d = s.Interval
		for i := 1; i < attempt; i++ {
			if d > maxDuration/2 {
				d = maxDuration
				break
			}
			d *= 2
		}
	default:
		return 0
	}

	if s.Ceil > 0 && d > s.Ceil {
		d = s.Ceil
	}
	return d
}

// Delay is NextInterval plus the one-off After delay on the first retry.
func (s *Spec) Delay(attempt int) time.Duration {
	d := s.NextInterval(attempt)
	if d > 0 && attempt == 1 {
		d += s.After
	}
	return d
}

// Deadline tightens hard by MaxDuration measured from firstSeen. It never
// returns a time later than hard.
func (s *Spec) Deadline(firstSeen, hard time.Time) time.Time {
	if s == nil || s.MaxDuration <= 0 {
		return hard
	}
	if limit := firstSeen.Add(s.MaxDuration); limit.Before(hard) {
		return limit
	}
	return hard
}

const maxDuration = time.Duration(1<<63 - 1)
