package retryq

import (
	"time"

	"github.com/felipemaragno/retryq/internal/domain"
	"github.com/felipemaragno/retryq/internal/retry"
)

type State string

const (
	StateArmed      State = "armed"
	StateDispatched State = "dispatched"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateTimedOut   State = "timed_out"
	StateCancelled  State = "cancelled"
)

// Operation is one pending retry of a request.
type Operation struct {
	handle Handle

	Request   *domain.Request
	OriginErr domain.Status
	Attempts  int
	FirstSeen time.Time
	NextRetry time.Time
	Deadline  time.Time
	Spec      *retry.Spec
	State     State
}

func (op *Operation) Handle() Handle {
	return op.handle
}

// restore picks up the retry history a request carried back from the
// transport.
func (op *Operation) restore(tag domain.RetryTag) {
	op.Attempts = tag.Attempts
	op.FirstSeen = tag.FirstSeen
	op.OriginErr = tag.OriginErr
}

// save writes retry history onto the request so it survives redispatch.
func (op *Operation) save(queued bool) {
	tag := &op.Request.Retry
	tag.Detached = true
	tag.Queued = queued
	tag.Handle = uint64(op.handle)
	tag.Attempts = op.Attempts
	tag.FirstSeen = op.FirstSeen
	tag.OriginErr = op.OriginErr
}

// clamp keeps the next retry inside the timeout budget.
func (op *Operation) clamp() {
	if op.NextRetry.After(op.Deadline) {
		op.NextRetry = op.Deadline
	}
}

// mergeOrigin applies the error precedence rule: a later error replaces the
// kept one only when it is more informative.
func mergeOrigin(kept, next domain.Status) domain.Status {
	if next == domain.StatusNotMyVbucket {
		next = domain.StatusTimeout
	}
	switch {
	case next == domain.StatusSuccess:
		return kept
	case kept == domain.StatusSuccess:
		return next
	case kept.IsTimeout() && !next.IsTimeout():
		// covers network errors replacing a timeout as well
		return next
	}
	return kept
}

// Snapshot is a read-only view of a queued operation.
type Snapshot struct {
	RequestID string        `json:"request_id"`
	Key       string        `json:"key"`
	Opcode    string        `json:"opcode"`
	Attempts  int           `json:"attempts"`
	OriginErr string        `json:"origin_error"`
	FirstSeen time.Time     `json:"first_seen"`
	NextRetry time.Time     `json:"next_retry"`
	Deadline  time.Time     `json:"deadline"`
	Spec      string        `json:"spec,omitempty"`
	Interval  time.Duration `json:"spec_interval,omitempty"`
	State     State         `json:"state"`
}

func (op *Operation) snapshot() Snapshot {
	s := Snapshot{
		RequestID: op.Request.ID,
		Key:       string(op.Request.Key),
		Opcode:    op.Request.Opcode.String(),
		Attempts:  op.Attempts,
		OriginErr: op.OriginErr.String(),
		FirstSeen: op.FirstSeen,
		NextRetry: op.NextRetry,
		Deadline:  op.Deadline,
		State:     op.State,
	}
	if op.Spec != nil {
		s.Spec = op.Spec.Kind.String()
		s.Interval = op.Spec.Interval
	}
	return s
}
