package retryq

import (
	"time"

	"github.com/felipemaragno/retryq/internal/domain"
)

// Tick processes retries that are due, honouring the fuzz window. It is the
// timer callback.
func (q *Queue) Tick() {
	q.flush(true)
}

// Signal processes every queued retry regardless of its retry time. Owners
// call it when the topology changes.
func (q *Queue) Signal() {
	q.flush(false)
}

func (q *Queue) flush(strict bool) {
	if q.closed || q.flushing {
		return
	}
	if q.index.Len() == 0 {
		q.disarm()
		return
	}

	q.flushing = true
	now := q.clock.Now()

	var out []*domain.Response
	servers := make(map[int]struct{})

	// Timeouts are swept first so an operation both due and expired is
	// reported as timed out.
	for {
		op := q.index.HeadTimeout()
		if op == nil || op.Deadline.After(now) {
			break
		}
		q.index.Remove(op.handle)
		out = append(out, q.finish(op, StateTimedOut, domain.StatusTimeout, "retry deadline exceeded"))
	}

	reporter, _ := q.topology.(DispatchReporter)

	for {
		op := q.index.HeadRetry()
		if op == nil {
			break
		}
		if strict && op.NextRetry.Add(-q.config.Fuzz).After(now) {
			break
		}
		q.index.Remove(op.handle)

		server, ok := q.topology.Resolve(op.Request)
		if !ok {
			if resp := q.unresolved(op, now); resp != nil {
				out = append(out, resp)
			}
			continue
		}

		op.State = StateDispatched
		op.save(false)
		if err := q.transport.Enqueue(server, op.Request); err != nil {
			if reporter != nil {
				reporter.ReportDispatch(server, err)
			}
			q.logger.Warn("redispatch failed",
				"request_id", op.Request.ID,
				"server", server,
				"error", err,
			)
			q.reschedule(op, now, domain.StatusNetworkError)
			continue
		}
		servers[server] = struct{}{}
		q.metrics.Dispatched(server)
		q.logger.Debug("redispatched retry",
			"request_id", op.Request.ID,
			"server", server,
			"attempt", op.Attempts,
		)
	}

	for _, op := range q.staged {
		q.index.Insert(op)
		op.save(true)
	}
	q.staged = q.staged[:0]
	q.flushing = false

	q.metrics.Depth(q.index.Len())
	q.rearm()

	for server := range servers {
		q.transport.Flush(server)
	}
	q.deliver(out)
}

// unresolved handles an operation whose key maps to no server. It returns a
// response when the operation has to fail.
func (q *Queue) unresolved(op *Operation, now time.Time) *domain.Response {
	// Sample before requesting: a refresh started by this call does not count.
	inFlight := q.topology.RefreshInFlight()
	q.topology.RequestRefresh()
	q.metrics.RefreshRequested()

	if inFlight || q.missingNodeAllowed(op) {
		q.reschedule(op, now, domain.StatusSuccess)
		return nil
	}
	return q.finish(op, StateFailed, domain.StatusNoMatchingServer, "no server for key")
}

func (q *Queue) missingNodeAllowed(op *Operation) bool {
	if !q.config.RetryOnMissingNode {
		return false
	}
	return q.config.MaxMissingNodeAttempts <= 0 || op.Attempts < q.config.MaxMissingNodeAttempts
}

// reschedule stages op for reinsertion once the sweep is done.
func (q *Queue) reschedule(op *Operation, now time.Time, status domain.Status) {
	op.Attempts++
	op.OriginErr = mergeOrigin(op.OriginErr, status)
	op.NextRetry = q.backoff(op, now)
	op.clamp()
	op.State = StateArmed
	q.staged = append(q.staged, op)
	op.save(true)
}

// rearm points the single timer at the earliest retry or deadline.
func (q *Queue) rearm() {
	if q.closed {
		return
	}
	next, ok := q.nextWake()
	if !ok {
		q.disarm()
		return
	}
	if q.timer != nil {
		if q.timerAt.Equal(next) {
			return
		}
		q.timer.Stop()
	}

	delay := next.Sub(q.clock.Now())
	if delay < 0 {
		delay = 0
	}
	q.timerSeq++
	seq := q.timerSeq
	q.timerAt = next
	q.timer = q.clock.AfterFunc(delay, func() {
		q.exec(func() { q.fire(seq) })
	})
}

// fire runs on the owning loop. A callback posted before its timer was
// replaced carries a stale seq and is dropped.
func (q *Queue) fire(seq uint64) {
	if seq != q.timerSeq {
		return
	}
	q.timer = nil
	q.timerAt = time.Time{}
	q.Tick()
}

func (q *Queue) disarm() {
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
		q.timerAt = time.Time{}
	}
	q.timerSeq++
}

func (q *Queue) nextWake() (time.Time, bool) {
	r := q.index.HeadRetry()
	t := q.index.HeadTimeout()
	switch {
	case r == nil && t == nil:
		return time.Time{}, false
	case r == nil:
		return t.Deadline, true
	case t == nil:
		return r.NextRetry, true
	}
	if t.Deadline.Before(r.NextRetry) {
		return t.Deadline, true
	}
	return r.NextRetry, true
}
