// Package retryq schedules retries of failed KV operations.
//
// A Queue holds requests that failed transiently and re-dispatches them once
// their backoff has elapsed and the cluster topology can name a server for
// their key. Every request admitted to the queue leaves it exactly once:
// handed back to the transport, cancelled by its owner, or completed with a
// synthesized response (timed out, failed, or queue shutdown).
//
// A Queue is confined to one event loop. Add, Tick, Signal, Cancel and Close
// must not be called concurrently; timer callbacks are routed through the
// executor supplied with WithExecutor.
package retryq

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/felipemaragno/retryq/internal/clock"
	"github.com/felipemaragno/retryq/internal/domain"
	"github.com/felipemaragno/retryq/internal/retry"
)

// Topology resolves the current destination of a request.
type Topology interface {
	// Resolve returns the index of the server owning the request's key.
	Resolve(req *domain.Request) (server int, ok bool)
	// RequestRefresh asks for a throttled configuration refresh.
	RequestRefresh()
	// RefreshInFlight reports whether a refresh is currently running.
	RefreshInFlight() bool
}

// DispatchReporter is optionally implemented by a Topology that tracks
// servers refusing hand-offs.
type DispatchReporter interface {
	ReportDispatch(server int, err error)
}

// Transport owns requests that are in flight. Enqueue must not call back
// into the queue synchronously.
type Transport interface {
	Enqueue(server int, req *domain.Request) error
	// RemoveFromSendQueues excises req from any pending send buffer and
	// reports whether it was found.
	RemoveFromSendQueues(req *domain.Request) bool
	Flush(server int)
}

// Deliverer receives terminal responses.
type Deliverer interface {
	Deliver(resp *domain.Response)
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(resp *domain.Response)

func (f DelivererFunc) Deliver(resp *domain.Response) { f(resp) }

// Recorder receives queue metrics.
type Recorder interface {
	Scheduled(status domain.Status)
	Dispatched(server int)
	Finished(outcome domain.Outcome, status domain.Status)
	Cancelled()
	RefreshRequested()
	Depth(n int)
}

type nopRecorder struct{}

func (nopRecorder) Scheduled(domain.Status)                {}
func (nopRecorder) Dispatched(int)                         {}
func (nopRecorder) Finished(domain.Outcome, domain.Status) {}
func (nopRecorder) Cancelled()                             {}
func (nopRecorder) RefreshRequested()                      {}
func (nopRecorder) Depth(int)                              {}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock used for scheduling and the timer.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) {
		q.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = l
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(r Recorder) Option {
	return func(q *Queue) {
		q.metrics = r
	}
}

// WithExecutor routes timer callbacks onto the owning event loop.
func WithExecutor(exec func(func())) Option {
	return func(q *Queue) {
		q.exec = exec
	}
}

// Queue is the retry scheduler for one connection.
type Queue struct {
	config    Config
	index     *DualIndex
	topology  Topology
	transport Transport
	deliverer Deliverer
	clock     clock.Clock
	logger    *slog.Logger
	metrics   Recorder
	exec      func(func())

	timer    clock.Timer
	timerAt  time.Time
	timerSeq uint64

	// staged holds operations admitted while a flush is walking the index.
	staged   []*Operation
	flushing bool
	closed   bool
}

// New creates a retry queue bound to its topology and transport.
func New(config Config, topo Topology, transport Transport, deliverer Deliverer, opts ...Option) *Queue {
	q := &Queue{
		config:    config.withDefaults(),
		index:     NewDualIndex(),
		topology:  topo,
		transport: transport,
		deliverer: deliverer,
		clock:     clock.RealClock{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		metrics:   nopRecorder{},
		exec:      func(f func()) { f() },
	}

	for _, opt := range opts {
		opt(q)
	}

	return q
}

type addMode int

const (
	addBackoff addMode = iota
	addImmediate
	addNMV
)

// Add admits a request that failed with status. spec may be nil, in which
// case the default policy applies.
func (q *Queue) Add(req *domain.Request, status domain.Status, spec *retry.Spec) error {
	return q.add(req, status, spec, addBackoff)
}

// AddImmediate admits a request to be retried as soon as a server resolves.
func (q *Queue) AddImmediate(req *domain.Request, status domain.Status, spec *retry.Spec) error {
	return q.add(req, status, spec, addImmediate)
}

// AddNMV admits a request rejected with not-my-vbucket.
func (q *Queue) AddNMV(req *domain.Request) error {
	return q.add(req, domain.StatusNotMyVbucket, nil, addNMV)
}

// AddUnknownCollection admits a request whose collection id was not
// recognised by the server.
func (q *Queue) AddUnknownCollection(req *domain.Request) error {
	return q.add(req, domain.StatusUnknownCollection, nil, addImmediate)
}

func (q *Queue) add(req *domain.Request, status domain.Status, spec *retry.Spec, mode addMode) error {
	if req == nil {
		return domain.ErrNilRequest
	}
	if err := spec.Validate(); err != nil {
		q.logger.Warn("ignoring malformed retry spec", "request_id", req.ID, "error", err)
		spec = nil
	}

	if q.transport.RemoveFromSendQueues(req) {
		q.logger.Debug("excised request from send queue", "request_id", req.ID)
	}

	if q.closed {
		op := &Operation{Request: req}
		op.restore(req.Retry)
		op.OriginErr = mergeOrigin(op.OriginErr, status)
		q.deliver([]*domain.Response{q.finish(op, StateFailed, domain.StatusShutdown, "retry queue closed")})
		return domain.ErrQueueClosed
	}

	now := q.clock.Now()
	op := q.detachQueued(req)
	if op == nil {
		op = &Operation{Request: req}
		if req.Retry.Detached {
			op.restore(req.Retry)
		} else {
			op.FirstSeen = now
		}
	}

	op.Attempts++
	op.OriginErr = mergeOrigin(op.OriginErr, status)
	if spec != nil {
		op.Spec = spec
	}
	op.Deadline = q.deadline(op, op.Deadline)

	switch {
	case mode == addImmediate, mode == addNMV && q.config.NMVImmediate:
		op.NextRetry = now
	case mode == addNMV:
		op.NextRetry = now.Add(q.config.NMVInterval)
	default:
		op.NextRetry = q.backoff(op, now)
	}
	op.clamp()
	op.State = StateArmed

	q.insert(op)
	q.metrics.Scheduled(status)
	q.logger.Debug("scheduled retry",
		"request_id", req.ID,
		"status", status.String(),
		"origin_error", op.OriginErr.String(),
		"attempt", op.Attempts,
		"next_retry_at", op.NextRetry,
		"deadline", op.Deadline,
	)

	if !q.flushing {
		q.rearm()
	}
	return nil
}

// detachQueued pulls a request that is still queued out of the index so it
// can be re-armed.
func (q *Queue) detachQueued(req *domain.Request) *Operation {
	if !req.Retry.Queued {
		return nil
	}
	if op := q.index.Remove(Handle(req.Retry.Handle)); op != nil {
		return op
	}
	for i, op := range q.staged {
		if op.Request == req {
			q.staged = append(q.staged[:i], q.staged[i+1:]...)
			return op
		}
	}
	return nil
}

func (q *Queue) insert(op *Operation) {
	if q.flushing {
		q.staged = append(q.staged, op)
		op.save(true)
		return
	}
	q.index.Insert(op)
	op.save(true)
	q.metrics.Depth(q.index.Len())
}

// deadline returns the hard timeout of op measured from FirstSeen, tightened
// by its spec and by prev when set.
func (q *Queue) deadline(op *Operation, prev time.Time) time.Time {
	timeout := op.Request.Timeout
	if timeout <= 0 {
		timeout = q.config.OperationTimeout
	}
	d := op.Spec.Deadline(op.FirstSeen, op.FirstSeen.Add(timeout))
	if !prev.IsZero() && prev.Before(d) {
		return prev
	}
	return d
}

func (q *Queue) backoff(op *Operation, now time.Time) time.Time {
	if d := op.Spec.Delay(op.Attempts); d > 0 {
		return now.Add(d)
	}
	return q.config.Policy.NextAttemptTime(now, op.Attempts)
}

// ErrorFor returns the origin error recorded for a request that has passed
// through the retry queue, or StatusSuccess if it never has.
func ErrorFor(req *domain.Request) domain.Status {
	if req == nil || !req.Retry.Detached {
		return domain.StatusSuccess
	}
	return req.Retry.OriginErr
}

func (q *Queue) ErrorFor(req *domain.Request) domain.Status {
	return ErrorFor(req)
}

// ResetTimeouts grants every queued operation a fresh timeout budget from
// now. Attempt counts and retry times are kept.
func (q *Queue) ResetTimeouts(now time.Time) {
	for _, h := range q.index.Handles() {
		q.index.Update(h, func(op *Operation) {
			op.FirstSeen = now
			op.Deadline = q.deadline(op, time.Time{})
			op.clamp()
			op.save(true)
		})
	}
	for _, op := range q.staged {
		op.FirstSeen = now
		op.Deadline = q.deadline(op, time.Time{})
		op.clamp()
		op.save(true)
	}
	q.logger.Info("reset retry timeouts", "queued", q.index.Len(), "now", now)
	q.rearm()
}

// Cancel removes a queued request without delivering a response. It reports
// whether the request was queued; ownership returns to the caller.
func (q *Queue) Cancel(req *domain.Request) bool {
	if req == nil || !req.Retry.Queued {
		return false
	}
	op := q.detachQueued(req)
	if op == nil {
		return false
	}
	op.State = StateCancelled
	op.save(false)
	q.metrics.Cancelled()
	q.metrics.Depth(q.index.Len())
	q.logger.Debug("cancelled retry", "request_id", req.ID, "attempt", op.Attempts)
	if !q.flushing {
		q.rearm()
	}
	return true
}

// Close fails every queued operation once and disarms the timer. Later
// admissions are failed immediately.
func (q *Queue) Close() {
	if q.closed {
		return
	}
	q.closed = true
	q.disarm()

	var out []*domain.Response
	for _, h := range q.index.Handles() {
		op := q.index.Remove(h)
		out = append(out, q.finish(op, StateFailed, domain.StatusShutdown, "retry queue destroyed"))
	}
	for _, op := range q.staged {
		out = append(out, q.finish(op, StateFailed, domain.StatusShutdown, "retry queue destroyed"))
	}
	q.staged = nil
	q.metrics.Depth(0)

	if len(out) > 0 {
		q.logger.Info("retry queue closed with pending operations", "failed", len(out))
	}
	q.deliver(out)
}

// Len returns the number of queued operations.
func (q *Queue) Len() int {
	return q.index.Len() + len(q.staged)
}

// Entries returns a snapshot of queued operations in next retry order.
func (q *Queue) Entries() []Snapshot {
	out := make([]Snapshot, 0, q.Len())
	q.index.Ascend(func(op *Operation) bool {
		out = append(out, op.snapshot())
		return true
	})
	for _, op := range q.staged {
		out = append(out, op.snapshot())
	}
	return out
}

// NextWake returns the armed timer deadline.
func (q *Queue) NextWake() (time.Time, bool) {
	if q.timer == nil {
		return time.Time{}, false
	}
	return q.timerAt, true
}

// Check verifies the index invariants. Intended for tests and diagnostics.
func (q *Queue) Check() error {
	if err := q.index.Check(); err != nil {
		return err
	}
	var err error
	q.index.Ascend(func(op *Operation) bool {
		if op.NextRetry.After(op.Deadline) {
			err = fmt.Errorf("request %s: next retry %v after deadline %v", op.Request.ID, op.NextRetry, op.Deadline)
			return false
		}
		if !op.Request.Retry.Queued || Handle(op.Request.Retry.Handle) != op.handle {
			err = fmt.Errorf("request %s: retry tag out of sync", op.Request.ID)
			return false
		}
		return true
	})
	return err
}

// finish builds the terminal response for op. The caller must already have
// removed op from the index.
func (q *Queue) finish(op *Operation, state State, status domain.Status, reason string) *domain.Response {
	op.State = state
	op.save(false)

	outcome := domain.OutcomeFailed
	if state == StateTimedOut {
		outcome = domain.OutcomeTimedOut
		if op.OriginErr != domain.StatusSuccess {
			status = op.OriginErr
		}
	}

	resp := domain.NewResponse(op.Request, status, outcome)
	resp.ErrorContext = fmt.Sprintf("%s (origin=%s, attempts=%d)", reason, op.OriginErr, op.Attempts)
	if !op.FirstSeen.IsZero() {
		resp.Elapsed = q.clock.Now().Sub(op.FirstSeen)
	}

	q.metrics.Finished(outcome, status)
	q.logger.Info("retry finished",
		"request_id", op.Request.ID,
		"state", string(state),
		"status", status.String(),
		"origin_error", op.OriginErr.String(),
		"attempts", op.Attempts,
	)
	return resp
}

func (q *Queue) deliver(out []*domain.Response) {
	for _, resp := range out {
		q.deliverer.Deliver(resp)
	}
}
