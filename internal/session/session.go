// Package session is the owning connection of a retry queue. It dispatches
// requests, triages failed replies into the queue and delivers exactly one
// response per submitted request.
//
// All session state lives on one event loop. Public methods post onto the
// loop and wait, so they may be called from any goroutine except the loop
// itself.
package session

import (
	"context"
	"io"
	"log/slog"
	"slices"
	"time"

	"github.com/felipemaragno/retryq/internal/clock"
	"github.com/felipemaragno/retryq/internal/domain"
	"github.com/felipemaragno/retryq/internal/loop"
	"github.com/felipemaragno/retryq/internal/retry"
	"github.com/felipemaragno/retryq/internal/retryq"
	"github.com/felipemaragno/retryq/internal/topology"
)

// Transport is a retry queue transport that reports server replies.
type Transport interface {
	retryq.Transport
	OnResult(fn func(req *domain.Request, resp *domain.Response))
}

// Callback receives the single response for a submitted request.
type Callback func(resp *domain.Response)

type Config struct {
	Queue    retryq.Config
	Gate     topology.Config
	Modes    retry.Modes
	ErrorMap *retry.ErrorMap
}

func DefaultConfig() Config {
	return Config{
		Queue: retryq.DefaultConfig(),
		Gate:  topology.DefaultConfig(),
		Modes: retry.DefaultModes(),
	}
}

type Option func(*Session)

func WithClock(c clock.Clock) Option {
	return func(s *Session) {
		s.clock = c
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		s.logger = l
	}
}

// WithRecorder forwards retry queue metrics.
func WithRecorder(r retryq.Recorder) Option {
	return func(s *Session) {
		s.recorder = r
	}
}

// WithGateOptions passes extra options to the topology gate.
func WithGateOptions(opts ...topology.Option) Option {
	return func(s *Session) {
		s.gateOpts = append(s.gateOpts, opts...)
	}
}

type pendingOp struct {
	req *domain.Request
	cb  Callback
}

// Session wires a loop, a topology gate, a retry queue and a transport.
type Session struct {
	config    Config
	loop      *loop.Loop
	gate      *topology.Gate
	monitor   topology.Monitor
	queue     *retryq.Queue
	transport Transport
	clock     clock.Clock
	logger    *slog.Logger
	recorder  retryq.Recorder
	gateOpts  []topology.Option

	pending map[string]pendingOp
	servers []string
	closed  bool
}

func New(config Config, lp *loop.Loop, monitor topology.Monitor, transport Transport, opts ...Option) *Session {
	s := &Session{
		config:    config,
		loop:      lp,
		transport: transport,
		monitor:   monitor,
		clock:     clock.RealClock{},
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		pending:   make(map[string]pendingOp),
	}

	for _, opt := range opts {
		opt(s)
	}

	qcfg := config.Queue
	if config.Modes.Get(retry.ReasonMissingNode) != retry.CommandsNone {
		qcfg.RetryOnMissingNode = true
	}

	gateOpts := append([]topology.Option{
		topology.WithClock(s.clock),
		topology.WithLogger(s.logger),
	}, s.gateOpts...)
	s.gate = topology.NewGate(monitor, config.Gate, gateOpts...)
	if m := monitor.Map(); m != nil {
		s.servers = append([]string(nil), m.Servers...)
	}

	queueOpts := []retryq.Option{
		retryq.WithClock(s.clock),
		retryq.WithLogger(s.logger),
		retryq.WithExecutor(func(f func()) { lp.Post(f) }),
	}
	if s.recorder != nil {
		queueOpts = append(queueOpts, retryq.WithMetrics(s.recorder))
	}
	s.queue = retryq.New(qcfg, s.gate, transport, retryq.DelivererFunc(s.complete), queueOpts...)

	transport.OnResult(func(req *domain.Request, resp *domain.Response) {
		lp.Post(func() { s.handleResult(req, resp) })
	})
	monitor.OnChange(func() {
		lp.Post(s.topologyChanged)
	})

	return s
}

// Submit dispatches req and arranges for cb to receive its response.
func (s *Session) Submit(ctx context.Context, req *domain.Request, cb Callback) error {
	if req == nil {
		return domain.ErrNilRequest
	}
	var err error
	if doErr := s.loop.Do(ctx, func() { err = s.submit(req, cb) }); doErr != nil {
		return doErr
	}
	return err
}

func (s *Session) submit(req *domain.Request, cb Callback) error {
	if s.closed {
		return domain.ErrQueueClosed
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = s.clock.Now()
	}
	s.pending[req.ID] = pendingOp{req: req, cb: cb}

	server, ok := s.gate.Resolve(req)
	if !ok {
		s.logger.Debug("no server for new request", "request_id", req.ID)
		s.gate.RequestRefresh()
		s.admit(s.queue.AddImmediate(req, domain.StatusNoMatchingServer, nil), req)
		return nil
	}

	if err := s.transport.Enqueue(server, req); err != nil {
		s.gate.ReportDispatch(server, err)
		s.admit(s.queue.Add(req, domain.StatusNetworkError, nil), req)
		return nil
	}
	s.transport.Flush(server)
	return nil
}

func (s *Session) handleResult(req *domain.Request, resp *domain.Response) {
	if s.closed {
		return
	}
	if resp.Server >= 0 {
		if resp.Status.IsNetwork() {
			s.gate.ReportDispatch(resp.Server, resp.Status)
		} else {
			s.gate.ReportDispatch(resp.Server, nil)
		}
	}

	if _, ok := s.pending[req.ID]; !ok {
		s.logger.Debug("dropping reply for cancelled request", "request_id", req.ID)
		return
	}
	if resp.Status == domain.StatusSuccess {
		s.HandleSuccess(req, resp)
		return
	}
	s.HandleFailure(req, resp.Status, resp.ErrorCode)
}

// HandleSuccess answers req with a server reply. It must run on the session
// loop.
func (s *Session) HandleSuccess(req *domain.Request, resp *domain.Response) {
	if req.Retry.Queued {
		s.logger.Warn("success for a request still queued for retry", "request_id", req.ID)
		s.queue.Cancel(req)
	}
	resp.Attempts = req.Retry.Attempts
	s.complete(resp)
}

// HandleFailure triages a failed reply. The request is either admitted to
// the retry queue or completed with a terminal response. It must run on the
// session loop.
func (s *Session) HandleFailure(req *domain.Request, status domain.Status, code uint16) {
	entry, known := s.config.ErrorMap.Lookup(code)
	if code != 0 && known && status == domain.StatusGeneric {
		status = entry.StatusFor()
	}

	switch status {
	case domain.StatusNotMyVbucket:
		if s.config.Modes.ShouldRetry(req.Opcode, status) {
			if s.config.Queue.NMVImmediate {
				s.gate.ForceRefresh()
			} else {
				s.gate.RequestRefresh()
			}
			s.admit(s.queue.AddNMV(req), req)
			return
		}
	case domain.StatusUnknownCollection:
		s.admit(s.queue.AddUnknownCollection(req), req)
		return
	}

	if code != 0 && known {
		if spec := entry.RetrySpec(); spec != nil {
			if entry.HasAttr(retry.AttrRetryNow) {
				s.admit(s.queue.AddImmediate(req, status, spec), req)
			} else {
				s.admit(s.queue.Add(req, status, spec), req)
			}
			return
		}
	}

	if s.config.Modes.ShouldRetry(req.Opcode, status) {
		s.admit(s.queue.Add(req, status, nil), req)
		return
	}

	s.fail(req, status, code)
}

// admit handles the result of handing req to the queue. A rejected request
// has already been answered by the queue.
func (s *Session) admit(err error, req *domain.Request) {
	if err != nil {
		s.logger.Warn("retry queue rejected request", "request_id", req.ID, "error", err)
	}
}

func (s *Session) fail(req *domain.Request, status domain.Status, code uint16) {
	outcome := domain.OutcomeFailed
	if status.IsTimeout() {
		outcome = domain.OutcomeTimedOut
		if origin := s.queue.ErrorFor(req); origin != domain.StatusSuccess {
			status = origin
		}
	}

	resp := domain.NewResponse(req, status, outcome)
	resp.ErrorCode = code
	if !req.Retry.FirstSeen.IsZero() {
		resp.Elapsed = s.clock.Now().Sub(req.Retry.FirstSeen)
	}
	s.complete(resp)
}

func (s *Session) complete(resp *domain.Response) {
	op, ok := s.pending[resp.RequestID]
	if !ok {
		s.logger.Warn("response for unknown request", "request_id", resp.RequestID)
		return
	}
	delete(s.pending, resp.RequestID)

	if resp.Elapsed == 0 && !op.req.CreatedAt.IsZero() {
		resp.Elapsed = s.clock.Now().Sub(op.req.CreatedAt)
	}
	if op.cb != nil {
		op.cb(resp)
	}
}

func (s *Session) topologyChanged() {
	if s.closed {
		return
	}
	if m := s.monitor.Map(); m != nil && !slices.Equal(m.Servers, s.servers) {
		s.logger.Info("server list changed, resetting node breakers", "servers", len(m.Servers))
		s.servers = append([]string(nil), m.Servers...)
		s.gate.ResetBreakers()
	}
	s.logger.Debug("topology changed, signalling retry queue", "queued", s.queue.Len())
	s.queue.Signal()
}

// Cancel withdraws req. A queued retry is removed without a response, a
// request still on a send queue is pulled back, and any later reply is
// dropped. It reports whether req was outstanding.
func (s *Session) Cancel(ctx context.Context, req *domain.Request) (bool, error) {
	var found bool
	err := s.loop.Do(ctx, func() {
		if _, ok := s.pending[req.ID]; !ok {
			return
		}
		found = true
		delete(s.pending, req.ID)
		s.queue.Cancel(req)
		s.transport.RemoveFromSendQueues(req)
		s.logger.Debug("request cancelled", "request_id", req.ID)
	})
	return found, err
}

// Signal flushes the retry queue as if the topology had changed.
func (s *Session) Signal(ctx context.Context) error {
	return s.loop.Do(ctx, s.topologyChanged)
}

// ResetTimeouts restarts the timeout budget of every queued retry.
func (s *Session) ResetTimeouts(ctx context.Context) error {
	return s.loop.Do(ctx, func() {
		s.queue.ResetTimeouts(s.clock.Now())
	})
}

// Stats is a point-in-time view of the session.
type Stats struct {
	Queued           int        `json:"queued"`
	InFlight         int        `json:"in_flight"`
	NextWake         *time.Time `json:"next_wake,omitempty"`
	RefreshInFlight  bool       `json:"refresh_in_flight"`
	SkippedRefreshes int64      `json:"skipped_refreshes"`
	Closed           bool       `json:"closed"`
}

func (s *Session) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.loop.Do(ctx, func() {
		st = Stats{
			Queued:           s.queue.Len(),
			InFlight:         len(s.pending) - s.queue.Len(),
			RefreshInFlight:  s.gate.RefreshInFlight(),
			SkippedRefreshes: s.gate.SkippedRefreshes(),
			Closed:           s.closed,
		}
		if at, ok := s.queue.NextWake(); ok {
			st.NextWake = &at
		}
	})
	return st, err
}

// Entries returns the queued retries in next retry order.
func (s *Session) Entries(ctx context.Context) ([]retryq.Snapshot, error) {
	var out []retryq.Snapshot
	err := s.loop.Do(ctx, func() {
		out = s.queue.Entries()
	})
	return out, err
}

// Ping reports whether the session loop is responsive and open.
func (s *Session) Ping(ctx context.Context) error {
	var closed bool
	if err := s.loop.Do(ctx, func() { closed = s.closed }); err != nil {
		return err
	}
	if closed {
		return domain.ErrQueueClosed
	}
	return nil
}

// Close fails every queued retry and every request still on the transport,
// then stops topology refreshes. The loop is left running.
func (s *Session) Close(ctx context.Context) error {
	err := s.loop.Do(ctx, func() {
		if s.closed {
			return
		}
		s.queue.Close()
		s.closed = true

		for _, op := range s.pending {
			s.transport.RemoveFromSendQueues(op.req)
			resp := domain.NewResponse(op.req, domain.StatusShutdown, domain.OutcomeFailed)
			resp.ErrorContext = "session closed"
			s.complete(resp)
		}
	})
	s.gate.Close()
	return err
}
