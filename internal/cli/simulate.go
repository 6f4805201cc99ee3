package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/felipemaragno/retryq/internal/api"
	"github.com/felipemaragno/retryq/internal/config"
	"github.com/felipemaragno/retryq/internal/domain"
	"github.com/felipemaragno/retryq/internal/loop"
	"github.com/felipemaragno/retryq/internal/observability"
	"github.com/felipemaragno/retryq/internal/retry"
	"github.com/felipemaragno/retryq/internal/session"
	"github.com/felipemaragno/retryq/internal/simcluster"
	"github.com/felipemaragno/retryq/internal/topology"
)

type simOptions struct {
	LoadRate      float64
	Keys          int
	ChaosInterval time.Duration
	Duration      time.Duration
}

var simFlags simOptions

var simulateCommand = &cobra.Command{
	Use:   "simulate",
	Short: "Run a session against an in-memory cluster",
	Long: `Starts a simulated cluster, a client session and the diagnostics HTTP
server. Optionally generates load and periodically fails, fails over and
recovers nodes so the retry queue has something to do.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := config.Load(settings, configFile)
		if err != nil {
			return err
		}
		logger, err := observability.NewLogger(os.Stdout, s.Log.Format, s.Log.Level)
		if err != nil {
			return err
		}
		slog.SetDefault(logger)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		if simFlags.Duration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, simFlags.Duration)
			defer cancel()
		}

		return runSimulation(ctx, s, simFlags, logger, prometheus.DefaultRegisterer)
	},
}

func init() {
	simulateCommand.Flags().String("addr", ":8080", "HTTP listen address")
	simulateCommand.Flags().Float64Var(&simFlags.LoadRate, "load-rate", 0, "Operations per second to generate (0 = none)")
	simulateCommand.Flags().IntVar(&simFlags.Keys, "keys", 1000, "Size of the generated key space")
	simulateCommand.Flags().DurationVar(&simFlags.ChaosInterval, "chaos-interval", 0, "Interval between node fault steps (0 = none)")
	simulateCommand.Flags().DurationVar(&simFlags.Duration, "duration", 0, "Stop after this long (0 = until signalled)")

	_ = settings.BindPFlag("http.addr", simulateCommand.Flags().Lookup("addr"))

	rootCommand.AddCommand(simulateCommand)
}

// simulation owns every component started by the simulate command.
type simulation struct {
	settings config.Settings
	opts     simOptions
	logger   *slog.Logger
	metrics  *observability.Metrics
	cluster  *simcluster.Cluster
	loop     *loop.Loop
	session  *session.Session
	health   *observability.HealthHandler
	server   *http.Server
	wg       sync.WaitGroup
}

func newSimulation(s config.Settings, opts simOptions, logger *slog.Logger, reg prometheus.Registerer) (*simulation, error) {
	cluster := simcluster.New(s.ClusterConfig(), logger.With("component", "simcluster"))

	errmap, err := retry.ParseErrorMap(cluster.ErrorMap())
	if err != nil {
		return nil, fmt.Errorf("parse cluster error map: %w", err)
	}
	scfg, err := s.SessionConfig(errmap)
	if err != nil {
		return nil, err
	}

	metrics := observability.NewMetricsWith(reg, "retryq")
	lp := loop.New(logger.With("component", "loop"))
	sess := session.New(scfg, lp, cluster, cluster,
		session.WithLogger(logger.With("component", "session")),
		session.WithRecorder(metrics.Recorder()),
		session.WithGateOptions(topology.OnBreakerChange(metrics.ObserveBreaker)),
	)

	health := observability.NewHealthHandler()
	health.AddCheck("session", sess)

	handler := api.NewHandler(sess, cluster, metrics.ObserveResponse, logger)
	router := api.NewRouter(api.RouterConfig{
		Handler:       handler,
		HealthHandler: health,
		Metrics:       metrics,
		Logger:        logger,
	})

	return &simulation{
		settings: s,
		opts:     opts,
		logger:   logger,
		metrics:  metrics,
		cluster:  cluster,
		loop:     lp,
		session:  sess,
		health:   health,
		server: &http.Server{
			Addr:         s.HTTP.Addr,
			Handler:      router,
			ReadTimeout:  s.HTTP.ReadTimeout,
			WriteTimeout: s.HTTP.WriteTimeout,
			IdleTimeout:  60 * time.Second,
		},
	}, nil
}

func runSimulation(ctx context.Context, s config.Settings, opts simOptions, logger *slog.Logger, reg prometheus.Registerer) error {
	sim, err := newSimulation(s, opts, logger, reg)
	if err != nil {
		return err
	}

	sim.loop.Start(context.Background())
	sim.health.SetReady(true)

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting HTTP server", "addr", sim.server.Addr)
		if err := sim.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	if opts.LoadRate > 0 {
		sim.wg.Add(1)
		go sim.generateLoad(ctx)
	}
	if opts.ChaosInterval > 0 {
		sim.wg.Add(1)
		go sim.injectFaults(ctx)
	}

	select {
	case <-ctx.Done():
	case err = <-serveErr:
		logger.Error("HTTP server error", "error", err)
	}

	logger.Info("shutting down...")
	sim.health.SetReady(false)
	sim.wg.Wait()
	sim.shutdown()

	logger.Info("shutdown complete")
	return err
}

// shutdown closes the session before the HTTP server so handlers waiting on
// queued retries are answered and can drain. Each step gets its own timeout.
func (s *simulation) shutdown() {
	timeout := s.settings.HTTP.ShutdownTimeout

	closeCtx, closeCancel := context.WithTimeout(context.Background(), timeout)
	defer closeCancel()
	if err := s.session.Close(closeCtx); err != nil {
		s.logger.Error("failed to close session", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("failed to shutdown HTTP server", "error", err)
	}
	s.loop.Stop()
}

// generateLoad submits random sets and gets at the configured rate.
func (s *simulation) generateLoad(ctx context.Context) {
	defer s.wg.Done()

	limiter := rate.NewLimiter(rate.Limit(s.opts.LoadRate), 1)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	keys := max(s.opts.Keys, 1)

	for {
		if err := limiter.Wait(ctx); err != nil {
			return
		}

		key := fmt.Sprintf("key::%d", rng.Intn(keys))
		op := domain.OpGet
		if rng.Intn(2) == 0 {
			op = domain.OpSet
		}
		req := domain.NewRequest(op, []byte(key), time.Time{})
		req.Value = []byte(req.ID)

		if err := s.session.Submit(ctx, req, s.metrics.ObserveResponse); err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				s.logger.Warn("load generator submit failed", "error", err)
			}
			return
		}
	}
}

// injectFaults cycles a random node through failure, failover and recovery.
func (s *simulation) injectFaults(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.ChaosInterval)
	defer ticker.Stop()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	victim, phase := -1, 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		switch phase {
		case 0:
			victim = rng.Intn(len(s.cluster.Map().Servers))
			s.cluster.FailNode(victim)
		case 1:
			if err := s.cluster.Failover(victim); err != nil {
				s.logger.Error("failover failed", "server", victim, "error", err)
			}
			s.cluster.Publish()
		case 2:
			s.cluster.RecoverNode(victim)
			if err := s.cluster.Rebalance(); err != nil {
				s.logger.Error("rebalance failed", "error", err)
			}
			s.cluster.Publish()
		}
		s.logger.Info("fault step", "phase", phase, "server", victim)
		phase = (phase + 1) % 3
	}
}
