// Package config loads retryqd settings from defaults, an optional YAML
// file and RETRYQ_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/felipemaragno/retryq/internal/retry"
	"github.com/felipemaragno/retryq/internal/retryq"
	"github.com/felipemaragno/retryq/internal/session"
	"github.com/felipemaragno/retryq/internal/simcluster"
	"github.com/felipemaragno/retryq/internal/topology"
)

const EnvPrefix = "RETRYQ"

type Settings struct {
	Log      LogSettings      `mapstructure:"log"`
	HTTP     HTTPSettings     `mapstructure:"http"`
	Queue    QueueSettings    `mapstructure:"queue"`
	Topology TopologySettings `mapstructure:"topology"`
	Cluster  ClusterSettings  `mapstructure:"cluster"`
	// RetryModes overrides per-reason command policies, "reason:policy".
	RetryModes []string `mapstructure:"retry_modes"`
}

type LogSettings struct {
	Format string `mapstructure:"format"`
	Level  string `mapstructure:"level"`
}

type HTTPSettings struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type QueueSettings struct {
	OperationTimeout       time.Duration `mapstructure:"operation_timeout"`
	NMVImmediate           bool          `mapstructure:"nmv_immediate"`
	NMVInterval            time.Duration `mapstructure:"nmv_interval"`
	Fuzz                   time.Duration `mapstructure:"fuzz"`
	MaxMissingNodeAttempts int           `mapstructure:"max_missing_node_attempts"`
	BackoffInterval        time.Duration `mapstructure:"backoff_interval"`
	BackoffMax             time.Duration `mapstructure:"backoff_max"`
	BackoffJitter          float64       `mapstructure:"backoff_jitter"`
}

type TopologySettings struct {
	RefreshThrottle     time.Duration `mapstructure:"refresh_throttle"`
	RefreshTimeout      time.Duration `mapstructure:"refresh_timeout"`
	BreakerMaxRequests  uint32        `mapstructure:"breaker_max_requests"`
	BreakerInterval     time.Duration `mapstructure:"breaker_interval"`
	BreakerTimeout      time.Duration `mapstructure:"breaker_timeout"`
	BreakerFailureRatio float64       `mapstructure:"breaker_failure_ratio"`
	BreakerMinRequests  uint32        `mapstructure:"breaker_min_requests"`
}

// ClusterSettings shapes the simulated cluster driven by `retryqd simulate`.
type ClusterSettings struct {
	Servers      []string      `mapstructure:"servers"`
	VBuckets     int           `mapstructure:"vbuckets"`
	RefreshDelay time.Duration `mapstructure:"refresh_delay"`
}

func Default() Settings {
	q := retryq.DefaultConfig()
	g := topology.DefaultConfig()
	c := simcluster.DefaultConfig()
	return Settings{
		Log: LogSettings{Format: "json", Level: "info"},
		HTTP: HTTPSettings{
			Addr:            ":8080",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Queue: QueueSettings{
			OperationTimeout:       q.OperationTimeout,
			NMVImmediate:           q.NMVImmediate,
			NMVInterval:            q.NMVInterval,
			Fuzz:                   q.Fuzz,
			MaxMissingNodeAttempts: q.MaxMissingNodeAttempts,
			BackoffInterval:        q.Policy.Interval,
			BackoffMax:             q.Policy.MaxInterval,
			BackoffJitter:          q.Policy.Jitter,
		},
		Topology: TopologySettings{
			RefreshThrottle:     g.RefreshThrottle,
			RefreshTimeout:      g.RefreshTimeout,
			BreakerMaxRequests:  g.Breaker.MaxRequests,
			BreakerInterval:     g.Breaker.Interval,
			BreakerTimeout:      g.Breaker.Timeout,
			BreakerFailureRatio: g.Breaker.FailureRatio,
			BreakerMinRequests:  g.Breaker.MinRequests,
		},
		Cluster: ClusterSettings{
			Servers:      c.Servers,
			VBuckets:     c.VBuckets,
			RefreshDelay: c.RefreshDelay,
		},
		RetryModes: []string{"topochange:all", "sockerr:safe", "maperr:all", "missingnode:none"},
	}
}

// NewViper returns a viper instance primed with defaults and environment
// binding. Callers may bind command line flags before Load.
func NewViper() *viper.Viper {
	v := viper.New()
	setDefaults(v, "", Default())
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

// setDefaults registers every leaf of s so AutomaticEnv can see it.
func setDefaults(v *viper.Viper, prefix string, s Settings) {
	var m map[string]any
	_ = mapstructure.Decode(s, &m)
	flatten(v, prefix, m)
}

func flatten(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			flatten(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// Load reads path when non-empty and decodes the merged settings.
func Load(v *viper.Viper, path string) (Settings, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Settings{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var s Settings
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&s, hook); err != nil {
		return Settings{}, fmt.Errorf("decode config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate reports every invalid setting at once.
func (s Settings) Validate() error {
	var errs *multierror.Error

	switch strings.ToLower(s.Log.Format) {
	case "json", "text":
	default:
		errs = multierror.Append(errs, fmt.Errorf("log.format %q: want json or text", s.Log.Format))
	}
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s.Log.Level)); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("log.level: %w", err))
	}

	if s.HTTP.Addr == "" {
		errs = multierror.Append(errs, errors.New("http.addr is required"))
	}

	if s.Queue.OperationTimeout <= 0 {
		errs = multierror.Append(errs, errors.New("queue.operation_timeout must be positive"))
	}
	if s.Queue.NMVInterval <= 0 {
		errs = multierror.Append(errs, errors.New("queue.nmv_interval must be positive"))
	}
	if s.Queue.Fuzz < 0 {
		errs = multierror.Append(errs, errors.New("queue.fuzz must not be negative"))
	}
	if s.Queue.MaxMissingNodeAttempts < 0 {
		errs = multierror.Append(errs, errors.New("queue.max_missing_node_attempts must not be negative"))
	}
	if s.Queue.BackoffInterval <= 0 {
		errs = multierror.Append(errs, errors.New("queue.backoff_interval must be positive"))
	}
	if s.Queue.BackoffMax > 0 && s.Queue.BackoffMax < s.Queue.BackoffInterval {
		errs = multierror.Append(errs, errors.New("queue.backoff_max must not be below queue.backoff_interval"))
	}
	if s.Queue.BackoffJitter < 0 || s.Queue.BackoffJitter > 1 {
		errs = multierror.Append(errs, fmt.Errorf("queue.backoff_jitter %v: want [0,1]", s.Queue.BackoffJitter))
	}

	if s.Topology.RefreshThrottle < 0 {
		errs = multierror.Append(errs, errors.New("topology.refresh_throttle must not be negative"))
	}
	if s.Topology.RefreshTimeout <= 0 {
		errs = multierror.Append(errs, errors.New("topology.refresh_timeout must be positive"))
	}
	if r := s.Topology.BreakerFailureRatio; r <= 0 || r > 1 {
		errs = multierror.Append(errs, fmt.Errorf("topology.breaker_failure_ratio %v: want (0,1]", r))
	}

	if len(s.Cluster.Servers) == 0 {
		errs = multierror.Append(errs, errors.New("cluster.servers must not be empty"))
	}
	if s.Cluster.VBuckets <= 0 {
		errs = multierror.Append(errs, errors.New("cluster.vbuckets must be positive"))
	}

	for _, m := range s.RetryModes {
		if _, _, err := retry.ParseMode(m); err != nil {
			errs = multierror.Append(errs, err)
		}
	}

	return errs.ErrorOrNil()
}

// Modes applies RetryModes over the default command policies.
func (s Settings) Modes() (retry.Modes, error) {
	modes := retry.DefaultModes()
	for _, m := range s.RetryModes {
		reason, policy, err := retry.ParseMode(m)
		if err != nil {
			return modes, err
		}
		modes.Set(reason, policy)
	}
	return modes, nil
}

// SessionConfig converts the settings into a session configuration.
func (s Settings) SessionConfig(errmap *retry.ErrorMap) (session.Config, error) {
	modes, err := s.Modes()
	if err != nil {
		return session.Config{}, err
	}

	cfg := session.DefaultConfig()
	cfg.Modes = modes
	cfg.ErrorMap = errmap

	cfg.Queue.OperationTimeout = s.Queue.OperationTimeout
	cfg.Queue.NMVImmediate = s.Queue.NMVImmediate
	cfg.Queue.NMVInterval = s.Queue.NMVInterval
	cfg.Queue.Fuzz = s.Queue.Fuzz
	cfg.Queue.MaxMissingNodeAttempts = s.Queue.MaxMissingNodeAttempts
	cfg.Queue.Policy = retry.Policy{
		Interval:    s.Queue.BackoffInterval,
		MaxInterval: s.Queue.BackoffMax,
		Jitter:      s.Queue.BackoffJitter,
	}

	cfg.Gate.RefreshThrottle = s.Topology.RefreshThrottle
	cfg.Gate.RefreshTimeout = s.Topology.RefreshTimeout
	cfg.Gate.Breaker = topology.BreakerConfig{
		MaxRequests:  s.Topology.BreakerMaxRequests,
		Interval:     s.Topology.BreakerInterval,
		Timeout:      s.Topology.BreakerTimeout,
		FailureRatio: s.Topology.BreakerFailureRatio,
		MinRequests:  s.Topology.BreakerMinRequests,
	}
	return cfg, nil
}

func (s Settings) ClusterConfig() simcluster.Config {
	return simcluster.Config{
		Servers:      s.Cluster.Servers,
		VBuckets:     s.Cluster.VBuckets,
		RefreshDelay: s.Cluster.RefreshDelay,
	}
}
