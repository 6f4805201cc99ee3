package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felipemaragno/retryq/internal/retry"
)

func TestDefault_Validates(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoad_Defaults(t *testing.T) {
	s, err := Load(NewViper(), "")
	require.NoError(t, err)

	if diff := cmp.Diff(Default(), s); diff != "" {
		t.Errorf("Load() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("RETRYQ_QUEUE_FUZZ", "20ms")
	t.Setenv("RETRYQ_QUEUE_OPERATION_TIMEOUT", "1s")
	t.Setenv("RETRYQ_LOG_FORMAT", "text")
	t.Setenv("RETRYQ_RETRY_MODES", "sockerr:all,missingnode:all")

	s, err := Load(NewViper(), "")
	require.NoError(t, err)

	assert.Equal(t, 20*time.Millisecond, s.Queue.Fuzz)
	assert.Equal(t, time.Second, s.Queue.OperationTimeout)
	assert.Equal(t, "text", s.Log.Format)
	assert.Equal(t, []string{"sockerr:all", "missingnode:all"}, s.RetryModes)
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retryqd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
http:
  addr: ":9090"
queue:
  nmv_immediate: false
  nmv_interval: 250ms
topology:
  refresh_throttle: 50ms
cluster:
  servers: ["a:11210", "b:11210"]
  vbuckets: 1024
`), 0o600))

	t.Setenv("RETRYQ_HTTP_ADDR", ":7070")

	s, err := Load(NewViper(), path)
	require.NoError(t, err)

	assert.Equal(t, ":7070", s.HTTP.Addr, "env wins over file")
	assert.False(t, s.Queue.NMVImmediate)
	assert.Equal(t, 250*time.Millisecond, s.Queue.NMVInterval)
	assert.Equal(t, 50*time.Millisecond, s.Topology.RefreshThrottle)
	assert.Equal(t, []string{"a:11210", "b:11210"}, s.Cluster.Servers)
	assert.Equal(t, 1024, s.Cluster.VBuckets)
	assert.Equal(t, Default().Queue.Fuzz, s.Queue.Fuzz)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(NewViper(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate_AggregatesErrors(t *testing.T) {
	s := Default()
	s.Log.Format = "xml"
	s.Queue.OperationTimeout = 0
	s.Queue.Fuzz = -time.Millisecond
	s.Topology.BreakerFailureRatio = 2
	s.RetryModes = []string{"sockerr:sometimes"}

	err := s.Validate()
	require.Error(t, err)

	var merr *multierror.Error
	require.ErrorAs(t, err, &merr)
	assert.Len(t, merr.Errors, 5)
}

func TestSettings_SessionConfig(t *testing.T) {
	s := Default()
	s.Queue.Fuzz = 0
	s.Queue.MaxMissingNodeAttempts = 3
	s.RetryModes = []string{"missingnode:all", "sockerr:get"}

	cfg, err := s.SessionConfig(nil)
	require.NoError(t, err)

	assert.Zero(t, cfg.Queue.Fuzz)
	assert.Equal(t, 3, cfg.Queue.MaxMissingNodeAttempts)
	assert.Equal(t, retry.CommandsAll, cfg.Modes.Get(retry.ReasonMissingNode))
	assert.Equal(t, retry.CommandsGet, cfg.Modes.Get(retry.ReasonSocketError))
	assert.Equal(t, retry.CommandsAll, cfg.Modes.Get(retry.ReasonTopologyChange))
	assert.Equal(t, s.Topology.RefreshThrottle, cfg.Gate.RefreshThrottle)
	assert.Equal(t, s.Queue.BackoffInterval, cfg.Queue.Policy.Interval)
}
