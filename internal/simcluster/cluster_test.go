package simcluster

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felipemaragno/retryq/internal/domain"
	"github.com/felipemaragno/retryq/internal/retry"
	"github.com/felipemaragno/retryq/internal/retryq"
	"github.com/felipemaragno/retryq/internal/topology"
)

var (
	_ topology.Monitor = (*Cluster)(nil)
	_ retryq.Transport = (*Cluster)(nil)
)

type reply struct {
	req  *domain.Request
	resp *domain.Response
}

func newTestCluster(t *testing.T) (*Cluster, *[]reply) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RefreshDelay = 0
	c := New(cfg, nil)

	var got []reply
	c.OnResult(func(req *domain.Request, resp *domain.Response) {
		got = append(got, reply{req, resp})
	})
	return c, &got
}

func send(c *Cluster, op domain.Opcode, key, value string) {
	req := domain.NewRequest(op, []byte(key), time.Now())
	req.Value = []byte(value)
	srv, _ := c.Map().ServerFor(req.Key)
	_ = c.Enqueue(srv, req)
	c.Flush(srv)
}

func TestCluster_SetThenGet(t *testing.T) {
	c, got := newTestCluster(t)

	send(c, domain.OpSet, "user::1", "alice")
	send(c, domain.OpGet, "user::1", "")

	require.Len(t, *got, 2)
	assert.Equal(t, domain.StatusSuccess, (*got)[1].resp.Status)
	assert.Equal(t, []byte("alice"), (*got)[1].resp.Value)
}

func TestCluster_KeySemantics(t *testing.T) {
	tests := []struct {
		name string
		op   domain.Opcode
		want uint16
	}{
		{"get missing", domain.OpGet, CodeKeyNotFound},
		{"replace missing", domain.OpReplace, CodeKeyNotFound},
		{"delete missing", domain.OpDelete, CodeKeyNotFound},
		{"add missing", domain.OpAdd, CodeSuccess},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, got := newTestCluster(t)
			send(c, tt.op, "k", "v")
			require.Len(t, *got, 1)
			assert.Equal(t, tt.want, (*got)[0].resp.ErrorCode)
		})
	}
}

func TestCluster_MovedVBucketAnswersNMVUntilPublished(t *testing.T) {
	c, got := newTestCluster(t)
	key := []byte("hello")

	vb := c.Map().VBucketFor(key)
	old, _ := c.Map().Master(vb)
	require.NoError(t, c.MoveVBucket(vb, (old+1)%3))

	send(c, domain.OpSet, "hello", "x")
	require.Len(t, *got, 1)
	assert.Equal(t, domain.StatusNotMyVbucket, (*got)[0].resp.Status)
	assert.Equal(t, CodeNotMyVbucket, (*got)[0].resp.ErrorCode)

	changed := 0
	c.OnChange(func() { changed++ })
	require.NoError(t, c.Refresh(context.Background(), topology.ThrottleDefault))
	assert.Equal(t, 1, changed)

	send(c, domain.OpSet, "hello", "x")
	assert.Equal(t, domain.StatusSuccess, (*got)[1].resp.Status)

	c.Publish()
	assert.Equal(t, 1, changed, "unchanged map must not notify")
}

func TestCluster_FailedNodeAndFailover(t *testing.T) {
	c, got := newTestCluster(t)
	srv, _ := c.Map().ServerFor([]byte("k"))

	c.FailNode(srv)
	send(c, domain.OpGet, "k", "")
	assert.Equal(t, domain.StatusNetworkError, (*got)[0].resp.Status)

	require.NoError(t, c.Failover(srv))
	c.Publish()

	next, ok := c.Map().ServerFor([]byte("k"))
	require.True(t, ok)
	assert.NotEqual(t, srv, next)

	send(c, domain.OpSet, "k", "v")
	assert.Equal(t, domain.StatusSuccess, (*got)[1].resp.Status)
}

func TestCluster_AddNodeAndRebalance(t *testing.T) {
	c, _ := newTestCluster(t)

	idx := c.AddNode("10.0.0.4:11210")
	require.NoError(t, c.Rebalance())
	c.Publish()

	m := c.Map()
	assert.Len(t, m.Servers, 4)
	owned := 0
	for vb := range m.VBuckets {
		if s, _ := m.Master(vb); s == idx {
			owned++
		}
	}
	assert.Equal(t, 16, owned)
}

func TestCluster_Inject(t *testing.T) {
	c, got := newTestCluster(t)
	c.Inject("k", CodeTemporaryFailure, 2)

	for i := 0; i < 3; i++ {
		send(c, domain.OpSet, "k", "v")
	}

	require.Len(t, *got, 3)
	assert.Equal(t, domain.StatusTemporaryFailure, (*got)[0].resp.Status)
	assert.Equal(t, domain.StatusTemporaryFailure, (*got)[1].resp.Status)
	assert.Equal(t, domain.StatusSuccess, (*got)[2].resp.Status)
}

func TestCluster_UnknownCollection(t *testing.T) {
	c, got := newTestCluster(t)
	req := domain.NewRequest(domain.OpSet, []byte("k"), time.Now())
	req.CollectionID = 9
	srv, _ := c.Map().ServerFor(req.Key)

	require.NoError(t, c.Enqueue(srv, req))
	c.Flush(srv)
	assert.Equal(t, domain.StatusUnknownCollection, (*got)[0].resp.Status)

	c.AddCollection(9)
	require.NoError(t, c.Enqueue(srv, req))
	c.Flush(srv)
	assert.Equal(t, domain.StatusSuccess, (*got)[1].resp.Status)
}

func TestCluster_RemoveFromSendQueues(t *testing.T) {
	c, got := newTestCluster(t)
	req := domain.NewRequest(domain.OpGet, []byte("k"), time.Now())

	require.NoError(t, c.Enqueue(1, req))
	assert.Equal(t, 1, c.Queued(1))
	assert.True(t, c.RemoveFromSendQueues(req))
	assert.False(t, c.RemoveFromSendQueues(req))

	c.Flush(1)
	assert.Empty(t, *got)
	assert.ErrorIs(t, c.Enqueue(7, req), ErrUnknownServer)
}

func TestCluster_RefreshHonoursContext(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RefreshDelay = time.Hour
	c := New(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Refresh(ctx, topology.ThrottleAlways), context.Canceled)
	assert.False(t, c.Refreshing())
}

func TestCluster_ErrorMapParses(t *testing.T) {
	m, err := retry.ParseErrorMap(New(DefaultConfig(), nil).ErrorMap())
	require.NoError(t, err)

	entry, ok := m.Lookup(CodeTemporaryFailure)
	require.True(t, ok)
	spec := entry.RetrySpec()
	require.NotNil(t, spec)
	assert.Equal(t, retry.KindExponential, spec.Kind)

	nmv, ok := m.Lookup(CodeNotMyVbucket)
	require.True(t, ok)
	assert.Nil(t, nmv.RetrySpec())
}
