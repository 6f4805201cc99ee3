// Package simcluster is an in-memory KV cluster. It publishes vbucket maps
// like a configuration monitor and accepts requests like a transport, with
// hooks to fail nodes, move vbuckets and inject server errors.
package simcluster

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/felipemaragno/retryq/internal/domain"
	"github.com/felipemaragno/retryq/internal/topology"
)

//go:embed errmap.json
var errorMap []byte

var ErrUnknownServer = errors.New("unknown server")

type Config struct {
	Servers      []string
	VBuckets     int
	RefreshDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		Servers:      []string{"10.0.0.1:11210", "10.0.0.2:11210", "10.0.0.3:11210"},
		VBuckets:     64,
		RefreshDelay: 5 * time.Millisecond,
	}
}

type fault struct {
	code      uint16
	remaining int
}

// Cluster keeps two maps: the one servers actually follow and the one last
// published to clients. They differ between a topology change and the next
// refresh, which is when clients see not-my-vbucket replies.
type Cluster struct {
	config Config
	logger *slog.Logger

	mu          sync.Mutex
	actual      *topology.VBucketMap
	published   *topology.VBucketMap
	down        map[int]bool
	queues      map[int][]*domain.Request
	store       map[string][]byte
	faults      map[string]*fault
	collections map[uint32]bool
	refreshing  int
	refreshes   int
	listeners   []func()
	handler     func(req *domain.Request, resp *domain.Response)
}

func New(config Config, logger *slog.Logger) *Cluster {
	if config.VBuckets <= 0 {
		config.VBuckets = DefaultConfig().VBuckets
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	m := topology.NewVBucketMap(config.Servers, config.VBuckets)
	published := m.Clone()
	published.Revision = m.Revision
	return &Cluster{
		config:      config,
		logger:      logger,
		actual:      m,
		published:   published,
		down:        make(map[int]bool),
		queues:      make(map[int][]*domain.Request),
		store:       make(map[string][]byte),
		faults:      make(map[string]*fault),
		collections: map[uint32]bool{0: true},
	}
}

// ErrorMap returns the JSON error map the cluster advertises.
func (c *Cluster) ErrorMap() []byte {
	return errorMap
}

// Map returns the published vbucket map.
func (c *Cluster) Map() *topology.VBucketMap {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.published
}

// Refresh publishes the actual map after the configured delay.
func (c *Cluster) Refresh(ctx context.Context, policy topology.ThrottlePolicy) error {
	c.mu.Lock()
	c.refreshing++
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.refreshing--
		c.mu.Unlock()
	}()

	if c.config.RefreshDelay > 0 {
		t := time.NewTimer(c.config.RefreshDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	c.Publish()
	return nil
}

func (c *Cluster) Refreshing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshing > 0
}

func (c *Cluster) OnChange(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Publish pushes the actual map to clients and notifies listeners when the
// map changed.
func (c *Cluster) Publish() {
	c.mu.Lock()
	c.refreshes++
	changed := c.published.Revision != c.actual.Revision
	if changed {
		c.published = c.actual.Clone()
		c.published.Revision = c.actual.Revision
	}
	listeners := append([]func(){}, c.listeners...)
	rev := c.published.Revision
	c.mu.Unlock()

	if !changed {
		return
	}
	c.logger.Info("published cluster map", "revision", rev)
	for _, fn := range listeners {
		fn()
	}
}

// Refreshes counts calls to Publish, including those made by Refresh.
func (c *Cluster) Refreshes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refreshes
}

// mutate applies fn to a copy of the actual map and bumps its revision.
func (c *Cluster) mutate(fn func(m *topology.VBucketMap) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.actual.Clone()
	if err := fn(next); err != nil {
		return err
	}
	c.actual = next
	return nil
}

// FailNode makes a server refuse traffic. Its vbuckets stay assigned to it
// until Failover.
func (c *Cluster) FailNode(server int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down[server] = true
	c.logger.Warn("node failed", "server", server)
}

func (c *Cluster) RecoverNode(server int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.down, server)
	c.logger.Info("node recovered", "server", server)
}

// Failover reassigns the vbuckets of server to the remaining live nodes.
func (c *Cluster) Failover(server int) error {
	c.mu.Lock()
	live := c.liveServersLocked(server)
	c.mu.Unlock()

	return c.mutate(func(m *topology.VBucketMap) error {
		n := 0
		for vb, row := range m.VBuckets {
			if len(row) == 0 || row[0] != server {
				continue
			}
			if len(live) == 0 {
				row[0] = -1
			} else {
				row[0] = live[n%len(live)]
				n++
			}
			m.VBuckets[vb] = row
		}
		return nil
	})
}

// MoveVBucket changes the master of vb.
func (c *Cluster) MoveVBucket(vb, to int) error {
	return c.mutate(func(m *topology.VBucketMap) error {
		if vb < 0 || vb >= len(m.VBuckets) {
			return fmt.Errorf("vbucket %d out of range", vb)
		}
		if to < -1 || to >= len(m.Servers) {
			return fmt.Errorf("%w: %d", ErrUnknownServer, to)
		}
		m.VBuckets[vb] = []int{to}
		return nil
	})
}

// AddNode adds a server that owns nothing until Rebalance.
func (c *Cluster) AddNode(addr string) int {
	var idx int
	_ = c.mutate(func(m *topology.VBucketMap) error {
		m.Servers = append(m.Servers, addr)
		idx = len(m.Servers) - 1
		return nil
	})
	return idx
}

// Rebalance spreads every vbucket round robin over the live nodes.
func (c *Cluster) Rebalance() error {
	c.mu.Lock()
	live := c.liveServersLocked(-1)
	c.mu.Unlock()

	if len(live) == 0 {
		return errors.New("no live nodes to rebalance onto")
	}
	return c.mutate(func(m *topology.VBucketMap) error {
		for vb := range m.VBuckets {
			m.VBuckets[vb] = []int{live[vb%len(live)]}
		}
		return nil
	})
}

func (c *Cluster) liveServersLocked(exclude int) []int {
	var live []int
	for i := range c.actual.Servers {
		if i != exclude && !c.down[i] {
			live = append(live, i)
		}
	}
	return live
}

// Inject makes the next times operations on key fail with code.
func (c *Cluster) Inject(key string, code uint16, times int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults[key] = &fault{code: code, remaining: times}
}

// AddCollection makes a collection id known to every server.
func (c *Cluster) AddCollection(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.collections[id] = true
}

// Value returns the stored value for key.
func (c *Cluster) Value(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.store[key]
	return v, ok
}
