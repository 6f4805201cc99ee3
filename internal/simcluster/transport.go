package simcluster

import (
	"fmt"

	"github.com/felipemaragno/retryq/internal/domain"
)

// OnResult registers the receiver of server replies. Replies are produced
// by Flush on the caller's goroutine.
func (c *Cluster) OnResult(fn func(req *domain.Request, resp *domain.Response)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = fn
}

// Enqueue buffers req on the send queue of server.
func (c *Cluster) Enqueue(server int, req *domain.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if server < 0 || server >= len(c.actual.Servers) {
		return fmt.Errorf("%w: %d", ErrUnknownServer, server)
	}
	c.queues[server] = append(c.queues[server], req)
	return nil
}

// RemoveFromSendQueues drops req from whichever send queue holds it.
func (c *Cluster) RemoveFromSendQueues(req *domain.Request) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for server, q := range c.queues {
		for i, r := range q {
			if r == req {
				c.queues[server] = append(q[:i], q[i+1:]...)
				return true
			}
		}
	}
	return false
}

// Queued returns the number of requests buffered for server.
func (c *Cluster) Queued(server int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queues[server])
}

// Flush sends everything buffered for server and hands each reply to the
// result handler.
func (c *Cluster) Flush(server int) {
	c.mu.Lock()
	batch := c.queues[server]
	delete(c.queues, server)

	replies := make([]*domain.Response, len(batch))
	for i, req := range batch {
		replies[i] = c.executeLocked(server, req)
	}
	handler := c.handler
	c.mu.Unlock()

	if handler == nil {
		return
	}
	for i, req := range batch {
		handler(req, replies[i])
	}
}

func (c *Cluster) executeLocked(server int, req *domain.Request) *domain.Response {
	if c.down[server] {
		resp := domain.NewResponse(req, domain.StatusNetworkError, domain.OutcomeFailed)
		resp.Server = server
		resp.ErrorContext = fmt.Sprintf("connection to %s refused", c.actual.Servers[server])
		return resp
	}

	code := c.codeForLocked(server, req)
	status := StatusFor(code)
	outcome := domain.OutcomeCompleted
	if status != domain.StatusSuccess {
		outcome = domain.OutcomeFailed
	}

	resp := domain.NewResponse(req, status, outcome)
	resp.ErrorCode = code
	resp.Server = server
	if status == domain.StatusSuccess && req.Opcode.IsRead() {
		resp.Value = c.store[string(req.Key)]
	}
	return resp
}

// codeForLocked decides the server status for req and applies mutations.
func (c *Cluster) codeForLocked(server int, req *domain.Request) uint16 {
	key := string(req.Key)

	if owner, ok := c.actual.ServerFor(req.Key); !ok || owner != server {
		return CodeNotMyVbucket
	}
	if !c.collections[req.CollectionID] {
		return CodeUnknownCollection
	}
	if f := c.faults[key]; f != nil && f.remaining > 0 {
		f.remaining--
		if f.remaining == 0 {
			delete(c.faults, key)
		}
		return f.code
	}

	_, exists := c.store[key]
	switch req.Opcode {
	case domain.OpGet, domain.OpGetReplica, domain.OpGetAndLock, domain.OpSubdocLookup, domain.OpTouch:
		if !exists {
			return CodeKeyNotFound
		}
	case domain.OpAdd:
		if exists {
			return CodeKeyExists
		}
		c.store[key] = req.Value
	case domain.OpReplace, domain.OpSubdocMutation:
		if !exists {
			return CodeKeyNotFound
		}
		c.store[key] = req.Value
	case domain.OpDelete:
		if !exists {
			return CodeKeyNotFound
		}
		delete(c.store, key)
	case domain.OpAppend:
		c.store[key] = append(append([]byte(nil), c.store[key]...), req.Value...)
	case domain.OpPrepend:
		c.store[key] = append(append([]byte(nil), req.Value...), c.store[key]...)
	case domain.OpSet, domain.OpIncrement, domain.OpDecrement:
		c.store[key] = req.Value
	}
	return CodeSuccess
}
