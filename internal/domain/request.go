package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Opcode identifies the KV command carried by a request. Only the
// distinction between read and mutation matters to retry admission.
type Opcode uint8

const (
	OpGet Opcode = iota
	OpGetReplica
	OpTouch
	OpGetAndLock
	OpUnlock
	OpSet
	OpAdd
	OpReplace
	OpDelete
	OpIncrement
	OpDecrement
	OpAppend
	OpPrepend
	OpObserve
	OpSubdocLookup
	OpSubdocMutation
)

var opcodeNames = [...]string{
	OpGet:            "get",
	OpGetReplica:     "get_replica",
	OpTouch:          "touch",
	OpGetAndLock:     "get_and_lock",
	OpUnlock:         "unlock",
	OpSet:            "set",
	OpAdd:            "add",
	OpReplace:        "replace",
	OpDelete:         "delete",
	OpIncrement:      "increment",
	OpDecrement:      "decrement",
	OpAppend:         "append",
	OpPrepend:        "prepend",
	OpObserve:        "observe",
	OpSubdocLookup:   "subdoc_lookup",
	OpSubdocMutation: "subdoc_mutation",
}

func (o Opcode) String() string {
	if int(o) < len(opcodeNames) {
		return opcodeNames[o]
	}
	return "unknown"
}

// ParseOpcode resolves a command name such as "get" or "subdoc_mutation".
func ParseOpcode(name string) (Opcode, error) {
	for i, n := range opcodeNames {
		if n == name {
			return Opcode(i), nil
		}
	}
	return 0, fmt.Errorf("unknown opcode %q", name)
}

// IsRead reports whether the command only retrieves data.
func (o Opcode) IsRead() bool {
	switch o {
	case OpGet, OpGetReplica, OpObserve, OpSubdocLookup:
		return true
	}
	return false
}

// IsIdempotent reports whether repeating the command cannot change the
// outcome. Add is safe because a duplicate fails with KEY_EXISTS.
func (o Opcode) IsIdempotent() bool {
	if o.IsRead() {
		return true
	}
	switch o {
	case OpSet, OpReplace, OpAdd, OpDelete, OpUnlock:
		return true
	}
	return false
}

// Request is a KV operation payload. It is exclusively owned either by the
// transport or by the retry queue, never both.
type Request struct {
	ID           string        `json:"id"`
	Key          []byte        `json:"key"`
	Value        []byte        `json:"value,omitempty"`
	Opcode       Opcode        `json:"opcode"`
	Opaque       uint32        `json:"opaque"`
	CollectionID uint32        `json:"collection_id"`
	Timeout      time.Duration `json:"timeout,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`

	// Retry is the out-of-band tag maintained by the retry queue. It
	// survives redispatch so a returning request is recognised without a
	// queue lookup.
	Retry RetryTag `json:"-"`
}

// RetryTag is retry state attached to a request.
type RetryTag struct {
	// Detached is set once the request has been handed to the retry queue.
	Detached bool
	// Queued is true while the request sits in the retry queue.
	Queued bool
	// Handle addresses the queue slot while Queued.
	Handle uint64
	// Attempts counts every re-arm of the logical operation.
	Attempts int
	// FirstSeen is the time of the first retryable failure.
	FirstSeen time.Time
	// OriginErr is the most informative error recorded so far.
	OriginErr Status
}

func NewRequest(op Opcode, key []byte, createdAt time.Time) *Request {
	return &Request{
		ID:        uuid.NewString(),
		Key:       key,
		Opcode:    op,
		CreatedAt: createdAt,
	}
}
