package retry

import (
	"fmt"
	"strings"

	"github.com/felipemaragno/retryq/internal/domain"
)

// Class groups statuses by what the client should do with them.
type Class int

const (
	ClassSuccess Class = iota
	// ClassTransient failures are held in the retry queue.
	ClassTransient
	// ClassPermanent failures are surfaced to the caller immediately.
	ClassPermanent
)

// Classify maps a status onto a Class. Statuses without an explicit
// permanent classification are transient.
func Classify(s domain.Status) Class {
	switch s {
	case domain.StatusSuccess:
		return ClassSuccess
	case domain.StatusAuthError,
		domain.StatusInvalidArgument,
		domain.StatusKeyNotFound,
		domain.StatusKeyExists,
		domain.StatusShutdown:
		return ClassPermanent
	}
	return ClassTransient
}

// Reason is the circumstance that caused a retry.
type Reason int

const (
	ReasonTopologyChange Reason = iota
	ReasonSocketError
	ReasonVBucketMapError
	ReasonMissingNode
	reasonMax
)

var reasonNames = [...]string{
	ReasonTopologyChange:  "topochange",
	ReasonSocketError:     "sockerr",
	ReasonVBucketMapError: "maperr",
	ReasonMissingNode:     "missingnode",
}

func (r Reason) String() string {
	if r >= 0 && r < reasonMax {
		return reasonNames[r]
	}
	return "unknown"
}

// ReasonFor returns the retry reason a status falls under.
func ReasonFor(s domain.Status) (Reason, bool) {
	switch s {
	case domain.StatusTimeout, domain.StatusMapChanged:
		return ReasonTopologyChange, true
	case domain.StatusNotMyVbucket:
		return ReasonVBucketMapError, true
	case domain.StatusNoMatchingServer:
		return ReasonMissingNode, true
	}
	if s.IsNetwork() {
		return ReasonSocketError, true
	}
	return 0, false
}

// CommandPolicy selects which commands may be retried for a Reason.
type CommandPolicy uint8

const (
	CommandsNone CommandPolicy = 0x00
	CommandsGet  CommandPolicy = 0x01
	CommandsSafe CommandPolicy = 0x03
	CommandsAll  CommandPolicy = 0x07
)

func (p CommandPolicy) String() string {
	switch p {
	case CommandsNone:
		return "none"
	case CommandsGet:
		return "get"
	case CommandsSafe:
		return "safe"
	case CommandsAll:
		return "all"
	}
	return fmt.Sprintf("policy(%#x)", uint8(p))
}

// Modes holds one CommandPolicy per Reason.
type Modes [reasonMax]CommandPolicy

func DefaultModes() Modes {
	var m Modes
	m[ReasonTopologyChange] = CommandsAll
	m[ReasonSocketError] = CommandsSafe
	m[ReasonVBucketMapError] = CommandsAll
	m[ReasonMissingNode] = CommandsNone
	return m
}

// Set overrides the policy for one reason.
func (m *Modes) Set(r Reason, p CommandPolicy) {
	if r >= 0 && r < reasonMax {
		m[r] = p
	}
}

func (m Modes) Get(r Reason) CommandPolicy {
	if r >= 0 && r < reasonMax {
		return m[r]
	}
	return CommandsNone
}

// ShouldRetry decides whether a request failing with s may enter the retry
// queue. Statuses without a Reason are admitted when transient.
func (m Modes) ShouldRetry(op domain.Opcode, s domain.Status) bool {
	if Classify(s) != ClassTransient {
		return false
	}
	reason, ok := ReasonFor(s)
	if !ok {
		return true
	}
	if op == domain.OpObserve {
		return true
	}

	policy := m.Get(reason)
	switch {
	case policy == CommandsAll:
		return true
	case policy == CommandsNone:
		return false
	case policy&CommandsGet != 0 && op.IsRead():
		return true
	case policy&CommandsSafe == CommandsSafe && op.IsIdempotent():
		return true
	}
	return false
}

// ParseMode parses "reason:policy", e.g. "sockerr:safe".
func ParseMode(s string) (Reason, CommandPolicy, error) {
	name, pol, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, 0, fmt.Errorf("retry mode %q: expected reason:policy", s)
	}

	reason := Reason(-1)
	for i, n := range reasonNames {
		if n == name {
			reason = Reason(i)
		}
	}
	if reason < 0 {
		return 0, 0, fmt.Errorf("retry mode %q: unknown reason %q", s, name)
	}

	var policy CommandPolicy
	switch pol {
	case "none":
		policy = CommandsNone
	case "get":
		policy = CommandsGet
	case "safe":
		policy = CommandsSafe
	case "all":
		policy = CommandsAll
	default:
		return 0, 0, fmt.Errorf("retry mode %q: unknown policy %q", s, pol)
	}
	return reason, policy, nil
}
