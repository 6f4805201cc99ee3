package topology

import "context"

// ThrottlePolicy tells the monitor how eagerly to honour a refresh request.
type ThrottlePolicy int

const (
	// ThrottleDefault lets the gate rate limit the request.
	ThrottleDefault ThrottlePolicy = iota
	// ThrottleAlways forces a refresh.
	ThrottleAlways
)

func (p ThrottlePolicy) String() string {
	if p == ThrottleAlways {
		return "always"
	}
	return "throttle"
}

// Monitor supplies cluster configuration. Implementations must be safe for
// concurrent use; OnChange callbacks may run on any goroutine.
type Monitor interface {
	// Map returns the current vbucket map, or nil before the first
	// configuration arrives.
	Map() *VBucketMap
	// Refresh fetches a new configuration and blocks until it is applied
	// or ctx is done.
	Refresh(ctx context.Context, policy ThrottlePolicy) error
	// Refreshing reports whether the monitor is fetching a configuration.
	Refreshing() bool
	// OnChange registers a callback run after each new map is applied.
	OnChange(fn func())
}
