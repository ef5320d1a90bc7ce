package out

// NetworkMonitorPort reports reachability of the remote backend. The platform
// layer pushes transitions in; the sync manager subscribes to trigger drains.
type NetworkMonitorPort interface {
	IsOnline() bool

	// Subscribe registers a callback invoked on every state transition.
	// The returned function removes the subscription and is idempotent.
	Subscribe(fn func(online bool)) func()
}
