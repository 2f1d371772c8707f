package cache

// ReadinessState is the lifecycle state of the disk tier as seen by ImageCache.
//
//	Uninitialized -> Initializing -> Ready
//	                              -> Failed
//
// Failed is terminal. Ready moves to Failed only when ImageCache.Clear cannot
// reopen the disk tier.
type ReadinessState int32

const (
	StateUninitialized ReadinessState = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s ReadinessState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON output.
func (s ReadinessState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Settled reports whether the state can no longer change.
func (s ReadinessState) Settled() bool {
	return s == StateReady || s == StateFailed
}
