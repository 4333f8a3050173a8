package engine

// State is the pipeline lifecycle state. Transitions only move
// Uninitialized → Active → Failed → Reconnecting → Active; endpoints and
// the processor are recreated wholesale on every transition into Active,
// never incrementally repaired.
type State int32

const (
	StateUninitialized State = iota
	StateActive
	StateFailed
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	case StateReconnecting:
		return "reconnecting"
	}
	return "unknown"
}
