package orchestrator

import "sync/atomic"

// State is a lifecycle phase of a run.
type State int32

const (
	Idle State = iota
	Starting
	Running
	Stopping
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// states lists every state in lifecycle order.
func states() []State {
	return []State{Idle, Starting, Running, Stopping, Terminated}
}

type stateMachine struct {
	v atomic.Int32
}

func (m *stateMachine) load() State {
	return State(m.v.Load())
}

// transition moves from -> to and reports whether the state was from.
func (m *stateMachine) transition(from, to State) bool {
	return m.v.CompareAndSwap(int32(from), int32(to))
}

func (m *stateMachine) set(to State) {
	m.v.Store(int32(to))
}
