package worker

// State is a worker lifecycle state.
type State int

// Lifecycle: Unregistered -> Idle -> JobRequested -> Executing -> Reporting -> Idle.
// Unregistered -> Terminated when no identity can be acquired.
const (
	StateUnregistered State = iota
	StateIdle
	StateJobRequested
	StateExecuting
	StateReporting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "unregistered"
	case StateIdle:
		return "idle"
	case StateJobRequested:
		return "job_requested"
	case StateExecuting:
		return "executing"
	case StateReporting:
		return "reporting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}
