package limiter

// Phase is the controller state for one period.
type Phase int

const (
	// Running: the group runs for the whole period, no signals are sent.
	Running Phase = iota
	// Throttled: the group runs for work time, then is stopped for the rest.
	Throttled
)

func (p Phase) String() string {
	switch p {
	case Running:
		return "running"
	case Throttled:
		return "throttled"
	default:
		return "unknown"
	}
}

// Reason tells why Run returned.
type Reason string

const (
	ReasonTargetExited Reason = "target exited"
	ReasonCancelled    Reason = "cancelled"
	ReasonNotFound     Reason = "target not found"
	ReasonSourceLost   Reason = "process source unavailable"
	ReasonAbnormal     Reason = "abnormal shutdown"
)
