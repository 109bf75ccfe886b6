package order

// Status is the order lifecycle state
type Status int32

const (
	StatusPending Status = iota
	StatusOpen
	StatusPartiallyFilled
	StatusFilled
	StatusCancelled
	StatusRejected
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusOpen:
		return "OPEN"
	case StatusPartiallyFilled:
		return "PARTIALLY_FILLED"
	case StatusFilled:
		return "FILLED"
	case StatusCancelled:
		return "CANCELLED"
	case StatusRejected:
		return "REJECTED"
	case StatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether no further mutation is allowed
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// transitions is the monotone state machine:
// PENDING → {OPEN, PARTIALLY_FILLED, FILLED, REJECTED, EXPIRED}
// OPEN → {PARTIALLY_FILLED, FILLED, CANCELLED, EXPIRED}
// PARTIALLY_FILLED → {FILLED, CANCELLED, EXPIRED}
var transitions = map[Status][]Status{
	StatusPending:         {StatusOpen, StatusPartiallyFilled, StatusFilled, StatusRejected, StatusExpired},
	StatusOpen:            {StatusPartiallyFilled, StatusFilled, StatusCancelled, StatusExpired},
	StatusPartiallyFilled: {StatusFilled, StatusCancelled, StatusExpired},
}

// CanTransitionTo validates a status transition
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
