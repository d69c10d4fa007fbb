package session

// State is the controller's position in the submission cycle.
type State int32

const (
	Idle State = iota
	AwaitingInput
	RequestInFlight
	Rendering
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case AwaitingInput:
		return "awaiting_input"
	case RequestInFlight:
		return "request_in_flight"
	case Rendering:
		return "rendering"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
