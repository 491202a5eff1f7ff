package payment

// State of a payment session.
type State string

const (
	StateIdle      State = "idle"
	StateCreating  State = "creating"
	StateAwaiting  State = "awaiting_payment"
	StatePaid      State = "paid"
	StateExpired   State = "expired"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition can leave the state.
func (s State) Terminal() bool {
	switch s {
	case StatePaid, StateExpired, StateCancelled:
		return true
	default:
		return false
	}
}

// String returns the string representation.
func (s State) String() string {
	return string(s)
}
