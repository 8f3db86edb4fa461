package voice

// NegotiationState is the handshake progress of one negotiation attempt with a
// remote peer.
type NegotiationState uint8

const (
	StateIdle NegotiationState = iota
	StateOfferSent
	StateOfferReceived
	StateAnswerExchanged
	StateConnected
	StateClosed
	StateFailed
)

func (s NegotiationState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOfferSent:
		return "offer_sent"
	case StateOfferReceived:
		return "offer_received"
	case StateAnswerExchanged:
		return "answer_exchanged"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s NegotiationState) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// CanAdvance reports whether to is a legal next state. States only move
// forward; Closed and Failed are reachable from every non-terminal state.
func (s NegotiationState) CanAdvance(to NegotiationState) bool {
	if s.Terminal() {
		return false
	}

	if to.Terminal() {
		return true
	}

	switch s {
	case StateIdle:
		return to == StateOfferSent || to == StateOfferReceived
	case StateOfferSent, StateOfferReceived:
		return to == StateAnswerExchanged
	case StateAnswerExchanged:
		return to == StateConnected
	default:
		return false
	}
}
