package voice

import "github.com/google/uuid"

type NoticeKind uint8

const (
	// NoticePeerUnreachable: negotiation with one peer failed for good. The
	// rest of the session is unaffected.
	NoticePeerUnreachable NoticeKind = iota + 1
	// NoticeSignalingLost: the subscription ended and will not resume.
	NoticeSignalingLost
	// NoticeLeaveDeferred: the session row could not be deleted and is being
	// retried in the background.
	NoticeLeaveDeferred
)

func (k NoticeKind) String() string {
	switch k {
	case NoticePeerUnreachable:
		return "peer_unreachable"
	case NoticeSignalingLost:
		return "signaling_lost"
	case NoticeLeaveDeferred:
		return "leave_deferred"
	default:
		return "unknown"
	}
}

// Notice reports a failure that does not abort the session.
type Notice struct {
	Kind      NoticeKind
	ChannelID uuid.UUID
	PeerID    uuid.UUID
	Err       error
}
