package constant

// Ключи атрибутов slog
const (
	Error     = "error"
	UserID    = "user_id"
	ChannelID = "channel_id"
	PeerID    = "peer_id"
	Phase     = "phase"
	State     = "state"
	Topic     = "topic"
	Attempt   = "attempt"
	Kind      = "kind"
	Count     = "count"
)
