package voice

import "errors"

var (
	ErrAuthenticationRequired = errors.New("authentication required")
	ErrAlreadyInOtherChannel  = errors.New("already in another voice channel")
	ErrSignaling              = errors.New("signaling failure")
	ErrNegotiation            = errors.New("negotiation failure")
	ErrPersistence            = errors.New("persistence failure")

	ErrJoinInProgress = errors.New("join already in progress")
	ErrJoinAborted    = errors.New("join aborted by leave")
	ErrNotJoined      = errors.New("not in a voice channel")
)
