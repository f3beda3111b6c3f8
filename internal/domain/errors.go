package domain

import "errors"

// Call errors. Wrapped errors keep these as their root so callers can use
// errors.Is.
var (
	ErrMediaAccessDenied    = errors.New("media access denied")
	ErrDeviceUnavailable    = errors.New("media device unavailable")
	ErrSignalingUnavailable = errors.New("signaling unavailable")
	ErrOfferHandlingFailed  = errors.New("offer handling failed")
	ErrAnswerHandlingFailed = errors.New("answer handling failed")
	ErrIceApplyFailed       = errors.New("ice candidate apply failed")

	ErrConnectionFailed  = errors.New("peer connection failed")
	ErrSecondRemote      = errors.New("session already has a remote participant")
	ErrGlare             = errors.New("offer collision")
	ErrCallInProgress    = errors.New("call already in progress")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotConnected      = errors.New("session not connected")
	ErrAlreadyConnected  = errors.New("session already connected")
	ErrNoLocalMedia      = errors.New("no local media")
)
