package session

import (
	"errors"

	"github.com/peerlearn/callcore/internal/domain"
)

var reasons = []struct {
	err    error
	reason string
}{
	{domain.ErrMediaAccessDenied, "camera or microphone access was denied"},
	{domain.ErrDeviceUnavailable, "no usable camera or microphone was found"},
	{domain.ErrSignalingUnavailable, "could not reach the session server"},
	{domain.ErrOfferHandlingFailed, "could not accept the incoming call"},
	{domain.ErrAnswerHandlingFailed, "the other participant's answer could not be applied"},
	{domain.ErrIceApplyFailed, "a network path from the other participant was rejected"},
	{domain.ErrConnectionFailed, "the connection to the other participant was lost"},
	{domain.ErrSecondRemote, "the session already has two participants"},
	{domain.ErrGlare, "both participants started the call at the same time"},
	{domain.ErrCallInProgress, "a call is already in progress"},
	{domain.ErrNotConnected, "not connected to the session"},
	{domain.ErrNoLocalMedia, "local media is not available"},
}

// Reason returns a message suitable for showing to the user.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	for _, r := range reasons {
		if errors.Is(err, r.err) {
			return r.reason
		}
	}
	return "something went wrong"
}
