package domain

import "fmt"

// Participant is one side of a call.
type Participant struct {
	UserID string `json:"user_id"`
}

// Session is a two-party learning session. Remote is populated lazily and is
// never more than one participant.
type Session struct {
	ID     string
	Self   Participant
	Remote *Participant
	Status ConnectionStatus
}

// NewSession creates a session in the initial state.
func NewSession(id, selfID string) *Session {
	return &Session{
		ID:     id,
		Self:   Participant{UserID: selfID},
		Status: StatusDisconnected,
	}
}

// Join records userID as the remote participant. Joining as self, or re-joining
// as the current remote, is a no-op. A different second remote is rejected.
func (s *Session) Join(userID string) (bool, error) {
	if userID == "" || userID == s.Self.UserID {
		return false, nil
	}
	if s.Remote != nil {
		if s.Remote.UserID == userID {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s is in the call, %s tried to join", ErrSecondRemote, s.Remote.UserID, userID)
	}
	s.Remote = &Participant{UserID: userID}
	return true, nil
}

// Leave removes userID if it is the remote participant.
func (s *Session) Leave(userID string) bool {
	if s.Remote == nil || s.Remote.UserID != userID {
		return false
	}
	s.Remote = nil
	return true
}

// RemoteID returns the remote user id or "" when nobody has joined.
func (s *Session) RemoteID() string {
	if s.Remote == nil {
		return ""
	}
	return s.Remote.UserID
}
