package domain

import (
	"encoding/json"
	"fmt"
)

// MessageType is the discriminator of a signaling message.
type MessageType string

const (
	MessageConnected    MessageType = "connected"
	MessageUserJoined   MessageType = "user_joined"
	MessageUserLeft     MessageType = "user_left"
	MessageOffer        MessageType = "offer"
	MessageAnswer       MessageType = "answer"
	MessageICECandidate MessageType = "ice-candidate"
	MessageCallStarted  MessageType = "call_started"
	MessageCallEnded    MessageType = "call_ended"
)

// IsSignaling reports whether t is one of the call signaling types. Anything
// else travelling over the session channel is a generic session event.
func (t MessageType) IsSignaling() bool {
	switch t {
	case MessageConnected, MessageUserJoined, MessageUserLeft,
		MessageOffer, MessageAnswer, MessageICECandidate,
		MessageCallStarted, MessageCallEnded:
		return true
	}
	return false
}

// Message is the JSON envelope exchanged with the session relay.
type Message struct {
	Type         MessageType     `json:"type"`
	UserID       string          `json:"user_id,omitempty"`
	TargetUserID string          `json:"target_user_id,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	InitiatedBy  string          `json:"initiated_by,omitempty"`
	EndedBy      string          `json:"ended_by,omitempty"`

	// connected metadata
	SessionID    string   `json:"session_id,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

// SDPPayload is the JSON structure for SDP offer/answer data.
type SDPPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidatePayload is the JSON structure for ICE candidate data.
type ICECandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// NewDescriptionMessage builds an offer or answer addressed to target.
func NewDescriptionMessage(target string, sdp SDPPayload) (Message, error) {
	data, err := json.Marshal(sdp)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s: %w", sdp.Type, err)
	}
	return Message{
		Type:         MessageType(sdp.Type),
		TargetUserID: target,
		Data:         data,
	}, nil
}

// NewCandidateMessage builds an ice-candidate message addressed to target.
func NewCandidateMessage(target string, c ICECandidatePayload) (Message, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return Message{}, fmt.Errorf("marshal candidate: %w", err)
	}
	return Message{
		Type:         MessageICECandidate,
		TargetUserID: target,
		Data:         data,
	}, nil
}

// Description decodes the session description carried by an offer or answer.
func (m Message) Description() (SDPPayload, error) {
	var sdp SDPPayload
	if len(m.Data) == 0 {
		return sdp, fmt.Errorf("%s without data", m.Type)
	}
	if err := json.Unmarshal(m.Data, &sdp); err != nil {
		return sdp, fmt.Errorf("decode %s: %w", m.Type, err)
	}
	if sdp.Type == "" {
		sdp.Type = string(m.Type)
	}
	if sdp.Type != string(m.Type) {
		return sdp, fmt.Errorf("%s carries a %q description", m.Type, sdp.Type)
	}
	if sdp.SDP == "" {
		return sdp, fmt.Errorf("%s with empty sdp", m.Type)
	}
	return sdp, nil
}

// Candidate decodes the ICE candidate carried by an ice-candidate message.
func (m Message) Candidate() (ICECandidatePayload, error) {
	var c ICECandidatePayload
	if len(m.Data) == 0 {
		return c, fmt.Errorf("%s without data", m.Type)
	}
	if err := json.Unmarshal(m.Data, &c); err != nil {
		return c, fmt.Errorf("decode candidate: %w", err)
	}
	return c, nil
}
