package session

import (
	"github.com/peerlearn/callcore/internal/connection"
	"github.com/peerlearn/callcore/internal/domain"
)

// event is an input to the coordinator loop.
type event interface{}

// messageEvent is an inbound signaling or session message.
type messageEvent struct {
	msg domain.Message
}

// signalClosedEvent reports that the signaling channel gave up reconnecting.
type signalClosedEvent struct {
	err error
}

// peerEvent wraps a transport callback for the connection manager.
type peerEvent struct {
	ev connection.Event
}

// readyEvent marks the signaling channel usable. Messages arriving before
// it are held so replies are never sent into a nil channel.
type readyEvent struct{}

// callEvent asks the loop to place a call.
type callEvent struct {
	target string
	reply  chan error
}

// handler adapts the signaling callbacks of one connection to loop events.
type handler struct {
	r *run
}

func (h handler) OnMessage(msg domain.Message) { h.r.post(messageEvent{msg: msg}) }
func (h handler) OnClosed(err error)           { h.r.post(signalClosedEvent{err: err}) }
