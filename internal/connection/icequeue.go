package connection

import "github.com/peerlearn/callcore/internal/domain"

// IceQueue holds ICE candidates until they can be applied or sent. Candidates
// leave in arrival order.
type IceQueue struct {
	items []domain.ICECandidatePayload
}

// Push appends c.
func (q *IceQueue) Push(c domain.ICECandidatePayload) {
	q.items = append(q.items, c)
}

// Len reports the number of held candidates.
func (q *IceQueue) Len() int {
	return len(q.items)
}

// Drain empties the queue and returns its candidates in arrival order.
func (q *IceQueue) Drain() []domain.ICECandidatePayload {
	items := q.items
	q.items = nil
	return items
}

// Reset discards every held candidate.
func (q *IceQueue) Reset() {
	q.items = nil
}
