package connection

import (
	"testing"

	"github.com/peerlearn/callcore/internal/connection/peertest"
)

func TestIceQueue_DrainPreservesOrder(t *testing.T) {
	var q IceQueue
	addrs := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
	for _, a := range addrs {
		q.Push(peertest.Candidate(a))
	}
	if q.Len() != 3 {
		t.Fatalf("expected 3 queued, got %d", q.Len())
	}

	got := q.Drain()
	for i, a := range addrs {
		if got[i].Candidate != peertest.Candidate(a).Candidate {
			t.Errorf("position %d: expected %s", i, a)
		}
	}
	if q.Len() != 0 || q.Drain() != nil {
		t.Error("expected queue empty after drain")
	}
}

func TestIceQueue_Reset(t *testing.T) {
	var q IceQueue
	q.Push(peertest.Candidate("10.0.0.1"))
	q.Reset()
	if q.Len() != 0 {
		t.Errorf("expected empty queue, got %d", q.Len())
	}
}
