package webrtc

import "github.com/pion/webrtc/v3"

// CandidateQueue holds remote candidates that arrived before the remote
// description, in arrival order.
type CandidateQueue struct {
	items []webrtc.ICECandidateInit
}

func (q *CandidateQueue) Push(c webrtc.ICECandidateInit) {
	q.items = append(q.items, c)
}

// Drain returns every queued candidate and empties the queue.
func (q *CandidateQueue) Drain() []webrtc.ICECandidateInit {
	items := q.items
	q.items = nil
	return items
}

func (q *CandidateQueue) Len() int {
	return len(q.items)
}
