package priority

import (
	"sync"

	"kptv-failover/work/types"
)

// Item is one queued candidate with its score.
type Item struct {
	Candidate types.SourceCandidate
	Score     float64
}

// Queue orders candidates by non-increasing score. Insertion is stable: an
// item goes in front of the first element with a strictly lower score, so
// equal scores keep their encounter order.
type Queue struct {
	mu    sync.Mutex
	items []Item
}

func NewQueue() *Queue {
	return &Queue{}
}

// Build scores and enqueues every candidate in order.
func Build(cands []types.SourceCandidate, scorer *Scorer) *Queue {
	q := &Queue{items: make([]Item, 0, len(cands))}
	for _, c := range cands {
		score, _ := scorer.Score(c)
		q.Enqueue(c, score)
	}
	return q
}

func (q *Queue) Enqueue(c types.SourceCandidate, score float64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	pos := len(q.items)
	for i, it := range q.items {
		if it.Score < score {
			pos = i
			break
		}
	}

	q.items = append(q.items, Item{})
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = Item{Candidate: c, Score: score}
}

// Dequeue pops the front item.
func (q *Queue) Dequeue() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return Item{}, false
	}
	it := q.items[0]
	q.items = q.items[1:]
	return it, true
}

// DequeueBatch pops up to n items from the front.
func (q *Queue) DequeueBatch(n int) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.items) {
		n = len(q.items)
	}
	if n <= 0 {
		return nil
	}
	batch := make([]Item, n)
	copy(batch, q.items[:n])
	q.items = q.items[n:]
	return batch
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the queue contents in order.
func (q *Queue) Items() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Item, len(q.items))
	copy(out, q.items)
	return out
}
