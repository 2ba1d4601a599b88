// Package queue provides the FIFO admission queue that bounds session
// concurrency. Sessions above the parallel cap wait here in arrival order.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"
)

var (
	// ErrQueueFull is returned when the queue is at max capacity.
	ErrQueueFull = errors.New("queue is full")
	// ErrSessionQueued is returned when a session is already waiting.
	ErrSessionQueued = errors.New("session already queued")
)

// Item is one waiting session.
type Item struct {
	SessionID string
	QueuedAt  time.Time

	seq   uint64 // admission order
	index int    // heap index
}

// itemHeap orders by admission sequence, so dequeue is strictly FIFO even
// after removals from the middle.
type itemHeap []*Item

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return h[i].seq < h[j].seq }
func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*Item)
	item.index = n
	*h = append(*h, item)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// Queue is a bounded FIFO with O(1) membership checks and O(log n) removal
// of sessions cancelled while waiting.
type Queue struct {
	mu      sync.RWMutex
	heap    itemHeap
	byID    map[string]*Item
	maxSize int
	nextSeq uint64
}

// New creates a queue. maxSize <= 0 means unbounded.
func New(maxSize int) *Queue {
	q := &Queue{
		heap:    make(itemHeap, 0),
		byID:    make(map[string]*Item),
		maxSize: maxSize,
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds a session to the back of the queue.
func (q *Queue) Enqueue(sessionID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.byID[sessionID]; exists {
		return ErrSessionQueued
	}
	if q.maxSize > 0 && len(q.heap) >= q.maxSize {
		return ErrQueueFull
	}

	item := &Item{
		SessionID: sessionID,
		QueuedAt:  time.Now(),
		seq:       q.nextSeq,
	}
	q.nextSeq++

	heap.Push(&q.heap, item)
	q.byID[sessionID] = item
	return nil
}

// Dequeue removes and returns the oldest waiting session, or "" when empty.
func (q *Queue) Dequeue() string {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return ""
	}

	item := heap.Pop(&q.heap).(*Item)
	delete(q.byID, item.SessionID)
	return item.SessionID
}

// Remove takes a session out of the queue, wherever it sits. Returns whether
// the session was waiting.
func (q *Queue) Remove(sessionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, exists := q.byID[sessionID]
	if !exists {
		return false
	}

	heap.Remove(&q.heap, item.index)
	delete(q.byID, sessionID)
	return true
}

// Contains reports whether a session is waiting.
func (q *Queue) Contains(sessionID string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	_, exists := q.byID[sessionID]
	return exists
}

// Len returns the number of waiting sessions.
func (q *Queue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.heap)
}
