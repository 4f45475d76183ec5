package service

import (
	"sort"

	"gradelab/internal/scheduler/model"
)

// jobQueue is a FIFO queue of admitted submissions ordered by enqueue time,
// ties broken by hash. It is not safe for concurrent use on its own; the
// scheduler serializes access under its lock.
type jobQueue struct {
	entries []model.QueueEntry
	index   map[string]struct{}
}

func newJobQueue() *jobQueue {
	return &jobQueue{index: make(map[string]struct{})}
}

// enqueue inserts the entry at its ordered position. Duplicate hashes are
// ignored.
func (q *jobQueue) enqueue(entry model.QueueEntry) {
	if _, ok := q.index[entry.Hash]; ok {
		return
	}
	pos := sort.Search(len(q.entries), func(i int) bool {
		return entry.Less(q.entries[i])
	})
	q.entries = append(q.entries, model.QueueEntry{})
	copy(q.entries[pos+1:], q.entries[pos:])
	q.entries[pos] = entry
	q.index[entry.Hash] = struct{}{}
}

// dequeue removes and returns the head entry. The second return is false when
// the queue is empty.
func (q *jobQueue) dequeue() (model.QueueEntry, bool) {
	if len(q.entries) == 0 {
		return model.QueueEntry{}, false
	}
	entry := q.entries[0]
	q.entries = q.entries[1:]
	delete(q.index, entry.Hash)
	return entry, true
}

// positionOf returns the 1-based rank of hash among queued entries, or 0 when
// the hash is not queued. The value is advisory and may be stale the instant
// it is read.
func (q *jobQueue) positionOf(hash string) int {
	if _, ok := q.index[hash]; !ok {
		return 0
	}
	for i, entry := range q.entries {
		if entry.Hash == hash {
			return i + 1
		}
	}
	return 0
}

func (q *jobQueue) contains(hash string) bool {
	_, ok := q.index[hash]
	return ok
}

func (q *jobQueue) len() int {
	return len(q.entries)
}
