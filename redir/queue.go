package redir

import (
	"sync"

	"go.uber.org/atomic"
)

type writeBuf struct {
	buf []byte
	pos int
}

// writeQueue is the FIFO of serialized packets awaiting transmission.
// The total byte count is kept in an atomic so it can be read without
// taking the queue lock from the iso back-pressure path.
type writeQueue struct {
	mu    sync.Mutex
	bufs  []*writeBuf
	total *atomic.Uint64
}

func newWriteQueue() *writeQueue {
	return &writeQueue{total: atomic.NewUint64(0)}
}

func (q *writeQueue) push(buf []byte) {
	q.mu.Lock()
	q.bufs = append(q.bufs, &writeBuf{buf: buf})
	q.total.Add(uint64(len(buf)))
	q.mu.Unlock()
}

func (q *writeQueue) count() int {
	q.mu.Lock()
	n := len(q.bufs)
	q.mu.Unlock()
	return n
}

func (q *writeQueue) size() uint64 {
	return q.total.Load()
}
