package endpoint

import (
	"sync"

	"github.com/vuemix/echotap/internal/buffer"
)

// packetQueue is the bounded handoff between the native audio callback and
// the capture loop. The callback must never block, so a full queue drops
// the oldest packet. Invalidation empties the queue and makes every
// subsequent pop fail.
type packetQueue struct {
	mu          sync.Mutex
	blocks      []*buffer.Block
	max         int
	ready       chan struct{}
	invalidated bool
}

func newPacketQueue(max int, signal bool) *packetQueue {
	q := &packetQueue{max: max}
	if signal {
		q.ready = make(chan struct{}, 1)
	}
	return q
}

// push enqueues a block, dropping the oldest packet when full, and raises
// the ready signal.
func (q *packetQueue) push(b *buffer.Block) {
	q.mu.Lock()
	if q.invalidated {
		q.mu.Unlock()
		b.Release()
		return
	}
	if len(q.blocks) >= q.max {
		old := q.blocks[0]
		q.blocks = q.blocks[1:]
		old.Release()
	}
	q.blocks = append(q.blocks, b)
	q.mu.Unlock()

	if q.ready != nil {
		select {
		case q.ready <- struct{}{}:
		default:
		}
	}
}

// pop dequeues the oldest block. It returns (nil, nil) when empty and
// ErrDeviceInvalidated once the device is gone.
func (q *packetQueue) pop() (*buffer.Block, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.invalidated {
		return nil, ErrDeviceInvalidated
	}
	if len(q.blocks) == 0 {
		return nil, nil
	}
	b := q.blocks[0]
	q.blocks[0] = nil
	q.blocks = q.blocks[1:]
	return b, nil
}

// invalidate marks the device gone and releases everything still queued.
func (q *packetQueue) invalidate() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.invalidated = true
	for _, b := range q.blocks {
		b.Release()
	}
	q.blocks = nil
}

// drain releases all queued blocks without invalidating.
func (q *packetQueue) drain() {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, b := range q.blocks {
		b.Release()
	}
	q.blocks = nil
}
