package buffer

// DelayAligner is a bounded FIFO that delays near-end buffers by a
// configured number of blocks before they are paired with the far-end
// reference. The reference stream arrives late relative to the echo it
// causes, so the near-end stream is deliberately held back.
type DelayAligner struct {
	delay int
	queue []*Block
}

// NewDelayAligner creates an aligner with the given delay depth, in blocks.
func NewDelayAligner(delay int) *DelayAligner {
	return &DelayAligner{delay: delay}
}

// Push appends a block, taking ownership of it.
func (a *DelayAligner) Push(b *Block) {
	a.queue = append(a.queue, b)
}

// PopReady removes and returns the oldest block, or nil while the queue
// depth does not exceed the configured delay. Ownership moves to the
// caller. Blocks come out in push order with none skipped or duplicated.
func (a *DelayAligner) PopReady() *Block {
	if len(a.queue) <= a.delay {
		return nil
	}
	b := a.queue[0]
	a.queue[0] = nil
	a.queue = a.queue[1:]
	return b
}

// Len returns the current queue depth.
func (a *DelayAligner) Len() int { return len(a.queue) }

// Flush releases every queued block and empties the queue.
func (a *DelayAligner) Flush() {
	for _, b := range a.queue {
		b.Release()
	}
	a.queue = a.queue[:0]
}
