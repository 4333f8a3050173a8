// Package buffer provides the fixed-capacity media buffers that move
// through the capture pipeline, a reuse pool for them, and the delay
// aligner that staggers the near-end stream ahead of echo cancellation.
package buffer

import (
	"fmt"
	"io"
	"sync"
)

// Block is an owned, fixed-capacity byte buffer with a logical length and a
// capture timestamp in nanoseconds. Blocks are single-writer at creation,
// moved between pipeline stages, and finished by exactly one stage calling
// Release.
type Block struct {
	data []byte
	n    int
	ts   uint64
	pool *Pool
}

// NewBlock allocates a standalone block that is not managed by any pool.
// Release on a standalone block is a no-op, so it can be reused freely.
func NewBlock(capacity int) *Block {
	return &Block{data: make([]byte, capacity)}
}

// Data returns the full capacity slice for writing.
func (b *Block) Data() []byte { return b.data }

// Bytes returns the filled portion of the block.
func (b *Block) Bytes() []byte { return b.data[:b.n] }

// Len returns the logical length in bytes.
func (b *Block) Len() int { return b.n }

// Cap returns the block capacity in bytes.
func (b *Block) Cap() int { return len(b.data) }

// SetLen sets the logical length. Lengths beyond capacity are a programming
// error.
func (b *Block) SetLen(n int) {
	if n < 0 || n > len(b.data) {
		panic(fmt.Sprintf("buffer: length %d exceeds capacity %d", n, len(b.data)))
	}
	b.n = n
}

// Timestamp returns the capture timestamp in nanoseconds.
func (b *Block) Timestamp() uint64 { return b.ts }

// SetTimestamp sets the capture timestamp in nanoseconds.
func (b *Block) SetTimestamp(ts uint64) { b.ts = ts }

// WriteTo writes the filled portion to w. Used by the diagnostic dumps.
func (b *Block) WriteTo(w io.Writer) (int64, error) {
	n, err := w.Write(b.data[:b.n])
	return int64(n), err
}

// Release returns the block to its pool. The block must not be used after.
func (b *Block) Release() {
	if b.pool != nil {
		b.pool.put(b)
	}
}

// Pool hands out fixed-capacity blocks and recycles released ones, so the
// steady-state capture path does not allocate per cycle. Exhaustion is an
// invariant violation, not a recoverable condition: a bounded pipeline can
// only have a bounded number of blocks in flight.
type Pool struct {
	mu   sync.Mutex
	free []*Block
	size int
	out  int
	max  int
}

// NewPool creates a pool of blocks of the given byte capacity. maxBlocks
// bounds the number of blocks that may be in flight at once.
func NewPool(blockSize, maxBlocks int) *Pool {
	return &Pool{size: blockSize, max: maxBlocks}
}

// Get returns a zero-length block stamped with ts. It panics when more than
// the configured maximum are in flight, which means a stage is leaking
// blocks instead of releasing them.
func (p *Pool) Get(ts uint64) *Block {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.out >= p.max {
		panic(fmt.Sprintf("buffer: pool exhausted, %d blocks in flight", p.out))
	}
	p.out++

	var b *Block
	if n := len(p.free); n > 0 {
		b = p.free[n-1]
		p.free = p.free[:n-1]
	} else {
		b = &Block{data: make([]byte, p.size), pool: p}
	}
	b.n = 0
	b.ts = ts
	return b
}

// InFlight returns the number of blocks currently checked out.
func (p *Pool) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.out
}

func (p *Pool) put(b *Block) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out--
	p.free = append(p.free, b)
}
