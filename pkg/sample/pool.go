package sample

import "fmt"

// Pool is a fixed arena of equally sized buffers allocated once at startup.
// Get and Put never allocate and never block.
type Pool struct {
	size int
	free chan Buffer
}

// NewPool allocates count buffers of size samples each.
func NewPool(count, size int) (*Pool, error) {
	if count <= 0 || size <= 0 {
		return nil, fmt.Errorf("invalid pool dimensions: %d buffers of %d samples", count, size)
	}

	p := &Pool{
		size: size,
		free: make(chan Buffer, count),
	}
	// One backing array keeps the arena contiguous.
	backing := make([]Sample, count*size)
	for i := 0; i < count; i++ {
		p.free <- Buffer(backing[i*size : (i+1)*size : (i+1)*size])
	}
	return p, nil
}

// Get takes a free buffer. It reports false when every buffer is in flight.
func (p *Pool) Get() (Buffer, bool) {
	select {
	case b := <-p.free:
		return b, true
	default:
		return nil, false
	}
}

// Put hands a buffer back. Buffers of the wrong size are ignored.
func (p *Pool) Put(b Buffer) {
	if len(b) != p.size {
		return
	}
	select {
	case p.free <- b:
	default:
		// More buffers returned than allocated; nothing to do.
	}
}

// Available returns the number of free buffers.
func (p *Pool) Available() int {
	return len(p.free)
}

// Size returns the length of every buffer in the pool.
func (p *Pool) Size() int {
	return p.size
}
