// Package spscring implements a small fixed pool of pre-allocated byte
// buffers, guarded by a sync.Mutex and sync.Cond (it is not a lock-free
// ring). netstack's Stack.readLoop takes one buffer per read from it and
// returns the buffer once the frame has been copied out.
package spscring

import "sync"

// Ring is a bounded exchange of pooled byte slices of a fixed capacity.
// Get blocks until a buffer is available; Put returns one to the pool.
type Ring struct {
	mu   sync.Mutex
	cond *sync.Cond
	free [][]byte
}

// New creates a Ring with n pre-allocated buffers of the given byte size.
func New(n, size int) *Ring {
	r := &Ring{free: make([][]byte, 0, n)}
	r.cond = sync.NewCond(&r.mu)
	for i := 0; i < n; i++ {
		r.free = append(r.free, make([]byte, size))
	}
	return r
}

// Get removes one buffer from the free pool, blocking if none is available.
func (r *Ring) Get() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.free) == 0 {
		r.cond.Wait()
	}
	n := len(r.free) - 1
	buf := r.free[n]
	r.free = r.free[:n]
	return buf
}

// Put returns buf to the free pool for reuse.
func (r *Ring) Put(buf []byte) {
	r.mu.Lock()
	r.free = append(r.free, buf)
	r.mu.Unlock()
	r.cond.Signal()
}
