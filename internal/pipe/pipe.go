// Package pipe implements spec §4.J: a fixed-size ring buffer connecting a
// read end and a write end, with blocking backpressure and a close-both-
// ends teardown. Grounded on biscuit/syscall.go's pipe_t, translated from
// its per-instance goroutine reading/writing over a set of channels to a
// single sync.Cond guarding a shared buffer directly, and on
// original_source/xv6's pipe.c for the ring-buffer/backpressure semantics
// (fixed capacity, block when full, EPIPE once the read end is gone).
package pipe

import (
	"sync"

	"gophix/internal/defs"
)

// Size is the fixed ring-buffer capacity of spec §4.J.
const Size = 512

// Pipe is the shared buffer behind a pair of file descriptors.
type Pipe struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf        [Size]byte
	nread      int
	nwrite     int
	readOpen   bool
	writeOpen  bool
}

// New returns a pipe with both ends open.
func New() *Pipe {
	p := &Pipe{readOpen: true, writeOpen: true}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// CloseRead and CloseWrite tear down one end and wake anyone blocked on the
// other, so a writer blocked on a full pipe sees EPIPE once the reader is
// gone, and a reader blocked on an empty pipe sees EOF once the writer is
// gone.
func (p *Pipe) CloseRead() {
	p.mu.Lock()
	p.readOpen = false
	p.cond.Broadcast()
	p.mu.Unlock()
}

func (p *Pipe) CloseWrite() {
	p.mu.Lock()
	p.writeOpen = false
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Write blocks while the ring is full and the read end is still open,
// copying bytes in one at a time (mirrors biscuit's pipe_write loop so
// partial-capacity writes interleave fairly with a concurrent reader).
func (p *Pipe) Write(data []byte) (int, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.writeOpen {
		panic("pipe: write on closed write end")
	}
	n := 0
	for n < len(data) {
		if !p.readOpen {
			return n, defs.EPIPE
		}
		if p.nwrite-p.nread == Size {
			p.cond.Broadcast()
			p.cond.Wait()
			continue
		}
		p.buf[p.nwrite%Size] = data[n]
		p.nwrite++
		n++
	}
	p.cond.Broadcast()
	return n, 0
}

// Read blocks while the ring is empty and the write end is still open,
// returning 0 bytes once the write end closes with nothing left buffered
// (end of file).
func (p *Pipe) Read(dst []byte) (int, defs.Err_t) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.readOpen {
		panic("pipe: read on closed read end")
	}
	for p.nread == p.nwrite && p.writeOpen {
		p.cond.Wait()
	}
	n := 0
	for n < len(dst) && p.nread < p.nwrite {
		dst[n] = p.buf[p.nread%Size]
		p.nread++
		n++
	}
	p.cond.Broadcast()
	return n, 0
}
