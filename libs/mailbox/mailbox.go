// Package mailbox hands completed frames from the receive loop to a consumer
// through a single slot where the newest frame always wins.
package mailbox

import (
	"sync"
	"time"

	"github.com/netfuser/fuser/libs/reasm"
)

// Mailbox is a one-deep, overwrite-on-put frame buffer. Put never blocks; a
// frame that is not taken before the next Put is dropped.
type Mailbox struct {
	lock sync.Mutex
	cvar *sync.Cond

	pending    reasm.Frame
	ready      bool
	closed     bool
	puts       uint64
	overwrites uint64
}

// New creates an empty mailbox.
func New() *Mailbox {
	mb := &Mailbox{}
	mb.cvar = sync.NewCond(&mb.lock)
	return mb
}

// Put copies f into the mailbox, replacing any unread frame. The caller keeps
// ownership of f.Pixels.
func (mb *Mailbox) Put(f reasm.Frame) {
	mb.lock.Lock()
	defer mb.lock.Unlock()
	if mb.closed {
		return
	}
	if mb.ready {
		mb.overwrites++
	}
	buf := mb.pending.Pixels
	if cap(buf) < len(f.Pixels) {
		buf = make([]byte, len(f.Pixels))
	}
	buf = buf[:len(f.Pixels)]
	copy(buf, f.Pixels)
	mb.pending = f
	mb.pending.Pixels = buf
	mb.ready = true
	mb.puts++
	mb.cvar.Signal()
}

// Wait blocks until a frame is pending, the mailbox is closed, or timeout
// passes. On success the pending frame is swapped into dst and dst's old
// buffer goes back to the mailbox for reuse.
func (mb *Mailbox) Wait(dst *reasm.Frame, timeout time.Duration) bool {
	mb.lock.Lock()
	defer mb.lock.Unlock()
	if !mb.ready && !mb.closed && timeout > 0 {
		deadline := time.Now().Add(timeout)
		timer := time.AfterFunc(timeout, func() {
			mb.lock.Lock()
			mb.cvar.Broadcast()
			mb.lock.Unlock()
		})
		defer timer.Stop()
		for !mb.ready && !mb.closed && time.Now().Before(deadline) {
			mb.cvar.Wait()
		}
	}
	if !mb.ready {
		return false
	}
	spare := dst.Pixels
	*dst = mb.pending
	mb.pending = reasm.Frame{Pixels: spare[:0]}
	mb.ready = false
	return true
}

// Close wakes every waiter; later Puts are ignored.
func (mb *Mailbox) Close() {
	mb.lock.Lock()
	defer mb.lock.Unlock()
	mb.closed = true
	mb.cvar.Broadcast()
}

// Overwrites counts frames replaced before anyone read them.
func (mb *Mailbox) Overwrites() uint64 {
	mb.lock.Lock()
	defer mb.lock.Unlock()
	return mb.overwrites
}

// Puts counts every frame ever put.
func (mb *Mailbox) Puts() uint64 {
	mb.lock.Lock()
	defer mb.lock.Unlock()
	return mb.puts
}

// Closed reports whether Close has been called.
func (mb *Mailbox) Closed() bool {
	mb.lock.Lock()
	defer mb.lock.Unlock()
	return mb.closed
}
