//go:build linux

// File: transport/socket_linux.go
// Author: momentics <momentics@gmail.com>
//
// Non-blocking socket wrapper over a reactor registration. The write side
// writes inline while the kernel accepts bytes and arms EPOLLOUT only on a
// partial write; the read side feeds a type-prefixed framing loop.

package transport

import (
	"sync"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/momentics/netplay/reactor"
)

// DefaultSocketEvents is the base readiness mask of a session socket:
// readable data and peer hangup.
const DefaultSocketEvents = reactor.EventRead | reactor.EventHangup

// pendingWrite is one queued chunk; off marks how much of buf has already
// reached the kernel.
type pendingWrite struct {
	buf []byte
	off int
}

// Socket owns a non-blocking file descriptor registered with a reactor. The
// fd is closed by Close and by nothing else.
type Socket struct {
	fd     int
	handle reactor.Handle
	r      *reactor.Reactor

	// read side: bytes of a trailing incomplete message from the previous
	// read, plus the reusable read scratch. Touched only by the owning
	// reactor thread.
	readChunk int
	rbuf      []byte

	// write side
	wmu    sync.Mutex
	wq     *queue.Queue // of *pendingWrite
	armed  bool
	events uint32 // current base readiness mask, guarded by wmu
}

// NewSocket registers fd with the reactor using the given base event mask and
// reaction, and retains the handle. fd must already be non-blocking; the
// socket owns it from here on. maxMsgLen × maxMsgsPerRead is the size of one
// read chunk; a carried incomplete message is not bounded by it, the read
// buffer grows to hold it.
func NewSocket(r *reactor.Reactor, fd int, events uint32, re reactor.FdReaction, maxMsgLen, maxMsgsPerRead int) (*Socket, error) {
	s := &Socket{
		fd:        fd,
		r:         r,
		readChunk: maxMsgLen * maxMsgsPerRead,
		rbuf:      make([]byte, 0, maxMsgLen*maxMsgsPerRead),
		wq:        queue.New(),
		events:    events,
	}
	h, err := r.AddFd(fd, events, re)
	if err != nil {
		return nil, err
	}
	s.handle = h
	return s, nil
}

// Fd exposes the descriptor for accept-time socket options and logging.
func (s *Socket) Fd() int { return s.fd }

// Handle exposes the reactor registration, needed to remove the reaction on
// disconnect.
func (s *Socket) Handle() reactor.Handle { return s.handle }

// Close closes the fd. The kernel drops it from any epoll interest sets.
func (s *Socket) Close() error {
	return unix.Close(s.fd)
}

// writeAsMuchAsPossible pushes b at the kernel until it is consumed or the
// send buffer fills. Returns the count written; a peer reset surfaces later
// as a hangup event, so write errors other than EAGAIN just stop the loop.
func writeAsMuchAsPossible(fd int, b []byte) int {
	pos := 0
	for pos < len(b) {
		n, err := unix.Write(fd, b[pos:])
		if n > 0 {
			pos += n
			continue
		}
		if err == unix.EINTR {
			continue
		}
		return pos
	}
	return pos
}

// ScheduleWrite commits p to the socket's outgoing stream. If nothing is
// queued it writes inline first; any remainder is copied into the queue and
// EPOLLOUT is armed once. Bytes from successive calls reach the peer in call
// order. A zero-length p is a no-op.
func (s *Socket) ScheduleWrite(p []byte) {
	if len(p) == 0 {
		return
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	written := 0
	if s.wq.Length() == 0 {
		written = writeAsMuchAsPossible(s.fd, p)
		if written == len(p) {
			return
		}
	}
	rest := make([]byte, len(p)-written)
	copy(rest, p[written:])
	s.wq.Add(&pendingWrite{buf: rest})
	if !s.armed {
		s.armed = true
		_ = s.r.ModFd(s.handle, s.fd, s.events|reactor.EventWrite)
	}
}

// HandleWritable drains queued chunks after an EPOLLOUT notification and
// disarms writability exactly when the queue empties.
func (s *Socket) HandleWritable() {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	for s.wq.Length() > 0 {
		pw := s.wq.Peek().(*pendingWrite)
		pw.off += writeAsMuchAsPossible(s.fd, pw.buf[pw.off:])
		if pw.off < len(pw.buf) {
			return // kernel buffer still full, stay armed
		}
		s.wq.Remove()
	}
	if s.armed {
		s.armed = false
		_ = s.r.ModFd(s.handle, s.fd, s.events)
	}
}

// SetEventMask replaces the base readiness mask, preserving an armed
// writability bit. The server registers player sockets with an empty mask and
// enables reads only once the player record is fully inserted.
func (s *Socket) SetEventMask(events uint32) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.events = events
	if s.armed {
		events |= reactor.EventWrite
	}
	return s.r.ModFd(s.handle, s.fd, events)
}

// PendingWriteLen reports the queued byte count, for tests and introspection.
func (s *Socket) PendingWriteLen() int {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	total := 0
	for i := 0; i < s.wq.Length(); i++ {
		pw := s.wq.Get(i).(*pendingWrite)
		total += len(pw.buf) - pw.off
	}
	return total
}

// WriteArmed reports whether EPOLLOUT is currently armed.
func (s *Socket) WriteArmed() bool {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.armed
}
