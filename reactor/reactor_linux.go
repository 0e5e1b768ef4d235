//go:build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7)-based multi-threaded reactor. Each thread pins itself to an
// OS thread, waits on its own epoll fd and dispatches FD and timer reactions
// under its own mutex. An eventfd per thread wakes the loop when a timer is
// installed from outside; a second eventfd signals shutdown.

package reactor

import (
	"container/heap"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/momentics/netplay/holey"
)

// Readiness event bits, a stable subset of the epoll event mask.
const (
	EventRead   = uint32(unix.EPOLLIN)
	EventWrite  = uint32(unix.EPOLLOUT)
	EventHangup = uint32(unix.EPOLLRDHUP | unix.EPOLLHUP)
)

const (
	maxEventBatch   = 64
	initialTableCap = 5
)

// Ctx identifies the reactor thread a reaction is executing on. Callbacks
// receive it by value and may use it to remove reactions on their own thread
// without re-locking. Registrations do not take a Ctx; they go round-robin.
type Ctx struct {
	Reactor *Reactor
	Thread  int
}

// FdFunc is invoked with the reaction's user state, the readiness event mask
// and the execution context.
type FdFunc func(state any, events uint32, ctx Ctx)

// FdReaction is a callback plus user state registered against a file
// descriptor.
type FdReaction struct {
	Fn    FdFunc
	State any
}

// TimerFunc is invoked with the reaction's user state and the execution
// context each time the timer fires.
type TimerFunc func(state any, ctx Ctx)

// TimerReaction is a callback plus user state refired at a fixed interval.
type TimerReaction struct {
	Fn    TimerFunc
	State any
}

// Handle names a registered FD reaction: the owning thread and the slot in
// that thread's reaction table.
type Handle struct {
	Thread int
	Slot   int
}

type thread struct {
	index  int
	epfd   int
	wakeFd int
	stopFd int
	tid    atomic.Int64
	log    zerolog.Logger

	// mu guards the tables and the timer heap. The loop holds it while
	// dispatching, so all callbacks on this thread run with it held.
	mu       sync.Mutex
	fds      *holey.Table[FdReaction]
	timers   *holey.Table[TimerReaction]
	pending  timerHeap
	stopping bool
}

// Reactor is an ordered pool of reactor threads with a round-robin
// registration cursor.
type Reactor struct {
	threads []*thread
	next    atomic.Uint32
	wg      sync.WaitGroup
	closed  atomic.Bool
}

// New builds a reactor with threadC event-loop threads (at least 1) and
// starts them.
func New(threadC int, log zerolog.Logger) (*Reactor, error) {
	if threadC < 1 {
		threadC = 1
	}
	r := &Reactor{threads: make([]*thread, threadC)}
	for i := 0; i < threadC; i++ {
		t, err := newThread(i, log)
		if err != nil {
			for _, prev := range r.threads[:i] {
				prev.release()
			}
			return nil, err
		}
		r.threads[i] = t
	}
	// Loops start only after every thread's wake and stop reactions are in
	// place, so no registration can race thread construction.
	for _, t := range r.threads {
		r.wg.Add(1)
		go t.run(r)
	}
	return r, nil
}

func newThread(index int, log zerolog.Logger) (*thread, error) {
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	stopFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		unix.Close(epfd)
		unix.Close(wakeFd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	t := &thread{
		index:  index,
		epfd:   epfd,
		wakeFd: wakeFd,
		stopFd: stopFd,
		log:    log.With().Int("reactor_thread", index).Logger(),
		fds:    holey.New[FdReaction](initialTableCap),
		timers: holey.New[TimerReaction](initialTableCap),
	}
	if _, err := t.addFdLocked(wakeFd, EventRead, FdReaction{Fn: drainEventFd, State: wakeFd}); err != nil {
		t.release()
		return nil, err
	}
	stop := FdReaction{
		State: stopFd,
		Fn: func(state any, events uint32, ctx Ctx) {
			drainEventFd(state, events, ctx)
			ctx.Reactor.threads[ctx.Thread].stopping = true
		},
	}
	if _, err := t.addFdLocked(stopFd, EventRead, stop); err != nil {
		t.release()
		return nil, err
	}
	return t, nil
}

func drainEventFd(state any, _ uint32, _ Ctx) {
	var buf [8]byte
	_, _ = unix.Read(state.(int), buf[:])
}

func (t *thread) release() {
	unix.Close(t.epfd)
	unix.Close(t.wakeFd)
	unix.Close(t.stopFd)
}

// isSelf reports whether the caller is executing inside this thread's event
// loop. Loop goroutines are pinned with LockOSThread, so a matching kernel
// thread id is proof.
func (t *thread) isSelf() bool {
	return int64(unix.Gettid()) == t.tid.Load()
}

func (t *thread) run(r *Reactor) {
	defer r.wg.Done()
	runtime.LockOSThread()
	t.tid.Store(int64(unix.Gettid()))
	ctx := Ctx{Reactor: r, Thread: t.index}
	events := make([]unix.EpollEvent, maxEventBatch)
	for {
		t.mu.Lock()
		timeout := t.nextTimeoutLocked()
		t.mu.Unlock()
		n, err := unix.EpollWait(t.epfd, events, timeout)
		t.mu.Lock()
		t.runDueTimersLocked(ctx)
		if err != nil {
			t.mu.Unlock()
			if err == unix.EINTR {
				continue
			}
			t.log.Error().Err(err).Msg("epoll wait failed, reactor thread exiting")
			return
		}
		for i := 0; i < n; i++ {
			slot := int(events[i].Pad)
			re := t.fds.Get(slot)
			// A reaction earlier in this batch may have removed this one.
			if re.Fn == nil {
				continue
			}
			re.Fn(re.State, events[i].Events, ctx)
		}
		t.runDueTimersLocked(ctx)
		stop := t.stopping
		t.mu.Unlock()
		if stop {
			return
		}
	}
}

// nextTimeoutLocked converts the earliest pending fire time into an epoll
// timeout in whole milliseconds, rounding up so a timer is never polled
// before it is due. -1 blocks indefinitely.
func (t *thread) nextTimeoutLocked() int {
	if len(t.pending) == 0 {
		return -1
	}
	d := time.Until(t.pending[0].when)
	if d <= 0 {
		return 0
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

func (t *thread) runDueTimersLocked(ctx Ctx) {
	now := time.Now()
	for len(t.pending) > 0 && !t.pending[0].when.After(now) {
		pt := heap.Pop(&t.pending).(pendingTimer)
		re := t.timers.Get(pt.slot)
		re.Fn(re.State, ctx)
		pt.when = pt.when.Add(pt.interval)
		heap.Push(&t.pending, pt)
	}
}

// pick advances the round-robin cursor and returns the target thread.
func (r *Reactor) pick() *thread {
	i := int(r.next.Add(1)-1) % len(r.threads)
	return r.threads[i]
}

// AddFd registers reaction against fd with the given readiness mask on the
// next round-robin thread. The target thread's mutex is taken unless the
// caller is that thread's own event loop, whose post-wait section already
// holds it.
func (r *Reactor) AddFd(fd int, events uint32, reaction FdReaction) (Handle, error) {
	t := r.pick()
	if !t.isSelf() {
		t.mu.Lock()
		defer t.mu.Unlock()
	}
	slot, err := t.addFdLocked(fd, events, reaction)
	if err != nil {
		return Handle{}, err
	}
	return Handle{Thread: t.index, Slot: slot}, nil
}

// addFdLocked inserts the reaction and, still inside the table insert,
// registers fd on this thread's epoll set with the slot index as userdata.
func (t *thread) addFdLocked(fd int, events uint32, reaction FdReaction) (int, error) {
	var ctlErr error
	slot := t.fds.Insert(func(slot int) FdReaction {
		ev := unix.EpollEvent{Events: events, Fd: int32(fd), Pad: int32(slot)}
		ctlErr = unix.EpollCtl(t.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
		return reaction
	})
	if ctlErr != nil {
		t.fds.Remove(slot)
		return 0, fmt.Errorf("epoll ctl add: %w", ctlErr)
	}
	return slot, nil
}

// AddTimer installs a periodic reaction on the next round-robin thread and
// pokes that thread's wake eventfd so its loop recomputes the epoll timeout.
func (r *Reactor) AddTimer(interval time.Duration, reaction TimerReaction) error {
	t := r.pick()
	self := t.isSelf()
	if !self {
		t.mu.Lock()
	}
	slot := t.timers.Insert(func(int) TimerReaction { return reaction })
	heap.Push(&t.pending, pendingTimer{
		when:     time.Now().Add(interval),
		interval: interval,
		slot:     slot,
	})
	if !self {
		t.mu.Unlock()
	}
	var one [8]byte
	one[0] = 1
	if _, err := unix.Write(t.wakeFd, one[:]); err != nil {
		return fmt.Errorf("wake eventfd: %w", err)
	}
	return nil
}

// RemoveFd destroys the FD reaction at slot and deregisters fd from the
// readiness set. It is only valid from a callback executing on the owning
// thread, which already holds the thread's mutex; the handle and its slot are
// dead afterwards.
func (r *Reactor) RemoveFd(ctx Ctx, slot int, fd int) {
	t := r.threads[ctx.Thread]
	// The fd may already be closed, in which case the kernel has dropped it
	// from the interest set on its own.
	_ = unix.EpollCtl(t.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	t.fds.Remove(slot)
}

// ModFd rewrites the readiness mask of a registered fd. Safe from any thread:
// epoll_ctl does not touch the reaction tables.
func (r *Reactor) ModFd(h Handle, fd int, events uint32) error {
	t := r.threads[h.Thread]
	ev := unix.EpollEvent{Events: events, Fd: int32(fd), Pad: int32(h.Slot)}
	if err := unix.EpollCtl(t.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	return nil
}

// ThreadCount reports the pool size.
func (r *Reactor) ThreadCount() int {
	return len(r.threads)
}

// Close signals every thread's stop eventfd, joins them, and only then
// releases the epoll and event fds, so the fd numbers cannot be reused while
// a loop is still running.
func (r *Reactor) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	var one [8]byte
	one[0] = 1
	var firstErr error
	for _, t := range r.threads {
		if _, err := unix.Write(t.stopFd, one[:]); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stop eventfd: %w", err)
		}
	}
	r.wg.Wait()
	for _, t := range r.threads {
		t.release()
	}
	return firstErr
}
