//go:build linux

package reactor

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Loop is an epoll-backed Reactor. It is the reference concrete backing
// for the abstract contract internal/tlscore depends on — nothing in
// tlscore imports this file; cmd/emberkv wires it in at the top level.
//
// Loop is level-triggered (not edge-triggered): a handler for a
// direction that a connection doesn't fully drain stays armed and fires
// again next iteration, which is what lets tlscore rely on kernel
// readiness rather than tracking partial reads itself.
type Loop struct {
	epfd int

	mu      sync.Mutex
	entries map[int]*loopEntry
	tasks   map[TaskHandle]*loopTask
	nextTH  TaskHandle

	wake [2]int // self-pipe that Arm and ScheduleRecurring write to, to break EpollWait
}

type loopEntry struct {
	mask   Mask
	readH  HandlerFunc
	writeH HandlerFunc
	data   any
}

type loopTask struct {
	fn        TaskFunc
	due       time.Time
	cancelled bool
}

// NewLoop creates an epoll instance. Call Run to start dispatching.
func NewLoop() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("reactor: epoll_create1: %w", err)
	}
	l := &Loop{
		epfd:    epfd,
		entries: make(map[int]*loopEntry),
		tasks:   make(map[TaskHandle]*loopTask),
	}
	fds, err := unixPipe()
	if err != nil {
		unix.Close(epfd)
		return nil, err
	}
	l.wake = fds
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, l.wake[0], &unix.EpollEvent{
		Events: unix.EPOLLIN,
		Fd:     int32(l.wake[0]),
	}); err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("reactor: arm wake pipe: %w", err)
	}
	return l, nil
}

func unixPipe() ([2]int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return fds, fmt.Errorf("reactor: pipe2: %w", err)
	}
	return fds, nil
}

func (l *Loop) eventsFor(mask Mask) uint32 {
	var ev uint32
	if mask.Has(Readable) {
		ev |= unix.EPOLLIN
	}
	if mask.Has(Writable) {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func (l *Loop) syncEpoll(fd int, e *loopEntry) error {
	op := unix.EPOLL_CTL_MOD
	if e.mask == 0 {
		op = unix.EPOLL_CTL_DEL
	}
	ev := unix.EpollEvent{Events: l.eventsFor(e.mask), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, op, fd, &ev); err != nil {
		if op == unix.EPOLL_CTL_MOD && err == unix.ENOENT {
			addEv := ev
			return unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &addEv)
		}
		return fmt.Errorf("reactor: epoll_ctl: %w", err)
	}
	return nil
}

func (l *Loop) Arm(fd int, mask Mask, handler HandlerFunc, data any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[fd]
	if !ok {
		e = &loopEntry{}
		l.entries[fd] = e
	}
	e.data = data
	if mask.Has(Readable) {
		e.readH = handler
		e.mask |= Readable
	}
	if mask.Has(Writable) {
		e.writeH = handler
		e.mask |= Writable
	}
	if err := l.syncEpoll(fd, e); err != nil {
		return err
	}
	l.poke()
	return nil
}

func (l *Loop) Disarm(fd int, mask Mask) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.entries[fd]
	if !ok {
		return nil
	}
	if mask.Has(Readable) {
		e.readH = nil
		e.mask &^= Readable
	}
	if mask.Has(Writable) {
		e.writeH = nil
		e.mask &^= Writable
	}
	if e.mask == 0 {
		delete(l.entries, fd)
	}
	return l.syncEpoll(fd, e)
}

func (l *Loop) CurrentMask(fd int) Mask {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[fd]; ok {
		return e.mask
	}
	return 0
}

func (l *Loop) Handler(fd int, direction Mask) HandlerFunc {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[fd]
	if !ok {
		return nil
	}
	if direction.Has(Readable) {
		return e.readH
	}
	if direction.Has(Writable) {
		return e.writeH
	}
	return nil
}

func (l *Loop) Data(fd int) any {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[fd]; ok {
		return e.data
	}
	return nil
}

func (l *Loop) ScheduleRecurring(interval time.Duration, task TaskFunc) TaskHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextTH++
	h := l.nextTH
	l.tasks[h] = &loopTask{fn: task, due: time.Now().Add(interval)}
	l.poke()
	return h
}

func (l *Loop) CancelRecurring(handle TaskHandle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.tasks, handle)
}

// WaitUntilReady blocks the calling goroutine on a one-shot poll(2) of fd,
// independent of the main epoll set. Used only by the synchronous
// handshake path, never from the dispatch loop itself.
func (l *Loop) WaitUntilReady(fd int, direction Mask, timeout time.Duration) (Mask, error) {
	var events int16
	if direction.Has(Readable) {
		events |= unix.POLLIN
	}
	if direction.Has(Writable) {
		events |= unix.POLLOUT
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	if err != nil {
		return 0, fmt.Errorf("reactor: poll: %w", err)
	}
	if n == 0 {
		return 0, fmt.Errorf("reactor: wait for fd %d timed out", fd)
	}
	var got Mask
	if fds[0].Revents&unix.POLLIN != 0 {
		got |= Readable
	}
	if fds[0].Revents&unix.POLLOUT != 0 {
		got |= Writable
	}
	return got, nil
}

func (l *Loop) poke() {
	_, _ = unix.Write(l.wake[1], []byte{0})
}

func (l *Loop) drainWake() {
	var buf [64]byte
	for {
		n, err := unix.Read(l.wake[0], buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

// Run dispatches events until stop is closed. It must be called from the
// single reactor goroutine; Arm/Disarm/ScheduleRecurring may be called
// from any goroutine (they only touch l.mu-guarded bookkeeping and the
// epoll fd table, both syscall-safe for concurrent use).
func (l *Loop) Run(stop <-chan struct{}) error {
	events := make([]unix.EpollEvent, 128)
	for {
		select {
		case <-stop:
			return nil
		default:
		}

		n, err := unix.EpollWait(l.epfd, events, 50)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("reactor: epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == l.wake[0] {
				l.drainWake()
				continue
			}
			l.dispatch(fd, events[i].Events)
		}

		l.runDueTasks()
	}
}

func (l *Loop) dispatch(fd int, raw uint32) {
	l.mu.Lock()
	e, ok := l.entries[fd]
	l.mu.Unlock()
	if !ok {
		return
	}

	var mask Mask
	if raw&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
		mask |= Readable
	}
	if raw&unix.EPOLLOUT != 0 {
		mask |= Writable
	}

	if mask.Has(Readable) && e.readH != nil {
		e.readH(fd, Readable)
	}
	if mask.Has(Writable) && e.writeH != nil {
		e.writeH(fd, Writable)
	}
}

func (l *Loop) runDueTasks() {
	l.mu.Lock()
	due := make([]TaskHandle, 0, len(l.tasks))
	now := time.Now()
	for h, t := range l.tasks {
		if !t.cancelled && !now.Before(t.due) {
			due = append(due, h)
		}
	}
	l.mu.Unlock()

	for _, h := range due {
		l.mu.Lock()
		t, ok := l.tasks[h]
		l.mu.Unlock()
		if !ok || t.cancelled {
			continue
		}
		next, more := t.fn()
		l.mu.Lock()
		if !more {
			delete(l.tasks, h)
		} else {
			t.due = time.Now().Add(next)
		}
		l.mu.Unlock()
	}
}

// Close releases the epoll fd and wake pipe.
func (l *Loop) Close() error {
	unix.Close(l.wake[0])
	unix.Close(l.wake[1])
	return unix.Close(l.epfd)
}
