// Copyright 2018 Johan Lindh. All rights reserved.
// Use of this source code is governed by the MIT license, see the LICENSE file.

package gromox

import (
	"runtime"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// WaitMode selects which readiness a parked socket waits for.
type WaitMode int

const (
	WaitRead WaitMode = iota
	WaitWrite
)

// WaitResult is the outcome of a readiness wait.
type WaitResult int

const (
	WaitReady WaitResult = iota
	WaitTimedOut
	WaitShutdown
)

// Readiness parks sockets between bursts of work. Poller is the
// implementation; it multiplexes raw fds.
type Readiness interface {
	// Park registers fd and runs fn exactly once when the socket is
	// ready, the deadline passes, or the poller shuts down.
	Park(fd int, mode WaitMode, deadline time.Time, fn func(WaitResult)) error
	// Shutdown flushes every parked entry with WaitShutdown.
	Shutdown()
}

type pollEntry struct {
	fd       int
	mode     WaitMode
	deadline time.Time
	fn       func(WaitResult)
}

// Poller is the default Readiness: a single goroutine multiplexing
// parked sockets with poll(2) and a self-pipe for wakeups.
type Poller struct {
	mu      sync.Mutex
	entries map[int]pollEntry
	wakeR   int
	wakeW   int
	closed  bool
}

// NewPoller starts the poll loop.
func NewPoller() (*Poller, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, errors.WithStack(err)
	}
	p := &Poller{
		entries: make(map[int]pollEntry),
		wakeR:   fds[0],
		wakeW:   fds[1],
	}
	go p.loop()
	return p, nil
}

// Park implements Readiness.
func (p *Poller) Park(fd int, mode WaitMode, deadline time.Time, fn func(WaitResult)) error {
	if fd < 0 {
		return errors.New("cannot park closed socket")
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		fn(WaitShutdown)
		return nil
	}
	p.entries[fd] = pollEntry{fd: fd, mode: mode, deadline: deadline, fn: fn}
	p.mu.Unlock()
	p.wake()
	return nil
}

// Shutdown implements Readiness.
func (p *Poller) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()
	p.wake()
}

func (p *Poller) wake() {
	var b [1]byte
	unix.Write(p.wakeW, b[:])
}

func (p *Poller) loop() {
	for {
		p.mu.Lock()
		if p.closed {
			entries := p.entries
			p.entries = nil
			p.mu.Unlock()
			for _, e := range entries {
				e.fn(WaitShutdown)
			}
			unix.Close(p.wakeR)
			unix.Close(p.wakeW)
			return
		}
		pollfds := make([]unix.PollFd, 1, len(p.entries)+1)
		pollfds[0] = unix.PollFd{Fd: int32(p.wakeR), Events: unix.POLLIN}
		var nearest time.Time
		for _, e := range p.entries {
			ev := int16(unix.POLLIN)
			if e.mode == WaitWrite {
				ev = unix.POLLOUT
			}
			pollfds = append(pollfds, unix.PollFd{Fd: int32(e.fd), Events: ev})
			if nearest.IsZero() || e.deadline.Before(nearest) {
				nearest = e.deadline
			}
		}
		p.mu.Unlock()

		timeout := -1
		if !nearest.IsZero() {
			ms := int(time.Until(nearest) / time.Millisecond)
			if ms < 0 {
				ms = 0
			}
			timeout = ms + 1
		}
		n, err := unix.Poll(pollfds, timeout)
		if err != nil && err != unix.EINTR {
			// the self-pipe went away; treated as shutdown
			p.Shutdown()
			continue
		}

		now := time.Now()
		var fired []pollEntry
		var results []WaitResult
		p.mu.Lock()
		if n > 0 {
			for _, pfd := range pollfds[1:] {
				if pfd.Revents == 0 {
					continue
				}
				if e, ok := p.entries[int(pfd.Fd)]; ok {
					delete(p.entries, e.fd)
					fired = append(fired, e)
					results = append(results, WaitReady)
				}
			}
		}
		for fd, e := range p.entries {
			if !e.deadline.After(now) {
				delete(p.entries, fd)
				fired = append(fired, e)
				results = append(results, WaitTimedOut)
			}
		}
		p.mu.Unlock()
		if pollfds[0].Revents != 0 {
			var drain [64]byte
			unix.Read(p.wakeR, drain[:])
		}
		for i, e := range fired {
			e.fn(results[i])
		}
	}
}

// defaultTick is how long idle contexts sleep before re-dispatch.
const defaultTick = 50 * time.Millisecond

// Scheduler drives the fixed context pool: workers run context steps,
// interpret each verdict, and park sockets on the readiness queue
// between bursts.
type Scheduler struct {
	svc      *Gateway
	contexts []*HttpContext
	runnable chan *HttpContext
	free     chan *HttpContext
	poller   Readiness
	done     chan struct{}
	tick     time.Duration
	group    errgroup.Group
}

func newScheduler(svc *Gateway, poolSize int, poller Readiness) *Scheduler {
	s := &Scheduler{
		svc:      svc,
		runnable: make(chan *HttpContext, poolSize),
		free:     make(chan *HttpContext, poolSize),
		poller:   poller,
		done:     make(chan struct{}),
		tick:     defaultTick,
	}
	for i := 0; i < poolSize; i++ {
		ctx := newHttpContext(i, svc)
		s.contexts = append(s.contexts, ctx)
		s.free <- ctx
	}
	return s
}

func (s *Scheduler) run(workers int) {
	if workers < 1 {
		workers = 4 * runtime.GOMAXPROCS(0)
	}
	for i := 0; i < workers; i++ {
		s.group.Go(s.worker)
	}
}

func (s *Scheduler) worker() error {
	for {
		select {
		case <-s.done:
			return nil
		case ctx := <-s.runnable:
			s.dispatch(ctx)
		}
	}
}

func (s *Scheduler) dispatch(ctx *HttpContext) {
	verdict := s.svc.Debug.dispatch(ctx.Process)
	switch verdict {
	case VerdictContinue:
		s.enqueue(ctx)
	case VerdictIdle, VerdictSleep:
		s.parkTimed(ctx, s.tick)
	case VerdictPollRead:
		s.parkPoll(ctx, WaitRead)
	case VerdictPollWrite:
		s.parkPoll(ctx, WaitWrite)
	case VerdictClose:
		s.release(ctx)
	default:
		s.enqueue(ctx)
	}
}

func (s *Scheduler) enqueue(ctx *HttpContext) {
	select {
	case s.runnable <- ctx:
	case <-s.done:
	}
}

// parkTimed sleeps the context for d, or less when a signal is pending
// or arrives.
func (s *Scheduler) parkTimed(ctx *HttpContext, d time.Duration) {
	select {
	case <-ctx.wake:
		s.enqueue(ctx)
		return
	default:
	}
	t := time.AfterFunc(d, func() {
		if old := ctx.parkTimer.Load(); old != nil && ctx.parkTimer.CompareAndSwap(old, nil) {
			s.enqueue(ctx)
		}
	})
	ctx.parkTimer.Store(t)
	// a signal racing the park is consumed here
	select {
	case <-ctx.wake:
		s.Signal(ctx)
	default:
	}
}

// parkPoll registers the context's socket in the readiness queue until
// ready or until its session timeout would expire.
func (s *Scheduler) parkPoll(ctx *HttpContext, mode WaitMode) {
	deadline := ctx.conn.lastTimestamp.Add(s.svc.timeout())
	err := s.poller.Park(ctx.conn.fd, mode, deadline, func(WaitResult) {
		// on timeout or shutdown the state function decides the outcome
		s.enqueue(ctx)
	})
	if err != nil {
		s.enqueue(ctx)
	}
}

// Signal wakes a context parked in a timed sleep; contexts that are
// running or queued observe the pending wake at their next park.
func (s *Scheduler) Signal(ctx *HttpContext) {
	if t := ctx.parkTimer.Swap(nil); t != nil {
		t.Stop()
		s.enqueue(ctx)
		return
	}
	select {
	case ctx.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) release(ctx *HttpContext) {
	select {
	case s.free <- ctx:
	default:
	}
}

// acquire hands out a free context, or nil when the pool is exhausted.
func (s *Scheduler) acquire() *HttpContext {
	select {
	case ctx := <-s.free:
		return ctx
	default:
		return nil
	}
}

// stop halts the workers, flushes the poller and closes whatever
// tunnels are still live. Contexts are torn down single-threaded once
// the workers have returned.
func (s *Scheduler) stop() {
	select {
	case <-s.done:
		return
	default:
	}
	close(s.done)
	s.poller.Shutdown()
	s.group.Wait()
	for _, ctx := range s.contexts {
		if t := ctx.parkTimer.Swap(nil); t != nil {
			t.Stop()
		}
		if ctx.conn.active() {
			ctx.end()
		}
	}
}
