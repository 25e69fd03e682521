// Package limiter throttles outbound chain reads. Every read in the engine
// funnels through one shared Limiter so the provider's rate ceiling holds no
// matter how many callers request reads concurrently.
package limiter

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrSlotTimeout means a task waited too long for a free rate-limit slot.
var ErrSlotTimeout = errors.New("timed out waiting for rate limit slot")

// ErrCallAbandoned means a dispatched call exceeded its wall-clock budget and
// was abandoned; its slot is already counted against the window.
var ErrCallAbandoned = errors.New("chain call abandoned")

// Limiter admits at most Limit dispatches per rolling Window, FIFO.
type Limiter struct {
	limit  int
	window time.Duration

	// QueueTimeout bounds how long a task may wait for admission; zero means
	// wait as long as the caller's context allows.
	QueueTimeout time.Duration
	// CallTimeout bounds a single dispatched call; zero means no bound.
	CallTimeout time.Duration

	mu      sync.Mutex
	times   []time.Time // dispatch stamps inside the current window
	waiters *list.List  // of *waiter, FIFO
	timer   *time.Timer
}

type waiter struct {
	ch      chan struct{}
	granted bool
}

// New returns a limiter admitting limit dispatches per rolling window.
func New(limit int, window time.Duration) *Limiter {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &Limiter{
		limit:   limit,
		window:  window,
		waiters: list.New(),
	}
}

// Do admits the task under the rate ceiling, then runs it with CallTimeout
// applied. The task's own failure is returned as-is; admission and abandonment
// failures wrap ErrSlotTimeout / ErrCallAbandoned.
func (l *Limiter) Do(ctx context.Context, task func(context.Context) error) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	callCtx := ctx
	if l.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, l.CallTimeout)
		defer cancel()
	}
	// Run in a goroutine so a hung call that ignores its context still frees
	// the caller; the goroutine is leaked until the call returns.
	done := make(chan error, 1)
	go func() {
		done <- task(callCtx)
	}()
	select {
	case err := <-done:
		return err
	case <-callCtx.Done():
		return fmt.Errorf("%w after %s: %v", ErrCallAbandoned, l.CallTimeout, callCtx.Err())
	}
}

// DoBatch runs the tasks with at most concurrency of them in flight at once,
// all still under the global rate ceiling. Results come back in input order
// and one task's failure never aborts the others.
func (l *Limiter) DoBatch(ctx context.Context, tasks []func(context.Context) error, concurrency int) []error {
	if concurrency <= 0 {
		concurrency = 1
	}
	results := make([]error, len(tasks))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	for i, task := range tasks {
		wg.Add(1)
		go func(i int, task func(context.Context) error) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = l.Do(ctx, task)
		}(i, task)
	}
	wg.Wait()
	return results
}

func (l *Limiter) acquire(ctx context.Context) error {
	l.mu.Lock()
	now := time.Now()
	l.prune(now)
	if l.waiters.Len() == 0 && len(l.times) < l.limit {
		l.times = append(l.times, now)
		l.mu.Unlock()
		return nil
	}
	w := &waiter{ch: make(chan struct{})}
	elem := l.waiters.PushBack(w)
	l.scheduleAdmit(now)
	l.mu.Unlock()

	var queueDeadline <-chan time.Time
	if l.QueueTimeout > 0 {
		t := time.NewTimer(l.QueueTimeout)
		defer t.Stop()
		queueDeadline = t.C
	}
	select {
	case <-w.ch:
		return nil
	case <-queueDeadline:
		return l.abandonWait(elem, w, ErrSlotTimeout)
	case <-ctx.Done():
		return l.abandonWait(elem, w, ctx.Err())
	}
}

// abandonWait removes the waiter from the queue unless it was granted in the
// meantime, in which case the slot is kept and the wait succeeds.
func (l *Limiter) abandonWait(elem *list.Element, w *waiter, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w.granted {
		return nil
	}
	l.waiters.Remove(elem)
	if errors.Is(cause, ErrSlotTimeout) {
		return fmt.Errorf("%w (limit %d per %s)", ErrSlotTimeout, l.limit, l.window)
	}
	return cause
}

// prune drops dispatch stamps older than the rolling window. Callers hold mu.
func (l *Limiter) prune(now time.Time) {
	cut := now.Add(-l.window)
	i := 0
	for i < len(l.times) && !l.times[i].After(cut) {
		i++
	}
	if i > 0 {
		l.times = append(l.times[:0], l.times[i:]...)
	}
}

// admit grants queued waiters while slots are free. Callers hold mu.
func (l *Limiter) admit() {
	now := time.Now()
	l.prune(now)
	for l.waiters.Len() > 0 && len(l.times) < l.limit {
		elem := l.waiters.Front()
		w := elem.Value.(*waiter)
		l.waiters.Remove(elem)
		w.granted = true
		l.times = append(l.times, now)
		close(w.ch)
	}
	l.scheduleAdmit(now)
}

// scheduleAdmit arms the timer for the instant the next slot frees. Callers
// hold mu.
func (l *Limiter) scheduleAdmit(now time.Time) {
	if l.waiters.Len() == 0 || len(l.times) == 0 {
		return
	}
	wait := l.times[0].Add(l.window).Sub(now)
	if wait < time.Millisecond {
		wait = time.Millisecond
	}
	if l.timer != nil {
		l.timer.Stop()
	}
	l.timer = time.AfterFunc(wait, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.admit()
	})
}
