// Package pool runs batch tasks on their own goroutines with a bounded
// number in flight.
package pool

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"wakeworker/internal/eventbus"
	logx "wakeworker/pkg/logx"
)

// Pool is a bounded set of concurrently executing tasks.
//
// The active counter is incremented inside Submit, before the task goroutine
// starts, and decremented when the task returns or panics. Callers computing a
// deficit from Active therefore see their own submissions immediately.
type Pool struct {
	log logx.Logger
	bus eventbus.Bus

	// Tasks run on baseCtx rather than a caller context so stopping a
	// scheduler never interrupts them. Shutdown cancels it as a last resort.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	active atomic.Int64
	limit  atomic.Int64
	seq    atomic.Uint64

	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	panics    atomic.Uint64
	rejected  atomic.Uint64

	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
	hsize   int
	history []HistoryItem
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{log: log, bus: bus, baseCtx: ctx, baseCancel: cancel}
	p.Apply(cfg)
	return p
}

// Apply updates the limit and history size. Tasks already in flight may
// transiently exceed a lowered limit.
func (p *Pool) Apply(cfg Config) {
	p.SetLimit(cfg.Limit)
	hs := cfg.HistorySize
	if hs <= 0 {
		hs = 200
	}
	p.mu.Lock()
	p.hsize = hs
	if len(p.history) > hs {
		p.history = append([]HistoryItem(nil), p.history[len(p.history)-hs:]...)
	}
	p.mu.Unlock()
}

func (p *Pool) SetLimit(n int) {
	if n < 0 {
		n = 0
	}
	p.limit.Store(int64(n))
}

func (p *Pool) Limit() int { return int(p.limit.Load()) }

// Active is the number of tasks submitted and not yet finished.
func (p *Pool) Active() int { return int(p.active.Load()) }

// reserve claims one slot, refusing when the limit is reached.
func (p *Pool) reserve() bool {
	for {
		cur := p.active.Load()
		if lim := p.limit.Load(); lim > 0 && cur >= lim {
			return false
		}
		if p.active.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Submit starts fn on a new goroutine and returns immediately.
func (p *Pool) Submit(name string, fn Func) (TaskID, error) {
	if fn == nil {
		return 0, errors.New("pool: nil task")
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, ErrStopped
	}
	if !p.reserve() {
		p.mu.Unlock()
		p.rejected.Add(1)
		return 0, ErrPoolFull
	}
	p.wg.Add(1)
	p.mu.Unlock()

	id := TaskID(p.seq.Add(1))
	p.submitted.Add(1)
	go p.run(id, name, fn)
	return id, nil
}

func (p *Pool) run(id TaskID, name string, fn Func) {
	start := time.Now()
	var (
		err      error
		panicked bool
	)
	defer func() {
		dur := time.Since(start)
		p.record(HistoryItem{ID: id, Name: name, Started: start, Duration: dur, Error: errString(err), Panicked: panicked})
		p.bus.Publish(eventbus.Event{Type: eventbus.TaskFinished, Data: TaskEvent{ID: id, Name: name, Started: start, Duration: dur, Error: errString(err)}})
		p.active.Add(-1)
		p.wg.Done()
	}()

	p.log.Debug("task.started", logx.String("task", name), logx.Uint64("task_id", uint64(id)))
	p.bus.Publish(eventbus.Event{Type: eventbus.TaskStarted, Time: start, Data: TaskEvent{ID: id, Name: name, Started: start}})

	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				err = fmt.Errorf("panic: %v", r)
				p.panics.Add(1)
				p.log.Error("task.panic", logx.String("task", name), logx.Uint64("task_id", uint64(id)), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				p.bus.Publish(eventbus.Event{Type: eventbus.TaskPanic, Data: TaskEvent{ID: id, Name: name, Started: start, Error: err.Error()}})
			}
		}()
		err = fn(p.baseCtx, id)
	}()

	if err != nil {
		p.failed.Add(1)
		if !panicked {
			p.log.Warn("task.failed", logx.String("task", name), logx.Uint64("task_id", uint64(id)), logx.Err(err))
		}
		return
	}
	p.completed.Add(1)
	p.log.Debug("task.finished", logx.String("task", name), logx.Uint64("task_id", uint64(id)), logx.Duration("took", time.Since(start)))
}

func (p *Pool) record(item HistoryItem) {
	p.mu.Lock()
	p.history = append(p.history, item)
	if len(p.history) > p.hsize {
		p.history = p.history[len(p.history)-p.hsize:]
	}
	p.mu.Unlock()
}

// Wait blocks until every submitted task finished or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown refuses new submissions and drains in-flight tasks. If ctx expires
// first the task context is canceled so cooperative tasks can bail out.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	err := p.Wait(ctx)
	if err != nil {
		p.log.Warn("pool drain timed out; canceling tasks", logx.Int("active", p.Active()))
	}
	p.baseCancel()
	return err
}

func (p *Pool) Snapshot() Snapshot {
	p.mu.Lock()
	h := make([]HistoryItem, len(p.history))
	copy(h, p.history)
	p.mu.Unlock()
	return Snapshot{
		Limit:     p.Limit(),
		Active:    p.active.Load(),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
		Rejected:  p.rejected.Load(),
		History:   h,
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
