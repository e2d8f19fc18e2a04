// Package tracking records per-pass batch statistics.
package tracking

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"wakeworker/internal/contact"
	"wakeworker/internal/eventbus"
	logx "wakeworker/pkg/logx"
)

// SlowPass is the duration above which a finished pass is logged at info.
const SlowPass = 30 * time.Second

// PassStats is published with eventbus.BatchFinished.
type PassStats struct {
	Site        string        `json:"site"`
	Owner       string        `json:"owner,omitempty"`
	Due         int           `json:"due"`
	Processed   uint64        `json:"processed"`
	Contended   uint64        `json:"contended"`
	Failed      uint64        `json:"failed"`
	StatesFired uint64        `json:"states_fired"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
}

// Tracker opens tracking scopes and remembers the last finished pass.
type Tracker struct {
	log logx.Logger
	bus eventbus.Bus

	open atomic.Int64

	mu   sync.Mutex
	last PassStats
	runs uint64
}

func New(log logx.Logger, bus eventbus.Bus) *Tracker {
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Tracker{log: log, bus: bus}
}

// Begin opens a scope for one batch pass under site.
func (t *Tracker) Begin(_ context.Context, s contact.Site, due int) *Scope {
	t.open.Add(1)
	return &Scope{t: t, stats: PassStats{Site: s.Name, Due: due, StartedAt: time.Now()}}
}

// Open is the number of scopes not yet ended.
func (t *Tracker) Open() int64 { return t.open.Load() }

// Last returns the most recent finished pass and the number of passes so far.
func (t *Tracker) Last() (PassStats, uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last, t.runs
}

// Scope counts one pass. Counters are safe for concurrent use.
type Scope struct {
	t     *Tracker
	stats PassStats
	owner atomic.Value // string

	processed, contended, failed, fired atomic.Uint64
	ended                               atomic.Bool
}

func (s *Scope) SetOwner(owner string) { s.owner.Store(owner) }
func (s *Scope) Processed()            { s.processed.Add(1) }
func (s *Scope) Contended()            { s.contended.Add(1) }
func (s *Scope) Failed()               { s.failed.Add(1) }
func (s *Scope) StateFired()           { s.fired.Add(1) }

// End closes the scope. Calling it more than once is a no-op.
func (s *Scope) End() PassStats {
	if s == nil || !s.ended.CompareAndSwap(false, true) {
		if s == nil {
			return PassStats{}
		}
		return s.stats
	}
	st := s.stats
	if o, ok := s.owner.Load().(string); ok {
		st.Owner = o
	}
	st.Processed = s.processed.Load()
	st.Contended = s.contended.Load()
	st.Failed = s.failed.Load()
	st.StatesFired = s.fired.Load()
	st.Duration = time.Since(st.StartedAt)
	s.stats = st

	t := s.t
	t.open.Add(-1)
	t.mu.Lock()
	t.last = st
	t.runs++
	t.mu.Unlock()

	fields := []logx.Field{
		logx.String("site", st.Site),
		logx.String("owner", st.Owner),
		logx.Int("due", st.Due),
		logx.Uint64("processed", st.Processed),
		logx.Uint64("contended", st.Contended),
		logx.Uint64("failed", st.Failed),
		logx.Uint64("states_fired", st.StatesFired),
		logx.Duration("took", st.Duration),
	}
	if st.Failed > 0 || st.Duration >= SlowPass {
		t.log.Info("batch pass finished", fields...)
	} else {
		t.log.Debug("batch pass finished", fields...)
	}
	t.bus.Publish(eventbus.Event{Type: eventbus.BatchFinished, Data: st})
	return st
}
