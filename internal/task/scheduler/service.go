package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"wakeworker/internal/eventbus"
	"wakeworker/internal/task/pool"
	logx "wakeworker/pkg/logx"
)

// TaskName is the pool task name of batch passes.
const TaskName = "batch"

// Service owns the recurring wakeup alarm.
type Service struct {
	log    logx.Logger
	bus    eventbus.Bus
	pool   Pool
	job    pool.Func

	mu      sync.Mutex
	cfg     Config
	wanted  bool // Start was called and Stop was not
	c       *cron.Cron
	entry   cron.EntryID
	spec    ParsedSpec
	wakeups uint64
	subs    uint64
	last    time.Time

	// wmu serializes wakeups so two ticks never compute a deficit from the same Active value.
	wmu sync.Mutex
}

func New(cfg Config, p Pool, job pool.Func, log logx.Logger, bus eventbus.Bus) *Service {
	if p == nil || job == nil {
		panic("scheduler: pool and job are required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Service{
		cfg:  cfg,
		log:  log,
		bus:  bus,
		pool: p,
		job:  job,
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

// Start registers the recurring wakeup. It reports false, without creating a
// timer, when the scheduler is disabled or the schedule is invalid.
// Calling Start on a running scheduler is a no-op returning true.
func (s *Service) Start(_ context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wanted = true
	if s.c != nil {
		return true
	}
	if !s.cfg.Enabled {
		s.log.Info("wakeup scheduler disabled; not starting")
		return false
	}
	if err := s.startLocked(); err != nil {
		s.log.Error("wakeup scheduler start failed", logx.Err(err))
		return false
	}
	return true
}

func (s *Service) startLocked() error {
	c, id, spec, err := s.build(s.cfg)
	if err != nil {
		return err
	}
	s.install(c, id, spec)
	return nil
}

// build parses cfg and registers the wakeup entry on a new, not yet started cron.
func (s *Service) build(cfg Config) (*cron.Cron, cron.EntryID, ParsedSpec, error) {
	spec, err := cfg.spec()
	if err != nil {
		return nil, 0, ParsedSpec{}, err
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Timezone); tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		} else {
			s.log.Warn("invalid timezone; using local", logx.String("tz", tz), logx.Err(err))
		}
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(loc),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	id, err := c.AddFunc(spec.CronExpr(), func() { s.tick(c) })
	if err != nil {
		return nil, 0, ParsedSpec{}, err
	}
	return c, id, spec, nil
}

func (s *Service) install(c *cron.Cron, id cron.EntryID, spec ParsedSpec) {
	c.Start()
	s.c, s.entry, s.spec = c, id, spec
	s.log.Info("wakeup scheduler started", logx.String("schedule", spec.String()), logx.Int("target", s.cfg.Target))
}

// Stop removes the alarm. After Stop returns no further ticks fire and no
// tick-driven wakeup is in progress. Running batch tasks are not interrupted.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	s.wanted = false
	c := s.detachLocked()
	s.mu.Unlock()
	s.waitCron(ctx, c)
}

func (s *Service) detachLocked() *cron.Cron {
	c := s.c
	s.c = nil
	s.entry = 0
	return c
}

func (s *Service) waitCron(ctx context.Context, c *cron.Cron) {
	if c == nil {
		return
	}
	start := time.Now()
	select {
	case <-c.Stop().Done():
		s.log.Info("wakeup scheduler stopped", logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		// c is detached, so later ticks from it are no-ops; wait out one in progress.
		s.log.Error("wakeup scheduler stop timed out; waiting for in-flight wakeup", logx.Err(ctx.Err()))
		s.wmu.Lock()
		s.wmu.Unlock()
	}
}

// Apply swaps the configuration. A changed schedule or enabled flag restarts
// the alarm when Start was requested earlier. A schedule that does not parse
// is rejected and the running alarm keeps its previous schedule.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	old := s.cfg
	restart := s.wanted && (old.Enabled != cfg.Enabled || old.Schedule != cfg.Schedule ||
		old.Interval != cfg.Interval || old.Timezone != cfg.Timezone)
	var stale *cron.Cron
	switch {
	case restart && cfg.Enabled:
		c, id, spec, err := s.build(cfg)
		if err != nil {
			kept := old
			kept.Target = cfg.Target
			s.cfg = kept
			s.mu.Unlock()
			s.log.Error("wakeup schedule rejected; keeping previous", logx.String("schedule", cfg.Schedule), logx.Err(err))
			return
		}
		s.cfg = cfg
		stale = s.detachLocked()
		s.install(c, id, spec)
	case restart:
		s.cfg = cfg
		stale = s.detachLocked()
	default:
		s.cfg = cfg
	}
	s.mu.Unlock()

	// Outside the lock: a tick in flight may be waiting for s.mu.
	if stale != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.waitCron(ctx, stale)
	}
	if old.Target != cfg.Target {
		s.log.Info("wakeup target changed", logx.Int("from", old.Target), logx.Int("to", cfg.Target))
	}
}

// Wakeup tops the pool up to the target and returns how many batch tasks it submitted.
// It never waits for batches to run.
func (s *Service) Wakeup() int {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.wakeupLocked()
}

// tick is the cron job of c. Ticks from a detached cron do nothing.
func (s *Service) tick(c *cron.Cron) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.mu.Lock()
	live := s.c == c
	s.mu.Unlock()
	if !live {
		return
	}
	s.wakeupLocked()
}

func (s *Service) wakeupLocked() int {
	s.mu.Lock()
	target := s.cfg.Target
	s.mu.Unlock()

	active := s.pool.Active()
	deficit := target - active
	submitted := 0
	for i := 0; i < deficit; i++ {
		if _, err := s.pool.Submit(TaskName, s.job); err != nil {
			if !errors.Is(err, pool.ErrPoolFull) {
				s.log.Warn("batch submit failed", logx.Err(err))
			}
			break
		}
		submitted++
	}

	s.mu.Lock()
	s.wakeups++
	s.subs += uint64(submitted)
	s.last = time.Now()
	s.mu.Unlock()

	s.log.Trace("wakeup", logx.Int("target", target), logx.Int("active", active), logx.Int("submitted", submitted))
	s.bus.Publish(eventbus.Event{Type: eventbus.SchedulerWakeup, Data: WakeupEvent{Target: target, Active: active, Submitted: submitted}})
	return submitted
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Enabled:    s.cfg.Enabled,
		Running:    s.c != nil,
		Target:     s.cfg.Target,
		Wakeups:    s.wakeups,
		Submitted:  s.subs,
		LastWakeup: s.last,
	}
	if spec, err := s.cfg.spec(); err == nil {
		snap.Schedule = spec.String()
	}
	if s.c != nil {
		snap.NextWakeup = s.c.Entry(s.entry).Next
	}
	return snap
}
