// Package processor runs one batch pass: query due contacts, then lease,
// advance, save and release each of them in turn.
package processor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"wakeworker/internal/automation"
	"wakeworker/internal/contact"
	"wakeworker/internal/site"
	"wakeworker/internal/task/pool"
	"wakeworker/internal/tracking"
	logx "wakeworker/pkg/logx"
)

// DefaultLockTimeout bounds one lease attempt and is the TTL of a granted lease.
const DefaultLockTimeout = 10 * time.Second

var (
	// ErrPassSkipped is returned by Task when a pass did not run.
	ErrPassSkipped = errors.New("batch pass skipped")
)

type Config struct {
	Enabled         bool
	WorkerID        string
	LockTimeout     time.Duration
	OperationalSite string
}

// Deps are the collaborators of a Processor. Repository may be nil; a pass
// then reports the store as unavailable.
type Deps struct {
	Repository  contact.Repository
	Machine     contact.StateMachine
	Definitions *automation.Cache
	Sites       *site.Registry
	Tracker     *tracking.Tracker
	Log         logx.Logger
	Now         func() time.Time
}

type Processor struct {
	workerID string
	repo     contact.Repository
	machine  contact.StateMachine
	defs     *automation.Cache
	sites    *site.Registry
	tracker  *tracking.Tracker
	log      logx.Logger
	now      func() time.Time

	enabled     atomic.Bool
	lockTimeout atomic.Int64
	opSite      atomic.Value // string
}

// New panics when a required collaborator is missing or the worker id is empty.
func New(cfg Config, d Deps) *Processor {
	if strings.TrimSpace(cfg.WorkerID) == "" {
		panic("processor: worker id is required")
	}
	if d.Machine == nil {
		panic("processor: state machine is required")
	}
	if d.Sites == nil {
		panic("processor: site registry is required")
	}
	if d.Tracker == nil {
		panic("processor: tracker is required")
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	p := &Processor{
		workerID: cfg.WorkerID,
		repo:     d.Repository,
		machine:  d.Machine,
		defs:     d.Definitions,
		sites:    d.Sites,
		tracker:  d.Tracker,
		log:      d.Log.With(logx.String("worker", cfg.WorkerID)),
		now:      d.Now,
	}
	p.Apply(cfg)
	return p
}

// Apply updates the hot-reloadable settings. The worker id is fixed at construction.
func (p *Processor) Apply(cfg Config) {
	p.enabled.Store(cfg.Enabled)
	lt := cfg.LockTimeout
	if lt <= 0 {
		lt = DefaultLockTimeout
	}
	p.lockTimeout.Store(int64(lt))
	name := strings.TrimSpace(cfg.OperationalSite)
	if name == "" {
		name = site.DefaultOperational
	}
	p.opSite.Store(name)
}

func (p *Processor) WorkerID() string { return p.workerID }

// Owner is the lease owner of a batch task.
func (p *Processor) Owner(id pool.TaskID) string {
	return p.workerID + "_" + strconv.FormatUint(uint64(id), 10)
}

// Task adapts Process to the worker pool.
func (p *Processor) Task() pool.Func {
	return func(ctx context.Context, id pool.TaskID) error {
		if !p.Process(ctx, id) {
			return ErrPassSkipped
		}
		return nil
	}
}

// Process runs one batch pass for task id. It returns false when the pass
// did not run (disabled, no repository, or the due query failed), and true
// once every due contact was attempted, regardless of per-contact outcomes.
func (p *Processor) Process(ctx context.Context, id pool.TaskID) bool {
	if !p.enabled.Load() {
		p.log.Info("batch processing disabled")
		return false
	}
	if p.repo == nil {
		p.log.Warn("contact repository unavailable")
		return false
	}

	items := contact.NewItems()
	if p.defs != nil {
		p.defs.Reset()
	}
	s := p.resolveSite()

	ids, err := p.repo.DueContactIDs(ctx, p.now())
	if err != nil {
		p.log.Warn("due contact query unavailable", logx.Err(err))
		return false
	}

	scope := p.tracker.Begin(ctx, s, len(ids))
	defer scope.End()

	owner := p.Owner(id)
	scope.SetOwner(owner)
	timeout := time.Duration(p.lockTimeout.Load())

	for _, cid := range ids {
		res := p.repo.TryLoad(ctx, cid, owner, timeout)
		if res.Status != contact.LockSuccess || res.Contact == nil {
			if res.Status == contact.LockContended {
				scope.Contended()
			}
			continue
		}
		if err := p.processOne(ctx, res.Contact, s, owner, items, scope); err != nil {
			scope.Failed()
			p.log.Error("contact processing failed", logx.String("contact", string(cid)), logx.String("owner", owner), logx.Err(err))
			if rerr := p.repo.Release(context.WithoutCancel(ctx), cid, owner); rerr != nil {
				p.log.Error("contact release failed", logx.String("contact", string(cid)), logx.Err(rerr))
			}
			continue
		}
		scope.Processed()
	}
	return true
}

func (p *Processor) resolveSite() contact.Site {
	name, _ := p.opSite.Load().(string)
	if s, ok := p.sites.Resolve(name); ok {
		return s
	}
	cur := p.sites.Current()
	p.log.Warn("operational site not found; using current site", logx.String("site", name), logx.String("fallback", cur.Name))
	return cur
}

// processOne fires the due states of a leased contact and saves it. A
// returned error means the lease is still held.
func (p *Processor) processOne(ctx context.Context, c *contact.Contact, s contact.Site, owner string, items *contact.Items, scope *tracking.Scope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("contact processing panicked",
				logx.String("contact", string(c.ID)), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	now := p.now()
	sess := contact.NewBackgroundSession(c, s, owner, items, now)

	// The machine may replace entries in c.States; iterate a snapshot.
	states := append([]*contact.AutomationState(nil), c.States...)
	for _, st := range states {
		if st == nil || !st.DueAt(now) {
			continue
		}
		st.IsDue = true
		if err := p.machine.BackgroundProcess(ctx, sess, st); err != nil {
			return fmt.Errorf("state %s: %w", st.StateID, err)
		}
		scope.StateFired()
	}

	if !c.Active {
		return p.repo.Release(ctx, c.ID, owner)
	}
	return p.repo.SaveAndRelease(ctx, c, contact.SaveOptions{Force: true, Owner: owner, Release: true})
}

// NewWorkerID returns hostname-uuid, unique per process.
func NewWorkerID() string {
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "wakeworker"
	}
	return host + "-" + uuid.NewString()
}
