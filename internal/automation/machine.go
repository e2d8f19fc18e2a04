package automation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"wakeworker/internal/contact"
	logx "wakeworker/pkg/logx"
)

// Hook runs before the built-in transition of a state. Returning an error aborts the transition.
type Hook func(ctx context.Context, sess *contact.Session, state *contact.AutomationState) error

// Machine is the contact.StateMachine backed by the definition cache.
type Machine struct {
	defs *Cache
	log  logx.Logger
	now  func() time.Time

	mu    sync.RWMutex
	hooks map[string][]Hook
}

type Option func(*Machine)

func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

func NewMachine(defs *Cache, log logx.Logger, opts ...Option) *Machine {
	if defs == nil {
		panic("automation: definition cache is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	m := &Machine{defs: defs, log: log, now: time.Now, hooks: map[string][]Hook{}}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Handle registers a hook for stateID.
func (m *Machine) Handle(stateID string, h Hook) {
	if h == nil {
		return
	}
	m.mu.Lock()
	m.hooks[stateID] = append(m.hooks[stateID], h)
	m.mu.Unlock()
}

// BackgroundProcess fires a due state: hooks first, then the transition from its definition.
func (m *Machine) BackgroundProcess(ctx context.Context, sess *contact.Session, state *contact.AutomationState) error {
	if sess == nil || sess.Contact == nil || state == nil {
		return fmt.Errorf("automation: session, contact and state are required")
	}
	if !state.IsDue {
		return nil
	}
	// An earlier transition in this pass may have superseded the state.
	if !sess.Contact.Attached(state) {
		return nil
	}
	def, err := m.defs.Lookup(ctx, state.StateID)
	if err != nil {
		return err
	}

	m.mu.RLock()
	hooks := append([]Hook(nil), m.hooks[state.StateID]...)
	m.mu.RUnlock()
	for _, h := range hooks {
		if err := h(ctx, sess, state); err != nil {
			return fmt.Errorf("hook %s: %w", state.StateID, err)
		}
	}

	c := sess.Contact
	if def.Terminal || def.NextStateID == "" {
		c.RemoveState(state.StateID)
		m.log.Debug("state completed", logx.String("contact", string(c.ID)), logx.String("state", state.StateID))
		return nil
	}

	now := m.now()
	next := &contact.AutomationState{
		PlanID:    state.PlanID,
		StateID:   def.NextStateID,
		EnteredAt: now,
		WakeUpAt:  now.Add(def.Delay),
	}
	if def.PlanID != "" {
		next.PlanID = def.PlanID
	}
	c.ReplaceState(state, next)
	m.log.Debug("state advanced",
		logx.String("contact", string(c.ID)),
		logx.String("from", state.StateID),
		logx.String("to", next.StateID),
		logx.Time("wake_up_at", next.WakeUpAt),
	)
	return nil
}
