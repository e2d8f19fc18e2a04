// Package contact holds the contact record model and the collaborator
// contracts the batch processor depends on.
package contact

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLeaseLost is returned by SaveAndRelease when the caller no longer owns the lease.
	ErrLeaseLost = errors.New("contact lease not held by owner")
	// ErrNotFound is returned by lookups of unknown contacts.
	ErrNotFound = errors.New("contact not found")
	// ErrLocked is returned by writes that bypass leasing while a lease is active.
	ErrLocked = errors.New("contact is leased")
)

// ID is an opaque contact identifier.
type ID string

// AutomationState is one pending timed transition of a contact.
type AutomationState struct {
	PlanID    string    `json:"plan_id"`
	StateID   string    `json:"state_id"`
	EnteredAt time.Time `json:"entered_at"`
	WakeUpAt  time.Time `json:"wake_up_at"`

	// IsDue is set by the batch processor when WakeUpAt has passed.
	IsDue bool `json:"is_due"`
}

// DueAt reports whether the state should fire as of now.
func (s *AutomationState) DueAt(now time.Time) bool {
	return s != nil && !s.WakeUpAt.After(now)
}

// Contact is a record with its automation states.
type Contact struct {
	ID        ID                 `json:"id"`
	Active    bool               `json:"active"`
	States    []*AutomationState `json:"states"`
	UpdatedAt time.Time          `json:"updated_at"`
}

// Clone returns a deep copy; stores hand out clones so callers never alias stored state.
func (c *Contact) Clone() *Contact {
	if c == nil {
		return nil
	}
	cp := *c
	cp.States = make([]*AutomationState, 0, len(c.States))
	for _, s := range c.States {
		if s == nil {
			continue
		}
		sc := *s
		cp.States = append(cp.States, &sc)
	}
	return &cp
}

// RemoveState drops the state with the given id. It reports whether a state was removed.
func (c *Contact) RemoveState(stateID string) bool {
	for i, s := range c.States {
		if s != nil && s.StateID == stateID {
			c.States = append(c.States[:i], c.States[i+1:]...)
			return true
		}
	}
	return false
}

// ReplaceState puts next in the slot of old and drops any other state that
// already carries next.StateID, so a contact holds at most one state per id.
// next is appended when old is not attached.
func (c *Contact) ReplaceState(old, next *AutomationState) {
	kept := c.States[:0]
	placed := false
	for _, s := range c.States {
		switch {
		case s == old && !placed:
			kept = append(kept, next)
			placed = true
		case s == nil || s == old || s.StateID == next.StateID:
		default:
			kept = append(kept, s)
		}
	}
	if !placed {
		kept = append(kept, next)
	}
	for i := len(kept); i < len(c.States); i++ {
		c.States[i] = nil
	}
	c.States = kept
}

// Attached reports whether st is one of the contact's current states.
func (c *Contact) Attached(st *AutomationState) bool {
	for _, s := range c.States {
		if s == st {
			return true
		}
	}
	return false
}

// Lease is the exclusive ownership token over a contact.
type Lease struct {
	ContactID ID        `json:"contact_id"`
	Owner     string    `json:"owner"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease is no longer enforced as of now.
func (l Lease) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

type LockStatus int

const (
	LockSuccess LockStatus = iota
	LockContended
	LockNotFound
	LockError
)

func (s LockStatus) String() string {
	switch s {
	case LockSuccess:
		return "success"
	case LockContended:
		return "contended"
	case LockNotFound:
		return "not_found"
	default:
		return "error"
	}
}

// LockResult is the outcome of Repository.TryLoad.
// Contact is non-nil only when Status is LockSuccess.
type LockResult struct {
	Status  LockStatus
	Contact *Contact
	Err     error
}

// SaveOptions controls Repository.SaveAndRelease.
type SaveOptions struct {
	// Force writes even when nothing changed.
	Force bool
	// Owner must hold the lease for the save to be accepted.
	Owner string
	// Release clears the lease as part of the same store operation.
	Release bool
}

// Repository is the contact store with lease-aware access.
type Repository interface {
	// DueContactIDs lists contacts with at least one state due as of now.
	// A non-nil error means the query itself is unavailable; an empty slice is a normal empty batch.
	DueContactIDs(ctx context.Context, now time.Time) ([]ID, error)

	// TryLoad makes one attempt to lease the contact for owner and load it.
	// The attempt may block up to timeout; a granted lease expires after timeout unless released.
	TryLoad(ctx context.Context, id ID, owner string, timeout time.Duration) LockResult

	// SaveAndRelease persists c, validating that opt.Owner holds the lease.
	SaveAndRelease(ctx context.Context, c *Contact, opt SaveOptions) error

	// Release drops the lease if owner holds it. Releasing a lease held by someone else is a no-op.
	Release(ctx context.Context, id ID, owner string) error
}

// StateMachine advances automation states. BackgroundProcess may fail or panic.
type StateMachine interface {
	BackgroundProcess(ctx context.Context, sess *Session, state *AutomationState) error
}
