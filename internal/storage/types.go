package storage

import (
	"context"
	"errors"
	"time"

	"wakeworker/internal/automation"
	"wakeworker/internal/contact"
)

var (
	ErrClosed        = errors.New("storage closed")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps (tests, single-process demos)
//   - "sqlite": SQLite database file (pure Go driver)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// DueLimit caps how many ids one due query returns. 0 means 1000.
	DueLimit int

	// Now overrides the clock (tests).
	Now func() time.Time
}

func (c Config) dueLimit() int {
	if c.DueLimit <= 0 {
		return 1000
	}
	return c.DueLimit
}

func (c Config) clock() func() time.Time {
	if c.Now != nil {
		return c.Now
	}
	return time.Now
}

// Store is the persistence API used by the worker and the CLI.
type Store interface {
	contact.Repository
	automation.DefinitionSource

	// PutContact creates or replaces a contact. Fails with contact.ErrLocked while leased.
	PutContact(ctx context.Context, c *contact.Contact) error
	// Schedule upserts one automation state, creating the contact if needed.
	// Fails with contact.ErrLocked while the contact is leased.
	Schedule(ctx context.Context, id contact.ID, st contact.AutomationState) error
	GetContact(ctx context.Context, id contact.ID) (*contact.Contact, error)
	// Lease returns the active lease of a contact, if any.
	Lease(ctx context.Context, id contact.ID) (contact.Lease, bool, error)
	PutDefinition(ctx context.Context, d automation.Definition) error

	Close() error
}
