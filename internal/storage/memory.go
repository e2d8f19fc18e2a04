package storage

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"wakeworker/internal/automation"
	"wakeworker/internal/contact"
)

// memoryStore keeps everything in process memory. Lease semantics match the sqlite driver.
type memoryStore struct {
	now      func() time.Time
	dueLimit int

	mu       sync.Mutex
	closed   bool
	contacts map[contact.ID]*contact.Contact
	leases   map[contact.ID]contact.Lease
	defs     map[string]automation.Definition
}

// NewMemory returns an empty in-memory store.
func NewMemory(cfg Config) Store {
	return &memoryStore{
		now:      cfg.clock(),
		dueLimit: cfg.dueLimit(),
		contacts: map[contact.ID]*contact.Contact{},
		leases:   map[contact.ID]contact.Lease{},
		defs:     map[string]automation.Definition{},
	}
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) DueContactIDs(ctx context.Context, now time.Time) ([]contact.ID, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	type due struct {
		id contact.ID
		at time.Time
	}
	var found []due
	for id, c := range s.contacts {
		var earliest time.Time
		for _, st := range c.States {
			if st.DueAt(now) && (earliest.IsZero() || st.WakeUpAt.Before(earliest)) {
				earliest = st.WakeUpAt
			}
		}
		if !earliest.IsZero() {
			found = append(found, due{id: id, at: earliest})
		}
	}
	sort.Slice(found, func(i, j int) bool {
		if !found[i].at.Equal(found[j].at) {
			return found[i].at.Before(found[j].at)
		}
		return found[i].id < found[j].id
	})
	if len(found) > s.dueLimit {
		found = found[:s.dueLimit]
	}
	ids := make([]contact.ID, 0, len(found))
	for _, d := range found {
		ids = append(ids, d.id)
	}
	return ids, nil
}

func (s *memoryStore) TryLoad(ctx context.Context, id contact.ID, owner string, timeout time.Duration) contact.LockResult {
	if err := ctx.Err(); err != nil {
		return contact.LockResult{Status: contact.LockError, Err: err}
	}
	if strings.TrimSpace(owner) == "" {
		return contact.LockResult{Status: contact.LockError, Err: errors.New("lease owner is required")}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return contact.LockResult{Status: contact.LockError, Err: ErrClosed}
	}
	c, ok := s.contacts[id]
	if !ok {
		return contact.LockResult{Status: contact.LockNotFound}
	}
	now := s.now()
	if l, held := s.leases[id]; held && l.Owner != owner && !l.Expired(now) {
		return contact.LockResult{Status: contact.LockContended}
	}
	s.leases[id] = contact.Lease{ContactID: id, Owner: owner, ExpiresAt: now.Add(timeout)}
	return contact.LockResult{Status: contact.LockSuccess, Contact: c.Clone()}
}

func (s *memoryStore) SaveAndRelease(ctx context.Context, c *contact.Contact, opt contact.SaveOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c == nil {
		return errors.New("contact is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	cur, ok := s.contacts[c.ID]
	if !ok {
		return contact.ErrNotFound
	}
	l, held := s.leases[c.ID]
	if !held || l.Owner != opt.Owner {
		return contact.ErrLeaseLost
	}
	if opt.Force || cur.Active != c.Active || !reflect.DeepEqual(cur.States, c.Clone().States) {
		next := c.Clone()
		next.UpdatedAt = s.now()
		s.contacts[c.ID] = next
	}
	if opt.Release {
		delete(s.leases, c.ID)
	}
	return nil
}

func (s *memoryStore) Release(_ context.Context, id contact.ID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if l, ok := s.leases[id]; ok && l.Owner == owner {
		delete(s.leases, id)
	}
	return nil
}

func (s *memoryStore) Lease(ctx context.Context, id contact.ID) (contact.Lease, bool, error) {
	if err := ctx.Err(); err != nil {
		return contact.Lease{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return contact.Lease{}, false, ErrClosed
	}
	l, ok := s.leases[id]
	if !ok || l.Expired(s.now()) {
		return contact.Lease{}, false, nil
	}
	return l, true, nil
}

func (s *memoryStore) leasedLocked(id contact.ID) bool {
	l, ok := s.leases[id]
	return ok && !l.Expired(s.now())
}

func (s *memoryStore) PutContact(ctx context.Context, c *contact.Contact) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c == nil || strings.TrimSpace(string(c.ID)) == "" {
		return errors.New("contact id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.leasedLocked(c.ID) {
		return contact.ErrLocked
	}
	next := c.Clone()
	next.UpdatedAt = s.now()
	s.contacts[c.ID] = next
	return nil
}

func (s *memoryStore) Schedule(ctx context.Context, id contact.ID, st contact.AutomationState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(string(id)) == "" || strings.TrimSpace(st.StateID) == "" {
		return errors.New("contact id and state id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.leasedLocked(id) {
		return contact.ErrLocked
	}
	now := s.now()
	if st.EnteredAt.IsZero() {
		st.EnteredAt = now
	}
	c, ok := s.contacts[id]
	if !ok {
		c = &contact.Contact{ID: id, Active: true}
		s.contacts[id] = c
	}
	c.UpdatedAt = now
	for i, cur := range c.States {
		if cur.StateID == st.StateID {
			c.States[i] = &st
			return nil
		}
	}
	c.States = append(c.States, &st)
	return nil
}

func (s *memoryStore) GetContact(ctx context.Context, id contact.ID) (*contact.Contact, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	c, ok := s.contacts[id]
	if !ok {
		return nil, contact.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *memoryStore) PutDefinition(ctx context.Context, d automation.Definition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := d.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.defs[d.StateID] = d
	return nil
}

func (s *memoryStore) LoadDefinitions(ctx context.Context) (map[string]automation.Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make(map[string]automation.Definition, len(s.defs))
	for k, v := range s.defs {
		out[k] = v
	}
	return out, nil
}
