package contact

import (
	"sync"
	"time"
)

// Site is the tenant context a pass runs under.
type Site struct {
	Name     string `json:"name"`
	Hostname string `json:"hostname,omitempty"`
	Language string `json:"language,omitempty"`
}

// Session wraps a leased contact for one background invocation.
type Session struct {
	Contact *Contact
	Site    Site
	Owner   string
	Started time.Time

	// IsNew and IsFirstRequest mark the session as a synthetic background
	// invocation rather than a live visit.
	IsNew          bool
	IsFirstRequest bool

	Items *Items
}

// NewBackgroundSession builds the session used by the batch processor.
func NewBackgroundSession(c *Contact, site Site, owner string, items *Items, now time.Time) *Session {
	if items == nil {
		items = NewItems()
	}
	return &Session{
		Contact:        c,
		Site:           site,
		Owner:          owner,
		Started:        now,
		IsNew:          true,
		IsFirstRequest: true,
		Items:          items,
	}
}

// Items is a task-local bag of values shared by handlers within one batch task.
// A fresh bag is created per task so nothing leaks between tasks.
type Items struct {
	mu sync.Mutex
	m  map[string]any
}

func NewItems() *Items { return &Items{m: map[string]any{}} }

func (it *Items) Set(k string, v any) {
	it.mu.Lock()
	it.m[k] = v
	it.mu.Unlock()
}

func (it *Items) Get(k string) (any, bool) {
	it.mu.Lock()
	defer it.mu.Unlock()
	v, ok := it.m[k]
	return v, ok
}
