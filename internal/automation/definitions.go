// Package automation advances contact automation states when they wake up.
package automation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

var (
	ErrUnknownState = errors.New("automation state has no definition")
	ErrNoSource     = errors.New("automation definition source not configured")
)

// Definition describes what happens when a state wakes up.
//
// A terminal definition (or one without NextStateID) removes the state from the contact.
// Otherwise the state is replaced by NextStateID, scheduled Delay after the wake-up.
type Definition struct {
	StateID     string        `json:"state_id"`
	PlanID      string        `json:"plan_id"`
	NextStateID string        `json:"next_state_id,omitempty"`
	Delay       time.Duration `json:"delay"`
	Terminal    bool          `json:"terminal"`
}

func (d Definition) Validate() error {
	if strings.TrimSpace(d.StateID) == "" {
		return fmt.Errorf("definition: state_id is required")
	}
	if d.Delay < 0 {
		return fmt.Errorf("definition %s: delay must be >= 0", d.StateID)
	}
	if d.Terminal && d.NextStateID != "" {
		return fmt.Errorf("definition %s: terminal state cannot have a next state", d.StateID)
	}
	return nil
}

// DefinitionSource loads the definition database keyed by state id.
type DefinitionSource interface {
	LoadDefinitions(ctx context.Context) (map[string]Definition, error)
}

// Cache is the process-wide reference to the definition database.
//
// It loads lazily on first use. Reset drops the reference so the next pass
// re-resolves definitions instead of running on a stale copy.
type Cache struct {
	src DefinitionSource

	mu     sync.Mutex
	defs   map[string]Definition
	loads  uint64
	resets uint64
}

func NewCache(src DefinitionSource) *Cache {
	return &Cache{src: src}
}

func (c *Cache) Reset() {
	c.mu.Lock()
	c.defs = nil
	c.resets++
	c.mu.Unlock()
}

// Lookup returns the definition of stateID, loading the database if needed.
func (c *Cache) Lookup(ctx context.Context, stateID string) (Definition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.defs == nil {
		if c.src == nil {
			return Definition{}, ErrNoSource
		}
		defs, err := c.src.LoadDefinitions(ctx)
		if err != nil {
			return Definition{}, fmt.Errorf("load definitions: %w", err)
		}
		if defs == nil {
			defs = map[string]Definition{}
		}
		c.defs = defs
		c.loads++
	}
	d, ok := c.defs[stateID]
	if !ok {
		return Definition{}, fmt.Errorf("%w: %s", ErrUnknownState, stateID)
	}
	return d, nil
}

// Stats returns how many times the database was loaded and reset.
func (c *Cache) Stats() (loads, resets uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loads, c.resets
}

// StaticSource serves a fixed set of definitions.
type StaticSource map[string]Definition

func (s StaticSource) LoadDefinitions(context.Context) (map[string]Definition, error) {
	out := make(map[string]Definition, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}
