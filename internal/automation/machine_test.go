package automation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wakeworker/internal/contact"
	logx "wakeworker/pkg/logx"
)

type countingSource struct {
	defs  map[string]Definition
	calls int
	err   error
}

func (s *countingSource) LoadDefinitions(context.Context) (map[string]Definition, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.defs, nil
}

func TestCacheLoadsLazilyAndResets(t *testing.T) {
	t.Parallel()
	src := &countingSource{defs: map[string]Definition{"a": {StateID: "a", Terminal: true}}}
	c := NewCache(src)

	_, err := c.Lookup(context.Background(), "a")
	require.NoError(t, err)
	_, err = c.Lookup(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)

	c.Reset()
	_, err = c.Lookup(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)

	loads, resets := c.Stats()
	assert.Equal(t, uint64(2), loads)
	assert.Equal(t, uint64(1), resets)
}

func TestCacheErrors(t *testing.T) {
	t.Parallel()
	_, err := NewCache(nil).Lookup(context.Background(), "a")
	assert.ErrorIs(t, err, ErrNoSource)

	boom := errors.New("boom")
	_, err = NewCache(&countingSource{err: boom}).Lookup(context.Background(), "a")
	assert.ErrorIs(t, err, boom)

	_, err = NewCache(StaticSource{}).Lookup(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestDefinitionValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		def  Definition
		ok   bool
	}{
		{name: "terminal", def: Definition{StateID: "a", Terminal: true}, ok: true},
		{name: "chained", def: Definition{StateID: "a", NextStateID: "b", Delay: time.Hour}, ok: true},
		{name: "missing id", def: Definition{}, ok: false},
		{name: "negative delay", def: Definition{StateID: "a", Delay: -time.Second}, ok: false},
		{name: "terminal with next", def: Definition{StateID: "a", NextStateID: "b", Terminal: true}, ok: false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func newSession(states ...*contact.AutomationState) *contact.Session {
	c := &contact.Contact{ID: "c1", Active: true, States: states}
	return contact.NewBackgroundSession(c, contact.Site{Name: "default"}, "w_1", nil, time.Now())
}

func TestMachineAdvancesToNextState(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMachine(NewCache(StaticSource{
		"welcome": {StateID: "welcome", PlanID: "onboarding", NextStateID: "reminder", Delay: 24 * time.Hour},
	}), logx.Nop(), WithClock(func() time.Time { return now }))

	st := &contact.AutomationState{StateID: "welcome", PlanID: "onboarding", WakeUpAt: now.Add(-time.Second), IsDue: true}
	sess := newSession(st)
	require.NoError(t, m.BackgroundProcess(context.Background(), sess, st))

	require.Len(t, sess.Contact.States, 1)
	next := sess.Contact.States[0]
	assert.Equal(t, "reminder", next.StateID)
	assert.Equal(t, "onboarding", next.PlanID)
	assert.Equal(t, now.Add(24*time.Hour), next.WakeUpAt)
	assert.False(t, next.IsDue)
}

func TestMachineAdvanceIntoExistingStateReplacesIt(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	m := NewMachine(NewCache(StaticSource{
		"a": {StateID: "a", NextStateID: "b", Delay: time.Hour},
		"b": {StateID: "b", NextStateID: "c", Delay: time.Hour},
	}), logx.Nop(), WithClock(func() time.Time { return now }))

	a := &contact.AutomationState{StateID: "a", WakeUpAt: now.Add(-time.Minute), IsDue: true}
	b := &contact.AutomationState{StateID: "b", WakeUpAt: now.Add(5 * time.Hour)}
	sess := newSession(a, b)
	require.NoError(t, m.BackgroundProcess(context.Background(), sess, a))

	require.Len(t, sess.Contact.States, 1)
	assert.Equal(t, "b", sess.Contact.States[0].StateID)
	assert.Equal(t, now.Add(time.Hour), sess.Contact.States[0].WakeUpAt)

	// The superseded b is no longer attached and must not fire.
	b.IsDue = true
	require.NoError(t, m.BackgroundProcess(context.Background(), sess, b))
	require.Len(t, sess.Contact.States, 1)
	assert.Equal(t, "b", sess.Contact.States[0].StateID)
}

func TestMachineTerminalRemovesState(t *testing.T) {
	t.Parallel()
	m := NewMachine(NewCache(StaticSource{"done": {StateID: "done", Terminal: true}}), logx.Nop())
	st := &contact.AutomationState{StateID: "done", IsDue: true}
	other := &contact.AutomationState{StateID: "later"}
	sess := newSession(st, other)

	require.NoError(t, m.BackgroundProcess(context.Background(), sess, st))
	require.Len(t, sess.Contact.States, 1)
	assert.Same(t, other, sess.Contact.States[0])
}

func TestMachineSkipsStatesNotDue(t *testing.T) {
	t.Parallel()
	m := NewMachine(NewCache(nil), logx.Nop())
	st := &contact.AutomationState{StateID: "x"}
	require.NoError(t, m.BackgroundProcess(context.Background(), newSession(st), st))
}

func TestMachineHooks(t *testing.T) {
	t.Parallel()
	m := NewMachine(NewCache(StaticSource{"a": {StateID: "a", Terminal: true}}), logx.Nop())
	var seen []string
	m.Handle("a", func(_ context.Context, sess *contact.Session, st *contact.AutomationState) error {
		seen = append(seen, string(sess.Contact.ID)+"/"+st.StateID)
		return nil
	})
	st := &contact.AutomationState{StateID: "a", IsDue: true}
	require.NoError(t, m.BackgroundProcess(context.Background(), newSession(st), st))
	assert.Equal(t, []string{"c1/a"}, seen)

	boom := errors.New("boom")
	m.Handle("a", func(context.Context, *contact.Session, *contact.AutomationState) error { return boom })
	st2 := &contact.AutomationState{StateID: "a", IsDue: true}
	sess := newSession(st2)
	err := m.BackgroundProcess(context.Background(), sess, st2)
	require.ErrorIs(t, err, boom)
	assert.Len(t, sess.Contact.States, 1, "failed hook must not transition")
}

func TestMachineUnknownState(t *testing.T) {
	t.Parallel()
	m := NewMachine(NewCache(StaticSource{}), logx.Nop())
	st := &contact.AutomationState{StateID: "ghost", IsDue: true}
	err := m.BackgroundProcess(context.Background(), newSession(st), st)
	assert.ErrorIs(t, err, ErrUnknownState)
}

func TestNewMachinePanicsWithoutCache(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { NewMachine(nil, logx.Nop()) })
}
