package tracking

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wakeworker/internal/contact"
	"wakeworker/internal/eventbus"
	logx "wakeworker/pkg/logx"
)

func TestScopeEndPublishesStats(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(4)
	defer unsub()

	tr := New(logx.Nop(), bus)
	sc := tr.Begin(context.Background(), contact.Site{Name: "ops"}, 3)
	assert.Equal(t, int64(1), tr.Open())
	sc.SetOwner("w_7")
	sc.Processed()
	sc.Processed()
	sc.Contended()
	sc.StateFired()

	st := sc.End()
	sc.End()
	assert.Equal(t, int64(0), tr.Open())
	assert.Equal(t, uint64(2), st.Processed)
	assert.Equal(t, uint64(1), st.Contended)
	assert.Equal(t, "w_7", st.Owner)

	last, runs := tr.Last()
	assert.Equal(t, uint64(1), runs)
	assert.Equal(t, st, last)

	select {
	case e := <-ch:
		require.Equal(t, eventbus.BatchFinished, e.Type)
		assert.Equal(t, "ops", e.Data.(PassStats).Site)
	case <-time.After(time.Second):
		t.Fatal("no batch.finished event")
	}
	select {
	case e := <-ch:
		t.Fatalf("second End published %v", e.Type)
	default:
	}
}

func TestNilScopeEnd(t *testing.T) {
	t.Parallel()
	var sc *Scope
	assert.Equal(t, PassStats{}, sc.End())
}
