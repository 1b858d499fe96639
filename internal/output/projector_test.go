package output

import (
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kernelbridge/internal/contracts"
)

func display(valueID string, values ...string) contracts.DisplayEvent {
	ev := contracts.DisplayEvent{}
	if valueID != "" {
		ev.ValueID = &valueID
	}
	for _, v := range values {
		ev.FormattedValues = append(ev.FormattedValues, contracts.FormattedValue{MimeType: "text/plain", Value: v})
	}
	return ev
}

func text(values ...string) []Item {
	items := make([]Item, len(values))
	for i, v := range values {
		items[i] = TextItem("text/plain", v)
	}
	return items
}

var ignoreID = cmpopts.IgnoreFields(Entry{}, "ID")

func TestProjector_AppendsAndUpdates(t *testing.T) {
	p := NewProjector(nil)
	p.OnValueProduced(display("d1", "loading"))
	p.OnValueProduced(display("", "plain"))
	p.OnValueUpdated(display("d1", "done"))

	got := p.Entries()
	want := []Entry{{Items: text("done")}, {Items: text("plain")}}
	if diff := cmp.Diff(want, got, ignoreID); diff != "" {
		t.Errorf("entries mismatch (-want +got):\n%s", diff)
	}
	assert.Less(t, got[0].ID, got[1].ID)
}

func TestProjector_UpdateKeepsID(t *testing.T) {
	p := NewProjector(nil)
	p.OnValueProduced(display("d", "a"))
	before := p.Entries()[0].ID
	p.OnValueUpdated(display("d", "b"))
	p.OnValueProduced(display("d", "c"))

	entries := p.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, before, entries[0].ID)
	assert.Equal(t, text("c"), entries[0].Items)
}

func TestProjector_UnknownUpdateAppends(t *testing.T) {
	p := NewProjector(nil)
	p.OnValueUpdated(display("ghost", "x"))
	p.OnValueUpdated(display("ghost", "y"))

	entries := p.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, text("y"), entries[0].Items)
}

func TestProjector_DisplayIDsArePerProjector(t *testing.T) {
	a, b := NewProjector(nil), NewProjector(nil)
	a.OnValueProduced(display("same", "a"))
	b.OnValueUpdated(display("same", "b"))

	assert.Equal(t, text("a"), a.Entries()[0].Items)
	assert.Equal(t, 1, b.Len())
	assert.NotEqual(t, a.Entries()[0].ID, b.Entries()[0].ID)
}

func TestProjector_CommandFailed(t *testing.T) {
	p := NewProjector(nil)
	p.OnCommandFailed("", "bad things")

	entries := p.Entries()
	require.Len(t, entries, 1)
	require.Len(t, entries[0].Items, 1)
	d, ok := entries[0].Items[0].DecodeError()
	require.True(t, ok)
	assert.Equal(t, ErrorData{Name: "Error", Message: "bad things"}, d)
}

func TestProjector_ObserverGetsSnapshots(t *testing.T) {
	var (
		mu    sync.Mutex
		calls [][]Entry
	)
	p := NewProjector(func(e []Entry) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, e)
	})
	p.OnValueProduced(display("d", "1"))
	p.OnValueUpdated(display("d", "2"))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 2)
	assert.Equal(t, text("1"), calls[0][0].Items, "earlier snapshot must not see later updates")
	assert.Equal(t, text("2"), calls[1][0].Items)

	calls[1][0].Items[0].Data[0] = 'X'
	assert.Equal(t, text("2"), p.Entries()[0].Items)
}

func TestProjector_ObserverMayReadProjector(t *testing.T) {
	var p *Projector
	var seen int
	p = NewProjector(func([]Entry) { seen = p.Len() })
	p.OnValueProduced(display("", "x"))
	assert.Equal(t, 1, seen)
}

func TestProjector_ConcurrentObserverSeesLatest(t *testing.T) {
	var (
		mu   sync.Mutex
		last []Entry
	)
	p := NewProjector(func(e []Entry) {
		mu.Lock()
		defer mu.Unlock()
		last = e
	})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.OnValueProduced(display("", "v"))
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, last, 50)
}

func TestNextIDIncreases(t *testing.T) {
	a := NextID()
	b := NextID()
	assert.Greater(t, b, a)
}

func TestItemHelpers(t *testing.T) {
	_, ok := TextItem("text/plain", "x").DecodeError()
	assert.False(t, ok)

	e := Entry{ID: 1, Items: text("a")}
	c := e.Clone()
	c.Items[0].Data[0] = 'b'
	assert.Equal(t, "a", string(e.Items[0].Data))
}
