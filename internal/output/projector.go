package output

import (
	"sync"

	"kernelbridge/internal/contracts"
	"kernelbridge/internal/logging"
)

// Observer receives the full output list after every mutation.
type Observer func([]Entry)

// Projector owns the output list of one submission.
//
// Events sharing a non-nil valueId update the entry that valueId first
// created; everything else appends. Each projector keeps its own valueId map
// because unrelated submissions may reuse the same display id.
type Projector struct {
	mu       sync.Mutex
	entries  []Entry
	displays map[string]int // valueId -> index into entries
	version  uint64

	notifyMu  sync.Mutex
	delivered uint64 // guarded by notifyMu
	observer  Observer
}

// NewProjector creates an empty projector. observer may be nil.
func NewProjector(observer Observer) *Projector {
	return &Projector{
		displays: make(map[string]int),
		observer: observer,
	}
}

// OnValueProduced appends a new entry, or updates the existing one when the
// valueId is already mapped.
func (p *Projector) OnValueProduced(ev contracts.DisplayEvent) {
	p.mu.Lock()
	if idx, ok := p.lookup(ev.ValueID); ok {
		logging.Get(logging.CategoryOutput).Debug("produced event for known display %s treated as update", *ev.ValueID)
		p.entries[idx].Items = renderItems(ev.FormattedValues)
	} else {
		p.appendLocked(ev.ValueID, renderItems(ev.FormattedValues))
	}
	p.notifyLocked()
}

// OnValueUpdated replaces the items of the entry owning the valueId. An update
// for a display this projector never saw cannot be reconciled and is appended.
func (p *Projector) OnValueUpdated(ev contracts.DisplayEvent) {
	p.mu.Lock()
	if idx, ok := p.lookup(ev.ValueID); ok {
		p.entries[idx].Items = renderItems(ev.FormattedValues)
	} else {
		logging.Get(logging.CategoryOutput).Debug("update for unknown display appended")
		p.appendLocked(ev.ValueID, renderItems(ev.FormattedValues))
	}
	p.notifyLocked()
}

// OnCommandFailed appends a single error entry.
func (p *Projector) OnCommandFailed(name, message string) {
	if name == "" {
		name = "Error"
	}
	p.mu.Lock()
	p.appendLocked(nil, []Item{ErrorItem(name, message)})
	p.notifyLocked()
}

// Entries returns a copy of the current output list.
func (p *Projector) Entries() []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return cloneEntries(p.entries)
}

// Len returns the number of entries.
func (p *Projector) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *Projector) lookup(valueID *string) (int, bool) {
	if valueID == nil {
		return 0, false
	}
	idx, ok := p.displays[*valueID]
	return idx, ok
}

func (p *Projector) appendLocked(valueID *string, items []Item) {
	p.entries = append(p.entries, Entry{ID: NextID(), Items: items})
	if valueID != nil {
		p.displays[*valueID] = len(p.entries) - 1
	}
}

// notifyLocked releases p.mu before calling the observer so the observer may
// read the projector. A snapshot older than one already delivered is dropped,
// so the last call an observer sees always reflects the latest state.
func (p *Projector) notifyLocked() {
	p.version++
	if p.observer == nil {
		p.mu.Unlock()
		return
	}
	version := p.version
	snapshot := cloneEntries(p.entries)
	p.mu.Unlock()

	p.notifyMu.Lock()
	defer p.notifyMu.Unlock()
	if version <= p.delivered {
		return
	}
	p.delivered = version
	p.observer(snapshot)
}

func renderItems(values []contracts.FormattedValue) []Item {
	items := make([]Item, 0, len(values))
	for _, v := range values {
		items = append(items, TextItem(v.MimeType, v.Value))
	}
	return items
}
