// Package pricing resolves per-destination call rates and turns call durations into money.
package pricing

import (
	"fmt"
	"sort"
	"time"

	"zippcall/internal/model"
)

// Table is an immutable, versioned snapshot of the rate table.
// A refresh builds a new Table; readers never see a table being modified.
type Table struct {
	version  uint64
	loadedAt time.Time
	entries  map[string]model.RateEntry
}

func NewTable(version uint64, entries []model.RateEntry) (*Table, error) {
	t := &Table{
		version:  version,
		loadedAt: time.Now().UTC(),
		entries:  make(map[string]model.RateEntry, len(entries)),
	}
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("rate %q: %w", e.Destination, err)
		}
		e.Destination = model.NormalizeDestination(e.Destination)
		if _, dup := t.entries[e.Destination]; dup {
			return nil, fmt.Errorf("rate %q: %w", e.Destination, model.Invalid("destination", "is duplicated"))
		}
		t.entries[e.Destination] = e
	}
	return t, nil
}

func (t *Table) Version() uint64     { return t.version }
func (t *Table) LoadedAt() time.Time { return t.loadedAt }
func (t *Table) Len() int            { return len(t.entries) }

func (t *Table) Lookup(destination string) (model.RateEntry, bool) {
	e, ok := t.entries[model.NormalizeDestination(destination)]
	return e, ok
}

// Entries returns the rates ordered by destination.
func (t *Table) Entries() []model.RateEntry {
	out := make([]model.RateEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Destination < out[j].Destination })
	return out
}
