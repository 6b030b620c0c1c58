package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Journal is the durable record of per-action outcomes. Put must atomically
// replace the entry stored under entry.ActionID; Get returns nil, nil when no
// entry exists.
type Journal interface {
	// Get returns the latest entry for an action.
	Get(ctx context.Context, actionID string) (*JournalEntry, error)

	// Put atomically overwrites the entry for entry.ActionID.
	Put(ctx context.Context, entry *JournalEntry) error

	// All returns every latest entry.
	All(ctx context.Context) ([]JournalEntry, error)
}

// MemoryJournal is an in-process Journal used for tests and dry runs.
type MemoryJournal struct {
	mu      sync.RWMutex
	entries map[string]JournalEntry
	puts    int
}

// NewMemoryJournal creates an empty in-memory journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{entries: make(map[string]JournalEntry)}
}

// Get implements Journal.
func (j *MemoryJournal) Get(_ context.Context, actionID string) (*JournalEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	entry, ok := j.entries[actionID]
	if !ok {
		return nil, nil
	}
	return copyEntry(entry), nil
}

// Put implements Journal.
func (j *MemoryJournal) Put(_ context.Context, entry *JournalEntry) error {
	if entry == nil || entry.ActionID == "" {
		return fmt.Errorf("journal entry requires an action id")
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[entry.ActionID] = *copyEntry(*entry)
	j.puts++
	return nil
}

// All implements Journal. Entries are sorted by action id.
func (j *MemoryJournal) All(_ context.Context) ([]JournalEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := make([]JournalEntry, 0, len(j.entries))
	for _, entry := range j.entries {
		out = append(out, *copyEntry(entry))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ActionID < out[b].ActionID })
	return out, nil
}

// Writes returns the number of Put calls served.
func (j *MemoryJournal) Writes() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.puts
}

func copyEntry(e JournalEntry) *JournalEntry {
	out := e
	if e.Result != nil {
		out.Result = append([]byte(nil), e.Result...)
	}
	if e.Args != nil {
		out.Args = append([]byte(nil), e.Args...)
	}
	return &out
}

// guardedJournal serializes access per action id and enforces the journal
// invariants on top of any backing store: Success is never overwritten and
// attempt counters never decrease.
type guardedJournal struct {
	inner Journal

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newGuardedJournal(inner Journal) *guardedJournal {
	if g, ok := inner.(*guardedJournal); ok {
		return g
	}
	return &guardedJournal{inner: inner, locks: make(map[string]*sync.Mutex)}
}

func (g *guardedJournal) lock(actionID string) func() {
	g.mu.Lock()
	l, ok := g.locks[actionID]
	if !ok {
		l = &sync.Mutex{}
		g.locks[actionID] = l
	}
	g.mu.Unlock()
	l.Lock()
	return l.Unlock
}

func (g *guardedJournal) Get(ctx context.Context, actionID string) (*JournalEntry, error) {
	unlock := g.lock(actionID)
	defer unlock()
	return g.inner.Get(ctx, actionID)
}

func (g *guardedJournal) Put(ctx context.Context, entry *JournalEntry) error {
	if entry == nil || entry.ActionID == "" {
		return NewPermanentError("journal entry requires an action id", nil).WithCode(ErrCodeValidation)
	}
	if err := entry.Status.Validate(); err != nil {
		return NewPermanentError(err.Error(), nil).WithCode(ErrCodeValidation).WithAction(entry.ActionID)
	}

	unlock := g.lock(entry.ActionID)
	defer unlock()

	existing, err := g.inner.Get(ctx, entry.ActionID)
	if err != nil {
		return fmt.Errorf("failed to read journal entry: %w", err)
	}
	if existing != nil {
		if existing.Status == EntrySuccess {
			return fmt.Errorf("refusing to overwrite %s: %w", entry.ActionID, ErrSuccessTerminal)
		}
		if entry.Attempts < existing.Attempts {
			return NewConflictError(
				fmt.Sprintf("attempt counter would decrease from %d to %d", existing.Attempts, entry.Attempts), nil,
			).WithCode(ErrCodeJournalConflict).WithAction(entry.ActionID)
		}
	}
	if entry.UpdatedAt.IsZero() {
		entry.UpdatedAt = time.Now().UTC()
	}
	return g.inner.Put(ctx, entry)
}

func (g *guardedJournal) All(ctx context.Context) ([]JournalEntry, error) {
	return g.inner.All(ctx)
}
