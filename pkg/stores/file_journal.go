package stores

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/openfroyo/ignite/pkg/engine"
)

// FileJournal is an append-only JSON-lines journal. Each Put appends one line
// and syncs the file; on open, the last line per action id wins.
type FileJournal struct {
	mu      sync.RWMutex
	path    string
	file    *os.File
	entries map[string]engine.JournalEntry
	lines   int
}

var _ engine.Journal = (*FileJournal)(nil)

// A log is compacted on open once it holds at least compactMinLines records
// and more than compactRatio records per live entry.
const (
	compactMinLines = 1000
	compactRatio    = 4
)

// OpenFileJournal opens or creates the journal at path and replays it. A log
// dominated by superseded records is compacted before it is returned.
func OpenFileJournal(path string) (*FileJournal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}

	j := &FileJournal{
		path:    path,
		file:    file,
		entries: make(map[string]engine.JournalEntry),
	}
	if err := j.replay(); err != nil {
		_ = file.Close()
		return nil, err
	}
	if j.lines >= compactMinLines && j.lines > compactRatio*len(j.entries) {
		if err := j.Compact(context.Background()); err != nil {
			_ = j.Close()
			return nil, err
		}
	}
	return j, nil
}

// replay loads the latest entry per action. A torn final line from an
// interrupted write is cut off so later appends start on a fresh line.
func (j *FileJournal) replay() error {
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind journal: %w", err)
	}

	reader := bufio.NewReader(j.file)
	var offset int64
	for lineNo := 1; ; lineNo++ {
		line, err := reader.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(line) > 0 {
				if terr := j.file.Truncate(offset); terr != nil {
					return fmt.Errorf("failed to drop torn journal line: %w", terr)
				}
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read journal: %w", err)
		}

		var entry engine.JournalEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return fmt.Errorf("corrupt journal line %d: %w", lineNo, err)
		}
		j.entries[entry.ActionID] = entry
		j.lines++
		offset += int64(len(line))
	}
}

// Get implements engine.Journal.
func (j *FileJournal) Get(_ context.Context, actionID string) (*engine.JournalEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	entry, ok := j.entries[actionID]
	if !ok {
		return nil, nil
	}
	return &entry, nil
}

// Put implements engine.Journal. The entry is durable once Put returns.
func (j *FileJournal) Put(_ context.Context, entry *engine.JournalEntry) error {
	if entry == nil || entry.ActionID == "" {
		return fmt.Errorf("journal entry requires an action id")
	}
	if err := entry.Status.Validate(); err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return fmt.Errorf("journal is closed")
	}
	if existing, ok := j.entries[entry.ActionID]; ok && existing.Status == engine.EntrySuccess {
		return fmt.Errorf("%s: %w", entry.ActionID, engine.ErrSuccessTerminal)
	}

	stored := *entry
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = time.Now().UTC()
	}
	line, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := j.file.Write(line); err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}

	j.entries[stored.ActionID] = stored
	j.lines++
	return nil
}

// All implements engine.Journal. Entries are sorted by action id.
func (j *FileJournal) All(_ context.Context) ([]engine.JournalEntry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	out := make([]engine.JournalEntry, 0, len(j.entries))
	for _, entry := range j.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ActionID < out[b].ActionID })
	return out, nil
}

// Lines returns the number of records in the log, superseded ones included.
func (j *FileJournal) Lines() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.lines
}

// Compact rewrites the log with only the latest entry per action. The new
// file replaces the old one with a rename. Puts are blocked for the whole
// rewrite so none can land in the file being replaced.
func (j *FileJournal) Compact(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return fmt.Errorf("journal is closed")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	ids := make([]string, 0, len(j.entries))
	for id := range j.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tmp, err := os.CreateTemp(filepath.Dir(j.path), filepath.Base(j.path)+".compact-*")
	if err != nil {
		return fmt.Errorf("failed to create compaction file: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, id := range ids {
		if err := enc.Encode(j.entries[id]); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to encode journal entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write compaction file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync compaction file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close compaction file: %w", err)
	}

	if err := os.Rename(tmp.Name(), j.path); err != nil {
		return fmt.Errorf("failed to replace journal: %w", err)
	}

	file, err := os.OpenFile(j.path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to reopen journal: %w", err)
	}
	_ = j.file.Close()
	j.file = file
	j.lines = len(ids)
	return nil
}

// Close closes the underlying file.
func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
