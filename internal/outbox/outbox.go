// Package outbox persists activity events that could not be delivered to
// the cloud plane. One append-only JSONL file per initiative; readers merge
// it into activity feeds during degraded reads and the writes are
// best-effort (a full disk must never take the control plane down).
package outbox

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/useorgx/orgx-local/internal/cloud"
)

const (
	dirPermissions  = 0700
	filePermissions = 0600
	fileExtension   = ".jsonl"
	// unscopedFile collects events with no initiative id.
	unscopedFile = "_unscoped"
)

// Item is one persisted outbox entry.
type Item struct {
	ID        string              `json:"id"`
	Type      string              `json:"type"`
	Timestamp string              `json:"timestamp"`
	Payload   cloud.ActivityEvent `json:"payload"`
}

// Store appends and reads per-initiative outbox files.
type Store struct {
	baseDir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Store rooted at baseDir, creating it with owner-only
// permissions.
func New(baseDir string) (*Store, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("outbox: baseDir cannot be empty")
	}
	if err := os.MkdirAll(baseDir, dirPermissions); err != nil {
		return nil, fmt.Errorf("outbox: create %s: %w", baseDir, err)
	}
	return &Store{baseDir: baseDir, locks: make(map[string]*sync.Mutex)}, nil
}

// fileLock returns the per-initiative append mutex.
func (s *Store) fileLock(initiativeID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[initiativeID]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[initiativeID] = lock
	}
	return lock
}

func (s *Store) filePath(initiativeID string) string {
	name := initiativeID
	if name == "" || name == "." || name == ".." {
		name = unscopedFile
	}
	return filepath.Join(s.baseDir, filepath.Base(name)+fileExtension)
}

// Append writes one activity event to the initiative's outbox file. The
// whole line is written in a single call so a concurrent reader never
// observes a partial entry.
func (s *Store) Append(event cloud.ActivityEvent) error {
	item := Item{
		ID:        event.ID,
		Type:      event.Kind,
		Timestamp: event.Timestamp,
		Payload:   event,
	}
	if item.Timestamp == "" {
		item.Timestamp = time.Now().UTC().Format(time.RFC3339)
		item.Payload.Timestamp = item.Timestamp
	}

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("outbox: marshal: %w", err)
	}

	lock := s.fileLock(event.InitiativeID)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(s.filePath(event.InitiativeID), os.O_APPEND|os.O_CREATE|os.O_WRONLY, filePermissions)
	if err != nil {
		return fmt.Errorf("outbox: open: %w", err)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("outbox: write: %w", err)
	}
	return nil
}

// Read returns the initiative's outbox items newer than since (zero means
// all), newest first. Malformed lines are skipped.
func (s *Store) Read(initiativeID string, since time.Time) ([]Item, error) {
	f, err := os.Open(s.filePath(initiativeID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("outbox: open: %w", err)
	}
	defer func() { _ = f.Close() }()

	var items []Item
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item Item
		if err := json.Unmarshal(line, &item); err != nil {
			continue
		}
		if !since.IsZero() {
			ts, err := time.Parse(time.RFC3339, item.Timestamp)
			if err != nil || !ts.After(since) {
				continue
			}
		}
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp > items[j].Timestamp
	})
	return items, nil
}

// Initiatives lists the initiative ids that currently have outbox files.
func (s *Store) Initiatives() []string {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil
	}
	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != fileExtension {
			continue
		}
		id := name[:len(name)-len(fileExtension)]
		if id == unscopedFile {
			id = ""
		}
		ids = append(ids, id)
	}
	return ids
}
