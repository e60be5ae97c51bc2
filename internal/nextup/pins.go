// Package nextup derives the ranked queue of dispatchable work: one item
// per (initiative, workstream), ordered by queue state, operator pins, and
// priority, with a transcript-derived fallback when nothing is known.
package nextup

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Pin is one persisted operator preference in the next-up ranking.
type Pin struct {
	InitiativeID         string `json:"initiativeId"`
	WorkstreamID         string `json:"workstreamId"`
	PreferredTaskID      string `json:"preferredTaskId,omitempty"`
	PreferredMilestoneID string `json:"preferredMilestoneId,omitempty"`
}

func (p Pin) key() string { return p.InitiativeID + "\x00" + p.WorkstreamID }

// PinStore persists the ordered pin list at next-up-pins.json.
type PinStore struct {
	path string

	mu   sync.Mutex
	pins []Pin
}

// NewPinStore loads the store, tolerating a missing or corrupt file.
func NewPinStore(path string) *PinStore {
	s := &PinStore{path: path}
	if data, err := os.ReadFile(path); err == nil {
		var pins []Pin
		if json.Unmarshal(data, &pins) == nil {
			s.pins = pins
		}
	}
	return s
}

// Pins returns a copy of the ordered pin list.
func (s *PinStore) Pins() []Pin {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Pin, len(s.pins))
	copy(out, s.pins)
	return out
}

// Pin inserts or updates a pin. New pins append at the end of the order.
func (s *PinStore) Pin(p Pin) ([]Pin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	replaced := false
	for i, existing := range s.pins {
		if existing.key() == p.key() {
			s.pins[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		s.pins = append(s.pins, p)
	}
	return s.snapshotLocked(), s.persistLocked()
}

// Unpin removes the pin for a workstream.
func (s *PinStore) Unpin(initiativeID, workstreamID string) ([]Pin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := Pin{InitiativeID: initiativeID, WorkstreamID: workstreamID}.key()
	kept := s.pins[:0]
	for _, p := range s.pins {
		if p.key() != target {
			kept = append(kept, p)
		}
	}
	s.pins = kept
	return s.snapshotLocked(), s.persistLocked()
}

// Reorder applies a new order given as (initiativeId, workstreamId) pairs.
// Known pins move to the requested positions; pins absent from the request
// keep their relative order at the end; unknown pairs are ignored.
func (s *PinStore) Reorder(order []Pin) ([]Pin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byKey := make(map[string]Pin, len(s.pins))
	for _, p := range s.pins {
		byKey[p.key()] = p
	}

	var next []Pin
	taken := map[string]bool{}
	for _, want := range order {
		if p, ok := byKey[want.key()]; ok && !taken[want.key()] {
			next = append(next, p)
			taken[want.key()] = true
		}
	}
	for _, p := range s.pins {
		if !taken[p.key()] {
			next = append(next, p)
		}
	}
	s.pins = next
	return s.snapshotLocked(), s.persistLocked()
}

// Rank returns the pin position for a workstream, if pinned.
func (s *PinStore) Rank(initiativeID, workstreamID string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := Pin{InitiativeID: initiativeID, WorkstreamID: workstreamID}.key()
	for i, p := range s.pins {
		if p.key() == target {
			return i, true
		}
	}
	return 0, false
}

// Get returns the pin for a workstream, if present.
func (s *PinStore) Get(initiativeID, workstreamID string) (Pin, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	target := Pin{InitiativeID: initiativeID, WorkstreamID: workstreamID}.key()
	for _, p := range s.pins {
		if p.key() == target {
			return p, true
		}
	}
	return Pin{}, false
}

func (s *PinStore) snapshotLocked() []Pin {
	out := make([]Pin, len(s.pins))
	copy(out, s.pins)
	return out
}

// persistLocked writes the list atomically via a temp file rename.
func (s *PinStore) persistLocked() error {
	data, err := json.MarshalIndent(s.pins, "", "  ")
	if err != nil {
		return fmt.Errorf("nextup: marshal pins: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("nextup: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".next-up-pins-*")
	if err != nil {
		return fmt.Errorf("nextup: temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("nextup: write pins: %w", err)
	}
	if err := tmp.Chmod(0600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("nextup: chmod pins: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("nextup: close pins: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("nextup: rename pins: %w", err)
	}
	return nil
}
