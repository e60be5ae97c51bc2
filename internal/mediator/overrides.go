package mediator

import (
	"sync"
	"time"

	"github.com/useorgx/orgx-local/internal/entity"
)

// statusOverride is one local initiative status override, installed when
// the cloud plane rejects an initiative mutation as unauthorized.
type statusOverride struct {
	Status    string `json:"status"`
	UpdatedAt string `json:"updatedAt"`
}

// overrideMap holds the per-initiative overrides behind one mutex.
type overrideMap struct {
	mu sync.Mutex
	m  map[string]statusOverride
}

func newOverrideMap() *overrideMap {
	return &overrideMap{m: make(map[string]statusOverride)}
}

func (o *overrideMap) install(initiativeID, status string, at time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.m[initiativeID] = statusOverride{
		Status:    status,
		UpdatedAt: at.UTC().Format(time.RFC3339),
	}
}

func (o *overrideMap) clear(initiativeID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.m, initiativeID)
}

func (o *overrideMap) get(initiativeID string) (statusOverride, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ov, ok := o.m[initiativeID]
	return ov, ok
}

// snapshot returns a copy of the override table.
func (o *overrideMap) snapshot() map[string]statusOverride {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make(map[string]statusOverride, len(o.m))
	for k, v := range o.m {
		out[k] = v
	}
	return out
}

// overlay rewrites the status of any initiative record that has a local
// override.
func (o *overrideMap) overlay(items []entity.Record) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.m) == 0 {
		return
	}
	for _, rec := range items {
		id := rec.String("id")
		if ov, ok := o.m[id]; ok {
			rec["status"] = ov.Status
			rec["localOverride"] = true
		}
	}
}
