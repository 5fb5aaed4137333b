// Package caws implements the Constitutional Authority: budget gates,
// declarative quality gates, and the waiver policy that can suppress
// specific gate failures without ever upgrading a reject to an accept.
package caws

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helm-labs/council/pkg/contracts"
)

// WaiverManager owns the CRUD lifecycle of Waivers. Waivers never mutate a
// Verdict directly; the Authority consults the manager at evaluation time.
type WaiverManager struct {
	mu      sync.RWMutex
	waivers map[string]*contracts.Waiver
	clock   func() time.Time
}

// NewWaiverManager constructs an empty manager.
func NewWaiverManager() *WaiverManager {
	return &WaiverManager{waivers: make(map[string]*contracts.Waiver), clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (m *WaiverManager) WithClock(clock func() time.Time) *WaiverManager {
	m.clock = clock
	return m
}

// Create records a new waiver. CreatedAt and Status are stamped here; the
// caller supplies everything else.
func (m *WaiverManager) Create(w contracts.Waiver) (contracts.Waiver, error) {
	if len(w.Gates) == 0 {
		return contracts.Waiver{}, fmt.Errorf("waiver must cover at least one gate")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	w.Status = contracts.WaiverActive
	w.CreatedAt = m.clock()
	m.waivers[w.ID] = &w
	return w, nil
}

// Load hydrates the manager with waivers already persisted elsewhere (e.g.
// loaded from a PersistentStore at process start), preserving their ID,
// Status, and CreatedAt rather than stamping new ones.
func (m *WaiverManager) Load(waivers []contracts.Waiver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, w := range waivers {
		w := w
		m.waivers[w.ID] = &w
	}
}

// Revoke marks a waiver revoked; it remains in the store for audit.
func (m *WaiverManager) Revoke(id string) (contracts.Waiver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.waivers[id]
	if !ok {
		return contracts.Waiver{}, fmt.Errorf("waiver %s not found", id)
	}
	w.Status = contracts.WaiverRevoked
	return *w, nil
}

// Get returns the waiver with the given ID.
func (m *WaiverManager) Get(id string) (contracts.Waiver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.waivers[id]
	if !ok {
		return contracts.Waiver{}, fmt.Errorf("waiver %s not found", id)
	}
	return *w, nil
}

// ActiveFor returns the first active, non-expired waiver for taskID that
// covers gate, by gate-set overlap and temporal validity.
func (m *WaiverManager) ActiveFor(taskID, gate string) (contracts.Waiver, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.clock()
	for _, w := range m.waivers {
		if w.TaskID != taskID {
			continue
		}
		if w.ActiveAt(now, gate) {
			return *w, true
		}
	}
	return contracts.Waiver{}, false
}

// ListByTask returns every waiver recorded for taskID, active or not.
func (m *WaiverManager) ListByTask(taskID string) []contracts.Waiver {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []contracts.Waiver
	for _, w := range m.waivers {
		if w.TaskID == taskID {
			out = append(out, *w)
		}
	}
	return out
}

// All returns every waiver the manager holds, active or not.
func (m *WaiverManager) All() []contracts.Waiver {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]contracts.Waiver, 0, len(m.waivers))
	for _, w := range m.waivers {
		out = append(out, *w)
	}
	return out
}

// ExpireDue flips every still-active waiver whose ExpiresAt is at or before
// now to WaiverExpired and returns the ones it changed, so a caller can issue
// timeout receipts for them.
func (m *WaiverManager) ExpireDue(now time.Time) []contracts.Waiver {
	m.mu.Lock()
	defer m.mu.Unlock()
	var expired []contracts.Waiver
	for _, w := range m.waivers {
		if w.Status == contracts.WaiverActive && !now.Before(w.ExpiresAt) {
			w.Status = contracts.WaiverExpired
			expired = append(expired, *w)
		}
	}
	return expired
}
