// Package escalation issues immutable WaiverReceipts when a waiver leaves
// the active state — revoked by an operator, or expired on its own clock.
// It wraps a *caws.WaiverManager rather than owning waiver state itself;
// CAWS remains the sole owner of the Waiver lifecycle.
package escalation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/helm-labs/council/pkg/caws"
	"github.com/helm-labs/council/pkg/contracts"
)

// Manager produces WaiverReceipts for the waivers held by a WaiverManager.
type Manager struct {
	waivers *caws.WaiverManager
	clock   func() time.Time
}

// NewManager wraps wm.
func NewManager(wm *caws.WaiverManager) *Manager {
	return &Manager{waivers: wm, clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (m *Manager) WithClock(clock func() time.Time) *Manager {
	m.clock = clock
	return m
}

// Revoke revokes a waiver and returns its receipt.
func (m *Manager) Revoke(ctx context.Context, waiverID, revokedBy, reason string) (contracts.WaiverReceipt, error) {
	_ = ctx
	w, err := m.waivers.Revoke(waiverID)
	if err != nil {
		return contracts.WaiverReceipt{}, fmt.Errorf("revoke waiver %s: %w", waiverID, err)
	}
	now := m.clock()
	receipt := m.createReceipt(w, contracts.WaiverReceiptRevoked, now)
	receipt.RevokedBy = revokedBy
	receipt.Reason = reason
	return receipt, nil
}

// CheckTimeouts expires every due-but-still-active waiver and returns a
// receipt for each. Callers typically run this on a ticker.
func (m *Manager) CheckTimeouts(ctx context.Context) ([]contracts.WaiverReceipt, error) {
	_ = ctx
	now := m.clock()
	expired := m.waivers.ExpireDue(now)
	receipts := make([]contracts.WaiverReceipt, 0, len(expired))
	for _, w := range expired {
		receipts = append(receipts, m.createReceipt(w, contracts.WaiverReceiptExpired, now))
	}
	return receipts, nil
}

// PendingCount returns the number of waivers still active at the manager's
// current clock.
func (m *Manager) PendingCount() int {
	now := m.clock()
	count := 0
	for _, w := range m.waivers.All() {
		if w.Status == contracts.WaiverActive && now.Before(w.ExpiresAt) {
			count++
		}
	}
	return count
}

func (m *Manager) createReceipt(w contracts.Waiver, outcome contracts.WaiverReceiptOutcome, resolvedAt time.Time) contracts.WaiverReceipt {
	receipt := contracts.WaiverReceipt{
		ReceiptID:  uuid.New().String(),
		WaiverID:   w.ID,
		TaskID:     w.TaskID,
		Outcome:    outcome,
		ResolvedAt: resolvedAt,
		DurationMs: resolvedAt.Sub(w.CreatedAt).Milliseconds(),
	}

	hashable := struct {
		WaiverID string                         `json:"waiver_id"`
		Outcome  contracts.WaiverReceiptOutcome `json:"outcome"`
	}{
		WaiverID: w.ID,
		Outcome:  outcome,
	}
	data, _ := json.Marshal(hashable)
	h := sha256.Sum256(data)
	receipt.ContentHash = "sha256:" + hex.EncodeToString(h[:])

	return receipt
}
