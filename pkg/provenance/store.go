// Package provenance implements the Provenance Store: an append-only
// log of Verdicts and AuditEvents with a per-task hash chain. A chain never
// spans tasks — each task_id owns its own genesis and its own chain head,
// so verify_chain on one task can never be broken by another task's writes.
package provenance

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/helm-labs/council/pkg/contracts"
	"github.com/helm-labs/council/pkg/signer"
)

var (
	// ErrConflict is returned by AppendVerdict when v.ID already exists.
	ErrConflict = errors.New("verdict id already exists")
	// ErrChainBroken is returned when the computed self_hash of an appended
	// verdict is inconsistent with the stored prev_hash of the chain head.
	ErrChainBroken = errors.New("hash chain is broken")
	// ErrOutOfOrder is returned by AppendEvent when e.Ts precedes the last
	// recorded event for the same task.
	ErrOutOfOrder = errors.New("event timestamp precedes chain head")
	// ErrNotFound is returned when a verdict lookup misses.
	ErrNotFound = errors.New("verdict not found")
)

// EventHandler is invoked synchronously after an AuditEvent is durably
// appended, before AppendEvent returns — callers (the Audit Event Bus) rely
// on this ordering for the durability-before-visibility guarantee.
type EventHandler func(contracts.AuditEvent)

type taskChain struct {
	headHash string // self_hash of the most recent verdict; "" at genesis
	lastSeq  uint64
	lastTs   *time.Time
}

// Store is the append-only Provenance Store, keyed by task_id.
type Store struct {
	mu       sync.RWMutex
	hasher   signer.Hasher
	chains   map[string]*taskChain
	verdicts map[string]*contracts.Verdict   // by verdict ID
	byTask   map[string][]*contracts.Verdict // insertion order
	events   map[string][]contracts.AuditEvent
	handlers []EventHandler
}

// New constructs an empty Provenance Store.
func New(hasher signer.Hasher) *Store {
	return &Store{
		hasher:   hasher,
		chains:   make(map[string]*taskChain),
		verdicts: make(map[string]*contracts.Verdict),
		byTask:   make(map[string][]*contracts.Verdict),
		events:   make(map[string][]contracts.AuditEvent),
	}
}

// AddHandler registers a handler invoked for every newly appended event.
func (s *Store) AddHandler(h EventHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers = append(s.handlers, h)
}

// AppendVerdict appends v to its task's chain, computing and validating
// self_hash/prev_hash, and returns the prev_hash it linked against.
func (s *Store) AppendVerdict(v contracts.Verdict) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v.ID == "" {
		return "", fmt.Errorf("verdict id required")
	}
	if _, exists := s.verdicts[v.ID]; exists {
		return "", fmt.Errorf("%w: %s", ErrConflict, v.ID)
	}

	chain, ok := s.chains[v.TaskID]
	if !ok {
		chain = &taskChain{headHash: signer.GenesisHash}
		s.chains[v.TaskID] = chain
	}

	if v.PrevHash != chain.headHash {
		return "", fmt.Errorf("%w: verdict %s prev_hash %q != chain head %q",
			ErrChainBroken, v.ID, v.PrevHash, chain.headHash)
	}

	computed, err := s.hasher.SelfHash(v, v.PrevHash)
	if err != nil {
		return "", fmt.Errorf("compute self_hash: %w", err)
	}
	if v.SelfHash != computed {
		return "", fmt.Errorf("%w: verdict %s self_hash %q != computed %q",
			ErrChainBroken, v.ID, v.SelfHash, computed)
	}

	stored := v
	s.verdicts[v.ID] = &stored
	s.byTask[v.TaskID] = append(s.byTask[v.TaskID], &stored)
	chain.headHash = computed

	return v.PrevHash, nil
}

// GetVerdict returns the verdict with the given ID.
func (s *Store) GetVerdict(id string) (contracts.Verdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.verdicts[id]
	if !ok {
		return contracts.Verdict{}, ErrNotFound
	}
	return *v, nil
}

// ListByTask returns all verdicts for taskID in chain order.
func (s *Store) ListByTask(taskID string) []contracts.Verdict {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byTask[taskID]
	out := make([]contracts.Verdict, len(list))
	for i, v := range list {
		out[i] = *v
	}
	return out
}

// ChainHead returns the current hash-chain head for taskID (genesis if the
// task has no verdicts yet).
func (s *Store) ChainHead(taskID string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.chains[taskID]; ok {
		return c.headHash
	}
	return signer.GenesisHash
}

// AppendEvent atomically assigns the next seq for e.TaskID and appends it,
// then synchronously fans out to registered handlers before returning —
// durability precedes visibility.
func (s *Store) AppendEvent(e contracts.AuditEvent) (contracts.AuditEvent, error) {
	s.mu.Lock()

	chain, ok := s.chains[e.TaskID]
	if !ok {
		chain = &taskChain{headHash: signer.GenesisHash}
		s.chains[e.TaskID] = chain
	}
	if chain.lastTs != nil && e.Ts.Before(*chain.lastTs) {
		s.mu.Unlock()
		return contracts.AuditEvent{}, fmt.Errorf("%w: task %s", ErrOutOfOrder, e.TaskID)
	}

	chain.lastSeq++
	e.Seq = chain.lastSeq
	ts := e.Ts
	chain.lastTs = &ts
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	s.events[e.TaskID] = append(s.events[e.TaskID], e)
	handlers := append([]EventHandler(nil), s.handlers...)
	s.mu.Unlock()

	for _, h := range handlers {
		h(e)
	}
	return e, nil
}

// ListEvents returns all events recorded for taskID in seq order.
func (s *Store) ListEvents(taskID string) []contracts.AuditEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := append([]contracts.AuditEvent(nil), s.events[taskID]...)
	sort.Slice(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events
}

// VerifyChain recomputes self_hash/prev_hash for every verdict recorded for
// taskID and confirms the stored chain is self-consistent.
func (s *Store) VerifyChain(taskID string) error {
	s.mu.RLock()
	list := append([]*contracts.Verdict(nil), s.byTask[taskID]...)
	s.mu.RUnlock()

	expectedPrev := signer.GenesisHash
	for i, v := range list {
		if v.PrevHash != expectedPrev {
			return fmt.Errorf("%w: verdict %d (%s) prev_hash %q != expected %q",
				ErrChainBroken, i, v.ID, v.PrevHash, expectedPrev)
		}
		computed, err := s.hasher.SelfHash(*v, v.PrevHash)
		if err != nil {
			return fmt.Errorf("%w: verdict %d hash computation failed: %v", ErrChainBroken, i, err)
		}
		if computed != v.SelfHash {
			return fmt.Errorf("%w: verdict %d (%s) self_hash mismatch", ErrChainBroken, i, v.ID)
		}
		expectedPrev = computed
	}
	return nil
}
