// Package store provides in-memory pool.Store implementations for
// tests and development.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/zachbabanov/loadzone/pool"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory keeps the last saved snapshot as a deep copy. FailSaves can
// be toggled to exercise the gateway's IOError rollback path.
type Memory struct {
	mu        sync.Mutex
	snap      *pool.Snapshot
	saveCount int

	// FailSaves makes every Save fail while set.
	FailSaves bool
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Load(_ context.Context) (*pool.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return pool.NewSnapshot(), nil
	}
	return m.snap.Clone(), nil
}

func (m *Memory) Save(_ context.Context, snap *pool.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailSaves {
		return errors.New("memory store: save disabled")
	}
	m.snap = snap.Clone()
	m.saveCount++
	return nil
}

func (m *Memory) Close() error { return nil }

// SaveCount returns how many times Save succeeded.
func (m *Memory) SaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCount
}

// Saved returns a copy of the last saved snapshot, or nil.
func (m *Memory) Saved() *pool.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.snap == nil {
		return nil
	}
	return m.snap.Clone()
}
