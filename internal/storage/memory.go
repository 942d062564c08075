// Package storage provides durable backends for the record store: an
// in-memory map for tests and development, SQLite for single-node
// deployments, and PostgreSQL for shared ones. All three implement
// record.Backend.
package storage

import (
	"context"
	"sort"
	"sync"

	"github.com/vitalcare/go-vha/internal/record"
)

// Memory is a non-durable in-memory backend. The counter survives deletes
// but not restarts, so it is only suitable for tests and local development.
type Memory struct {
	mu      sync.RWMutex
	records map[uint64]record.HealthRecord
	counter uint64
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{records: make(map[uint64]record.HealthRecord)}
}

func (m *Memory) Get(_ context.Context, id uint64) (record.HealthRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return record.HealthRecord{}, false, nil
	}
	return rec.Clone(), true, nil
}

func (m *Memory) Put(_ context.Context, rec record.HealthRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[rec.ID] = rec.Clone()
	return nil
}

func (m *Memory) Remove(_ context.Context, id uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.records[id]
	delete(m.records, id)
	return ok, nil
}

func (m *Memory) List(_ context.Context) ([]record.HealthRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]record.HealthRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Clone())
	}
	// Map iteration order is random; sort by id so callers see a stable scan.
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Count(_ context.Context) (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return uint64(len(m.records)), nil
}

func (m *Memory) NextID(_ context.Context) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.counter++
	return m.counter, nil
}

func (m *Memory) Close() error { return nil }
