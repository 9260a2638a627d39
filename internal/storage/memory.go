package storage

import (
	"context"
	"strings"
	"sync"
)

// Memory is a map-backed Store. Audit entries are kept in a bounded ring.
type Memory struct {
	mu     sync.Mutex
	kv     map[string]string
	audit  []AuditEntry
	closed bool
}

const memoryAuditCap = 512

func NewMemory() *Memory { return &Memory{kv: map[string]string{}} }

func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.kv[strings.TrimSpace(key)]
	return v, ok, nil
}

func (m *Memory) Put(_ context.Context, key, value string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.kv[key] = value
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.kv, strings.TrimSpace(key))
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, e AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if len(m.audit) >= memoryAuditCap {
		copy(m.audit, m.audit[1:])
		m.audit = m.audit[:len(m.audit)-1]
	}
	m.audit = append(m.audit, e)
	return nil
}

// Audit returns a copy of the retained audit entries (oldest first).
func (m *Memory) Audit() []AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]AuditEntry(nil), m.audit...)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
