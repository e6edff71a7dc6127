// Package blob stores generated artifact bytes keyed by media id.
package blob

import (
	"context"
	"errors"
	"strings"
	"sync"

	"media-studio/internal/domain"
)

// ErrNotFound is returned when no bytes are stored under an id.
var ErrNotFound = errors.New("blob: not found")

const (
	defaultCapacity = 256
	defaultMaxBytes = 1 << 30
)

// Memory keeps the most recent blobs in process memory and evicts the oldest
// once either the item capacity or the byte budget is exceeded. The newest
// blob is always kept, even when it alone is over the budget.
type Memory struct {
	mu       sync.RWMutex
	capacity int
	maxBytes int64
	bytes    int64
	order    []string
	items    map[string]domain.Blob
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithMaxBytes bounds the total size of stored blob data.
func WithMaxBytes(n int64) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.maxBytes = n
		}
	}
}

func NewMemory(capacity int, opts ...MemoryOption) *Memory {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	m := &Memory{
		capacity: capacity,
		maxBytes: defaultMaxBytes,
		items:    make(map[string]domain.Blob),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Put(_ context.Context, id string, b domain.Blob) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.New("blob: id must not be empty")
	}
	data := make([]byte, len(b.Data))
	copy(data, b.Data)

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, exists := m.items[id]; exists {
		m.bytes -= int64(len(prev.Data))
		m.remove(id)
	}
	m.order = append(m.order, id)
	m.items[id] = domain.Blob{MIMEType: b.MIMEType, Data: data}
	m.bytes += int64(len(data))
	for len(m.order) > 1 && (len(m.order) > m.capacity || m.bytes > m.maxBytes) {
		oldest := m.order[0]
		m.order = m.order[1:]
		m.bytes -= int64(len(m.items[oldest].Data))
		delete(m.items, oldest)
	}
	return nil
}

// remove drops id from the eviction order.
func (m *Memory) remove(id string) {
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

func (m *Memory) Get(_ context.Context, id string) (domain.Blob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.items[id]
	if !ok {
		return domain.Blob{}, ErrNotFound
	}
	return b, nil
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}

// Size reports the total bytes currently held.
func (m *Memory) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytes
}
