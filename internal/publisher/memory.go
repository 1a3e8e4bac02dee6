package publisher

import (
	"context"
	"crypto/sha256"
	"fmt"
	"sync"

	"github.com/mr-tron/base58"
)

// Memory keeps published content in process. Ids are CIDv0 shaped: a
// base58 sha2-256 multihash of the raw bytes.
type Memory struct {
	mu      sync.RWMutex
	objects map[ContentID][]byte
	puts    int
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[ContentID][]byte)}
}

// Publish stores data under its content id.
func (m *Memory) Publish(ctx context.Context, data []byte) (ContentID, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrPublish, err)
	}
	id := ComputeCID(data)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if _, ok := m.objects[id]; !ok {
		m.objects[id] = append([]byte(nil), data...)
	}
	return id, nil
}

// Get returns the content stored under id.
func (m *Memory) Get(id ContentID) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.objects[id]
	return b, ok
}

// Len returns the number of distinct objects stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

// Puts returns the number of Publish calls that reached the store.
func (m *Memory) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}

// ComputeCID returns the CIDv0 form of sha256(data).
func ComputeCID(data []byte) ContentID {
	sum := sha256.Sum256(data)
	mh := make([]byte, 0, 2+len(sum))
	mh = append(mh, 0x12, 0x20) // sha2-256, 32 bytes
	mh = append(mh, sum[:]...)
	return ContentID(base58.Encode(mh))
}
