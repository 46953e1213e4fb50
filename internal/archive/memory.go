package archive

import (
	"context"
	"fmt"
	"sync"

	"github.com/gateway-fm/doc-certificate-registry/internal/certificate"
)

// MemoryStore keeps artifacts in memory. Every Store call returns a new
// address, like an archive without deduplication.
type MemoryStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
	seq   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (m *MemoryStore) Store(ctx context.Context, filename string, data []byte) (certificate.ArchiveEntry, error) {
	if err := ctx.Err(); err != nil {
		return certificate.ArchiveEntry{}, fmt.Errorf("%w: %v", certificate.ErrArchiveUnavailable, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	address := fmt.Sprintf("mem-%d-%s", m.seq, certificate.FingerprintOf(data)[:16])
	m.blobs[address] = append([]byte(nil), data...)
	return certificate.ArchiveEntry{ContentAddress: address, RetrievalURL: m.URL(address)}, nil
}

func (m *MemoryStore) URL(contentAddress string) string {
	return "mem://" + contentAddress
}

// Len returns the number of stored blobs.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.blobs)
}
