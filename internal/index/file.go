package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gateway-fm/doc-certificate-registry/internal/certificate"
)

// FileIndex keeps index records in a single JSON document keyed by hash, the
// layout of ipfs_records.json.
type FileIndex struct {
	path string
	mu   sync.Mutex
}

// NewFileIndex creates an index backed by path. The file is created lazily.
func NewFileIndex(path string) *FileIndex {
	return &FileIndex{path: path}
}

func (f *FileIndex) Get(ctx context.Context, fp certificate.Fingerprint) (certificate.IndexRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	records, err := f.load()
	if err != nil {
		return certificate.IndexRecord{}, false, err
	}
	rec, ok := records[fp]
	return rec, ok, nil
}

func (f *FileIndex) Put(ctx context.Context, rec certificate.IndexRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	records, err := f.load()
	if err != nil {
		return err
	}
	records[rec.Fingerprint] = rec
	return f.save(records)
}

func (f *FileIndex) All(ctx context.Context) (map[certificate.Fingerprint]certificate.IndexRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.load()
}

// load reads the document. A missing file is empty; an unparsable file is
// logged and treated as empty.
func (f *FileIndex) load() (map[certificate.Fingerprint]certificate.IndexRecord, error) {
	records := make(map[certificate.Fingerprint]certificate.IndexRecord)
	raw, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return records, nil
		}
		return nil, fmt.Errorf("failed to read index file: %w", err)
	}

	var doc map[string]certificate.IndexRecord
	if err := json.Unmarshal(raw, &doc); err != nil {
		slog.Warn("index file is corrupted, starting fresh", "path", f.path, "err", err)
		return records, nil
	}
	for hash, rec := range doc {
		rec.Fingerprint = certificate.Fingerprint(hash)
		records[rec.Fingerprint] = rec
	}
	return records, nil
}

// save writes the document through a temp file so a crash never leaves a
// half-written index behind.
func (f *FileIndex) save(records map[certificate.Fingerprint]certificate.IndexRecord) error {
	doc := make(map[string]certificate.IndexRecord, len(records))
	for fp, rec := range records {
		doc[string(fp)] = rec
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode index: %w", err)
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".index-*.json")
	if err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to write index: %w", err)
	}
	return nil
}
