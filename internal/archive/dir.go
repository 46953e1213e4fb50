package archive

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/gateway-fm/doc-certificate-registry/internal/certificate"
)

// addressPrefix marks content addresses produced by DirStore.
const addressPrefix = "b3-"

// DirStore is a content-addressed archive on the local filesystem. Blobs are
// addressed by their BLAKE3 digest and stored zstd-compressed.
type DirStore struct {
	root    string
	baseURL string
	enc     *zstd.Encoder
	dec     *zstd.Decoder
}

// NewDirStore creates the archive directory if needed. baseURL is the public
// prefix under which blobs are served; when empty, file:// URLs are returned.
func NewDirStore(root, baseURL string) (*DirStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	return &DirStore{root: root, baseURL: baseURL, enc: enc, dec: dec}, nil
}

func (d *DirStore) Store(ctx context.Context, filename string, data []byte) (certificate.ArchiveEntry, error) {
	if err := ctx.Err(); err != nil {
		return certificate.ArchiveEntry{}, fmt.Errorf("%w: %v", certificate.ErrArchiveUnavailable, err)
	}
	sum := blake3.Sum256(data)
	address := addressPrefix + hex.EncodeToString(sum[:])
	path := d.path(address)

	if _, err := os.Stat(path); err == nil {
		return certificate.ArchiveEntry{ContentAddress: address, RetrievalURL: d.URL(address)}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return certificate.ArchiveEntry{}, fmt.Errorf("%w: %v", certificate.ErrArchiveUnavailable, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return certificate.ArchiveEntry{}, fmt.Errorf("%w: %v", certificate.ErrArchiveUnavailable, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(d.enc.EncodeAll(data, nil)); err != nil {
		tmp.Close()
		return certificate.ArchiveEntry{}, fmt.Errorf("%w: write %s: %v", certificate.ErrArchiveUnavailable, filename, err)
	}
	if err := tmp.Close(); err != nil {
		return certificate.ArchiveEntry{}, fmt.Errorf("%w: write %s: %v", certificate.ErrArchiveUnavailable, filename, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return certificate.ArchiveEntry{}, fmt.Errorf("%w: %v", certificate.ErrArchiveUnavailable, err)
	}
	return certificate.ArchiveEntry{ContentAddress: address, RetrievalURL: d.URL(address)}, nil
}

// Fetch returns the original bytes stored under address.
func (d *DirStore) Fetch(address string) ([]byte, error) {
	if !strings.HasPrefix(address, addressPrefix) {
		return nil, fmt.Errorf("unknown content address %q", address)
	}
	raw, err := os.ReadFile(d.path(address))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("content %s not found: %w", address, err)
		}
		return nil, err
	}
	return d.dec.DecodeAll(raw, nil)
}

func (d *DirStore) URL(contentAddress string) string {
	if d.baseURL == "" {
		return "file://" + d.path(contentAddress)
	}
	return strings.TrimRight(d.baseURL, "/") + "/" + contentAddress
}

func (d *DirStore) path(address string) string {
	name := strings.TrimPrefix(address, addressPrefix)
	if len(name) < 2 {
		return filepath.Join(d.root, name+".zst")
	}
	return filepath.Join(d.root, name[:2], name+".zst")
}
