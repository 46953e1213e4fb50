package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gateway-fm/doc-certificate-registry/internal/certificate"
)

const (
	DefaultPinataUploadURL  = "https://api.pinata.cloud/pinning/pinFileToIPFS"
	DefaultPinataGatewayURL = "https://gateway.pinata.cloud/ipfs"
)

// PinataConfig configures a PinataStore.
type PinataConfig struct {
	JWT        string
	UploadURL  string
	GatewayURL string
	Timeout    time.Duration
}

// PinataStore pins artifacts to IPFS through the Pinata API.
type PinataStore struct {
	cfg    PinataConfig
	client *http.Client
}

// NewPinataStore creates a new Pinata-backed archive.
func NewPinataStore(cfg PinataConfig) (*PinataStore, error) {
	if cfg.JWT == "" {
		return nil, errors.New("pinata JWT is required")
	}
	if cfg.UploadURL == "" {
		cfg.UploadURL = DefaultPinataUploadURL
	}
	if cfg.GatewayURL == "" {
		cfg.GatewayURL = DefaultPinataGatewayURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	return &PinataStore{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type pinResponse struct {
	IpfsHash string `json:"IpfsHash"`
	CID      string `json:"cid"`
	Hash     string `json:"Hash"`
}

func (p *PinataStore) Store(ctx context.Context, filename string, data []byte) (certificate.ArchiveEntry, error) {
	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", filename)
	if err != nil {
		return certificate.ArchiveEntry{}, fmt.Errorf("failed to build upload form: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return certificate.ArchiveEntry{}, fmt.Errorf("failed to build upload form: %w", err)
	}
	if err := form.Close(); err != nil {
		return certificate.ArchiveEntry{}, fmt.Errorf("failed to build upload form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.UploadURL, &body)
	if err != nil {
		return certificate.ArchiveEntry{}, fmt.Errorf("%w: %v", certificate.ErrArchiveUnavailable, err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+p.cfg.JWT)

	resp, err := p.client.Do(req)
	if err != nil {
		slog.Error("pinata upload failed", "filename", filename, "err", err)
		return certificate.ArchiveEntry{}, fmt.Errorf("%w: upload %s: %v", certificate.ErrArchiveUnavailable, filename, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Error("failed to close pinata response body", "err", closeErr)
		}
	}()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return certificate.ArchiveEntry{}, fmt.Errorf("%w: read response: %v", certificate.ErrArchiveUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		slog.Error("pinata upload rejected", "filename", filename, "status", resp.StatusCode, "body", string(payload))
		return certificate.ArchiveEntry{}, fmt.Errorf("%w: upload %s: status %d", certificate.ErrArchiveUnavailable, filename, resp.StatusCode)
	}

	var pin pinResponse
	if err := json.Unmarshal(payload, &pin); err != nil {
		return certificate.ArchiveEntry{}, fmt.Errorf("%w: malformed response: %v", certificate.ErrArchiveUnavailable, err)
	}
	cid := firstNonEmpty(pin.IpfsHash, pin.CID, pin.Hash)
	if cid == "" {
		slog.Error("pinata response missing CID", "body", string(payload))
		return certificate.ArchiveEntry{}, fmt.Errorf("%w: response did not include a CID", certificate.ErrArchiveUnavailable)
	}

	return certificate.ArchiveEntry{ContentAddress: cid, RetrievalURL: p.URL(cid)}, nil
}

func (p *PinataStore) URL(contentAddress string) string {
	return strings.TrimRight(p.cfg.GatewayURL, "/") + "/" + contentAddress
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
