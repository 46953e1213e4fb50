package certificate

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/crypto/bcrypt"
)

const defaultMaxUploadBytes = 32 << 20

// APIConfig configures the HTTP surface.
type APIConfig struct {
	AllowedOrigins []string
	MaxUploadBytes int64
	// AdminKeyHash is the bcrypt hash of the admin API key. Admin routes are
	// disabled when it is empty.
	AdminKeyHash []byte
	// AdminGuard, when set, refuses admin requests after repeated bad keys.
	AdminGuard AdminGuard
}

// AdminGuard throttles failed admin key checks.
type AdminGuard interface {
	Locked() bool
	RegisterFailure()
	Reset()
}

// APIServer handles HTTP requests.
type APIServer struct {
	service *Service
	cfg     APIConfig
}

// NewAPIServer creates a new API server.
func NewAPIServer(service *Service, cfg APIConfig) *APIServer {
	if cfg.MaxUploadBytes <= 0 {
		cfg.MaxUploadBytes = defaultMaxUploadBytes
	}
	return &APIServer{service: service, cfg: cfg}
}

// Router builds the chi router with the certificate routes mounted.
func (s *APIServer) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "X-API-Key"},
		MaxAge:         300,
	}))

	r.Post("/issue", s.issue)
	r.Get("/verify/{hash}", s.verify)
	r.Get("/certificates", s.listCerts)
	r.Post("/upload", s.upload)
	r.Get("/view/{cid}", s.view)
	r.Post("/admin/reconcile", s.reconcile)
	return r
}

type errorResponse struct {
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hash    string `json:"hash,omitempty"`
}

type issueResponse struct {
	Message   string `json:"message"`
	AttemptID string `json:"attemptId"`
	Hash      string `json:"hash"`
	TxHash    string `json:"txHash,omitempty"`
	CID       string `json:"cid,omitempty"`
	IpfsURL   string `json:"ipfs_url,omitempty"`
	IssuedTo  string `json:"issuedTo,omitempty"`
	IssuedBy  string `json:"issuedBy,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Warning   string `json:"warning,omitempty"`
}

type verifyResponse struct {
	Valid   bool         `json:"valid"`
	Details LedgerRecord `json:"details"`
}

func (s *APIServer) issue(w http.ResponseWriter, r *http.Request) {
	data, filename, status, err := s.readUpload(w, r)
	if err != nil {
		writeJSON(w, status, errorResponse{Message: err.Error()})
		return
	}
	slog.Info("received issue request", "remote", r.RemoteAddr, "origin", r.Header.Get("Origin"), "filename", filename, "size", len(data))

	res, err := s.service.Issue(r.Context(), data, filename, r.FormValue("issuedTo"))
	if err != nil {
		s.writeIssueError(w, err)
		return
	}

	if res.Outcome == OutcomeAlreadyIssued {
		writeJSON(w, http.StatusConflict, errorResponse{
			Message: "Certificate already exists",
			Hash:    res.Fingerprint.String(),
		})
		return
	}

	body := issueResponse{
		Message:   "Certificate issued successfully",
		AttemptID: res.AttemptID,
		Hash:      res.Fingerprint.String(),
		CID:       res.Archive.ContentAddress,
		IpfsURL:   res.Archive.RetrievalURL,
		IssuedTo:  res.Record.IssuedTo,
		IssuedBy:  res.Record.IssuedBy,
		Timestamp: res.Record.Timestamp,
	}
	if res.IndexErr != nil {
		body.Warning = "certificate is recorded but its local metadata could not be saved"
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *APIServer) writeIssueError(w http.ResponseWriter, err error) {
	var issueErr *IssueError
	if !errors.As(err, &issueErr) {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "Failed to issue certificate", Details: err.Error()})
		return
	}

	hash := issueErr.Fingerprint.String()
	switch {
	case IsAmbiguous(err):
		body := issueResponse{
			Message:   "Certificate submitted, ledger confirmation pending",
			AttemptID: issueErr.AttemptID,
			Hash:      hash,
			TxHash:    issueErr.TxRef,
		}
		if issueErr.Archive != nil {
			body.CID = issueErr.Archive.ContentAddress
			body.IpfsURL = issueErr.Archive.RetrievalURL
		}
		writeJSON(w, http.StatusAccepted, body)
	case errors.Is(err, ErrArchiveUnavailable):
		writeJSON(w, http.StatusBadGateway, errorResponse{Message: "Failed to upload certificate to IPFS", Details: issueErr.Err.Error(), Hash: hash})
	case errors.Is(err, ErrLedgerRejected):
		writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Message: "Ledger rejected certificate", Details: issueErr.Err.Error(), Hash: hash})
	case errors.Is(err, ErrLedgerUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Message: "Unable to reach ledger", Details: issueErr.Err.Error(), Hash: hash})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResponse{Message: "Failed to issue certificate", Details: issueErr.Err.Error(), Hash: hash})
	}
}

func (s *APIServer) verify(w http.ResponseWriter, r *http.Request) {
	fp, err := ParseFingerprint(chi.URLParam(r, "hash"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Message: err.Error()})
		return
	}

	res, err := s.service.Verify(r.Context(), fp)
	if err != nil {
		slog.Error("verify failed", "hash", fp, "err", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Message: "Unable to verify certificate status", Details: err.Error(), Hash: fp.String()})
		return
	}

	body := verifyResponse{Valid: res.Valid}
	if res.Record != nil {
		body.Details = *res.Record
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *APIServer) listCerts(w http.ResponseWriter, r *http.Request) {
	certs, err := s.service.List(r.Context())
	if err != nil {
		slog.Error("failed to list certificates", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Message: "Unable to fetch certificates", Details: err.Error()})
		return
	}
	if certs == nil {
		certs = []EnrichedRecord{}
	}
	writeJSON(w, http.StatusOK, certs)
}

func (s *APIServer) upload(w http.ResponseWriter, r *http.Request) {
	data, filename, status, err := s.readUpload(w, r)
	if err != nil {
		writeJSON(w, status, errorResponse{Message: err.Error()})
		return
	}

	entry, err := s.service.Archive(r.Context(), filename, data)
	if err != nil {
		slog.Error("archive upload failed", "filename", filename, "err", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Message: "Failed to upload file to Pinata", Details: err.Error()})
		return
	}
	slog.Info("uploaded file via /upload", "cid", entry.ContentAddress)
	writeJSON(w, http.StatusOK, entry)
}

func (s *APIServer) view(w http.ResponseWriter, r *http.Request) {
	cid := chi.URLParam(r, "cid")
	url := s.service.ArchiveURL(cid)

	q := r.URL.Query()
	if q.Get("json") == "1" || q.Get("redirect") == "false" {
		writeJSON(w, http.StatusOK, ArchiveEntry{ContentAddress: cid, RetrievalURL: url})
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

func (s *APIServer) reconcile(w http.ResponseWriter, r *http.Request) {
	if len(s.cfg.AdminKeyHash) == 0 {
		writeJSON(w, http.StatusForbidden, errorResponse{Message: "admin API disabled"})
		return
	}

	if s.cfg.AdminGuard != nil && s.cfg.AdminGuard.Locked() {
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Message: "admin API temporarily locked"})
		return
	}

	apiKey := r.Header.Get("X-API-Key")
	if apiKey == "" {
		apiKey = r.URL.Query().Get("key")
	}
	if apiKey == "" {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Message: "missing API key"})
		return
	}
	if err := bcrypt.CompareHashAndPassword(s.cfg.AdminKeyHash, []byte(apiKey)); err != nil {
		if s.cfg.AdminGuard != nil {
			s.cfg.AdminGuard.RegisterFailure()
		}
		writeJSON(w, http.StatusUnauthorized, errorResponse{Message: "invalid API key"})
		return
	}

	if s.cfg.AdminGuard != nil {
		s.cfg.AdminGuard.Reset()
	}

	report, err := s.service.Reconcile(r.Context())
	if err != nil {
		slog.Error("manual reconciliation failed", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Message: "reconciliation failed", Details: err.Error()})
		return
	}
	slog.Info("manual reconciliation finished", "confirmed", report.Confirmed, "abandoned", report.Abandoned, "pending", report.StillPending)
	writeJSON(w, http.StatusOK, report)
}

// readUpload extracts the multipart "file" field. On failure it returns the
// HTTP status to answer with.
func (s *APIServer) readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, int, error) {
	if r.ContentLength > s.cfg.MaxUploadBytes {
		return nil, "", http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", s.cfg.MaxUploadBytes)
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.cfg.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, "", http.StatusRequestEntityTooLarge, fmt.Errorf("upload exceeds %d bytes", tooLarge.Limit)
		}
		return nil, "", http.StatusBadRequest, fmt.Errorf("invalid multipart request: %w", err)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", http.StatusBadRequest, errors.New("missing file in request (multipart key 'file')")
	}
	defer file.Close()

	if header.Filename == "" {
		return nil, "", http.StatusBadRequest, errors.New("uploaded file must have a filename")
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", http.StatusBadRequest, fmt.Errorf("failed to read upload: %w", err)
	}
	return data, header.Filename, 0, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "err", err)
	}
}
