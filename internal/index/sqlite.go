package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/gateway-fm/doc-certificate-registry/internal/certificate"
)

// SqliteStore is the local metadata index and pending-issuance store.
type SqliteStore struct {
	db *sql.DB
}

// NewSqliteStore opens the database at dbPath. A file that is not a valid
// database is moved aside and replaced with an empty one: the index is a
// cache of the ledger, so losing it only degrades listing metadata.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	store, err := openSqlite(dbPath)
	if err == nil {
		return store, nil
	}
	if !isCorruption(err) || dbPath == ":memory:" {
		return nil, err
	}

	aside := fmt.Sprintf("%s.corrupt-%d", dbPath, time.Now().Unix())
	slog.Warn("index database is corrupted, starting fresh", "path", dbPath, "moved_to", aside, "err", err)
	if renameErr := os.Rename(dbPath, aside); renameErr != nil {
		return nil, fmt.Errorf("failed to move corrupted database aside: %w", renameErr)
	}
	return openSqlite(dbPath)
}

func openSqlite(dbPath string) (*SqliteStore, error) {
	dsn := dbPath
	if dbPath != ":memory:" {
		dsn = fmt.Sprintf("file:%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000", dbPath)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	store := &SqliteStore{db: db}
	if err := store.Init(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return store, nil
}

func isCorruption(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrNotADB || sqliteErr.Code == sqlite3.ErrCorrupt
}

func (s *SqliteStore) Init() error {
	// Index records
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS index_records (
			hash TEXT PRIMARY KEY,
			cid TEXT NOT NULL,
			ipfs_url TEXT NOT NULL,
			filename TEXT NOT NULL,
			recorded_at DATETIME NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create index_records table: %w", err)
	}

	// Issuances with an unknown ledger outcome
	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS pending_issuances (
			attempt_id TEXT PRIMARY KEY,
			hash TEXT NOT NULL,
			issued_to TEXT NOT NULL,
			filename TEXT NOT NULL,
			cid TEXT NOT NULL,
			ipfs_url TEXT NOT NULL,
			tx_ref TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			resolved_at DATETIME,
			resolution TEXT
		);
	`)
	if err != nil {
		return fmt.Errorf("failed to create pending_issuances table: %w", err)
	}
	return nil
}

func (s *SqliteStore) Close() error {
	return s.db.Close()
}

// Get retrieves the index record for a fingerprint.
func (s *SqliteStore) Get(ctx context.Context, fp certificate.Fingerprint) (certificate.IndexRecord, bool, error) {
	rec := certificate.IndexRecord{Fingerprint: fp}
	err := s.db.QueryRowContext(ctx,
		"SELECT cid, ipfs_url, filename, recorded_at FROM index_records WHERE hash = ?", string(fp),
	).Scan(&rec.ContentAddress, &rec.RetrievalURL, &rec.OriginalFilename, &rec.RecordedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return certificate.IndexRecord{}, false, nil
		}
		return certificate.IndexRecord{}, false, fmt.Errorf("failed to get index record for %s: %w", fp, err)
	}
	return rec, true, nil
}

// Put stores or replaces the index record for rec.Fingerprint.
func (s *SqliteStore) Put(ctx context.Context, rec certificate.IndexRecord) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO index_records (hash, cid, ipfs_url, filename, recorded_at) VALUES (?, ?, ?, ?, ?)",
		string(rec.Fingerprint), rec.ContentAddress, rec.RetrievalURL, rec.OriginalFilename, rec.RecordedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store index record for %s: %w", rec.Fingerprint, err)
	}
	return nil
}

// All retrieves every index record.
func (s *SqliteStore) All(ctx context.Context) (map[certificate.Fingerprint]certificate.IndexRecord, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT hash, cid, ipfs_url, filename, recorded_at FROM index_records")
	if err != nil {
		return nil, fmt.Errorf("failed to query index records: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Error("failed to close index query", "err", closeErr)
		}
	}()

	out := make(map[certificate.Fingerprint]certificate.IndexRecord)
	for rows.Next() {
		var rec certificate.IndexRecord
		var hash string
		if err := rows.Scan(&hash, &rec.ContentAddress, &rec.RetrievalURL, &rec.OriginalFilename, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan index row: %w", err)
		}
		rec.Fingerprint = certificate.Fingerprint(hash)
		out[rec.Fingerprint] = rec
	}
	return out, rows.Err()
}

// AddPending records an issuance attempt with an ambiguous ledger outcome.
func (s *SqliteStore) AddPending(ctx context.Context, p certificate.PendingIssuance) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_issuances (attempt_id, hash, issued_to, filename, cid, ipfs_url, tx_ref, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.AttemptID, string(p.Fingerprint), p.IssuedTo, p.Filename,
		p.Archive.ContentAddress, p.Archive.RetrievalURL, p.TxRef, p.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to store pending issuance: %w", err)
	}
	return nil
}

// ListPending retrieves unresolved attempts, oldest first.
func (s *SqliteStore) ListPending(ctx context.Context) ([]certificate.PendingIssuance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT attempt_id, hash, issued_to, filename, cid, ipfs_url, tx_ref, created_at
		 FROM pending_issuances WHERE resolved_at IS NULL ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending issuances: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Error("failed to close pending query", "err", closeErr)
		}
	}()

	var pending []certificate.PendingIssuance
	for rows.Next() {
		var p certificate.PendingIssuance
		var hash string
		if err := rows.Scan(&p.AttemptID, &hash, &p.IssuedTo, &p.Filename,
			&p.Archive.ContentAddress, &p.Archive.RetrievalURL, &p.TxRef, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan pending row: %w", err)
		}
		p.Fingerprint = certificate.Fingerprint(hash)
		pending = append(pending, p)
	}
	return pending, rows.Err()
}

// ResolvePending marks an attempt as settled.
func (s *SqliteStore) ResolvePending(ctx context.Context, attemptID, resolution string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE pending_issuances SET resolved_at = ?, resolution = ? WHERE attempt_id = ? AND resolved_at IS NULL",
		time.Now().UTC(), resolution, attemptID,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve pending issuance %s: %w", attemptID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("pending issuance %s not found", attemptID)
	}
	return nil
}
