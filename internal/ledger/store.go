package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// Record is one accepted payment. Rows are append-only: status is terminal
// at insert time because verification has already completed.
type Record struct {
	ID        int64  `json:"id"`
	TxHash    string `json:"tx_hash"`
	Sender    string `json:"sender"`
	Amount    string `json:"amount"`
	Endpoint  string `json:"endpoint"`
	CreatedAt int64  `json:"created_at"`
	Status    string `json:"status"`
}

// StatusConfirmed is the only status the gateway ever writes.
const StatusConfirmed = "confirmed"

// Store is the durable payments ledger, independent of the replay guard's
// operational cache.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the ledger database at path.
// Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	s := &Store{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) createTables() error {
	createPaymentsTableSQL := `
	CREATE TABLE IF NOT EXISTS payments (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		tx_hash TEXT UNIQUE NOT NULL,
		sender TEXT NOT NULL,
		amount TEXT NOT NULL,
		endpoint TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		status TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_payments_sender ON payments(sender);
	CREATE INDEX IF NOT EXISTS idx_payments_created ON payments(created_at);
	`
	if _, err := s.db.ExecContext(context.Background(), createPaymentsTableSQL); err != nil {
		return fmt.Errorf("create payments table: %w", err)
	}
	return nil
}

// Insert appends a payment row. INSERT OR IGNORE keeps inserts idempotent
// under queue redelivery: the tx_hash UNIQUE constraint guarantees at most
// one row per transaction. Hashes are stored lowercase so re-cased hex of
// the same transaction cannot slip past the constraint.
func (s *Store) Insert(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO payments (tx_hash, sender, amount, endpoint, created_at, status)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		strings.ToLower(r.TxHash), r.Sender, r.Amount, r.Endpoint, r.CreatedAt, r.Status,
	)
	if err != nil {
		return fmt.Errorf("insert payment %s: %w", r.TxHash, err)
	}
	return nil
}

// ByTxHash returns the payment for a transaction hash, or nil if absent.
func (s *Store) ByTxHash(ctx context.Context, txHash string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, tx_hash, sender, amount, endpoint, created_at, status
		 FROM payments WHERE tx_hash = ?`, strings.ToLower(txHash))
	var r Record
	err := row.Scan(&r.ID, &r.TxHash, &r.Sender, &r.Amount, &r.Endpoint, &r.CreatedAt, &r.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query payment %s: %w", txHash, err)
	}
	return &r, nil
}

// Recent returns the most recent payments, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tx_hash, sender, amount, endpoint, created_at, status
		 FROM payments ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent payments: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.TxHash, &r.Sender, &r.Amount, &r.Endpoint, &r.CreatedAt, &r.Status); err != nil {
			return nil, fmt.Errorf("scan payment row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Count returns the total number of ledger rows.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM payments`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count payments: %w", err)
	}
	return n, nil
}

func (s *Store) Close() error { return s.db.Close() }
