package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	_ "modernc.org/sqlite"

	"posgate/invoice"
	"posgate/verify"
)

// SQLiteStore persists invoice terms and an audit trail of verified payments.
// The replay ledger and pending-transactions table remain in memory; rows
// here are for durability and inspection, not a second source of truth.
type SQLiteStore struct {
	db *sql.DB
}

// Open opens (and initialises) the store at path.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS invoices (
            id TEXT PRIMARY KEY,
            amount REAL NOT NULL,
            merchant_id TEXT NOT NULL,
            wallet_address TEXT NOT NULL,
            updated_at TIMESTAMP NOT NULL
        );`,
		`CREATE TABLE IF NOT EXISTS verified_payments (
            id TEXT PRIMARY KEY,
            memo TEXT NOT NULL,
            amount REAL NOT NULL,
            merchant_id TEXT NOT NULL,
            invoice_id TEXT NOT NULL,
            tx_hash TEXT,
            recipient TEXT,
            status TEXT NOT NULL,
            verified_at TIMESTAMP NOT NULL
        );`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// PutInvoice upserts the terms for an invoice id.
func (s *SQLiteStore) PutInvoice(id string, terms invoice.Terms) error {
	const stmt = `INSERT OR REPLACE INTO invoices(id, amount, merchant_id, wallet_address, updated_at) VALUES (?, ?, ?, ?, ?)`
	_, err := s.db.Exec(stmt, id, terms.Amount, terms.MerchantID, terms.WalletAddress, time.Now().UTC())
	return err
}

// ListInvoices returns every stored invoice keyed by id.
func (s *SQLiteStore) ListInvoices() (map[string]invoice.Terms, error) {
	const query = `SELECT id, amount, merchant_id, wallet_address FROM invoices`
	rows, err := s.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]invoice.Terms)
	for rows.Next() {
		var id string
		var terms invoice.Terms
		if err := rows.Scan(&id, &terms.Amount, &terms.MerchantID, &terms.WalletAddress); err != nil {
			return nil, err
		}
		out[id] = terms
	}
	return out, rows.Err()
}

// RecordVerified appends a committed payment to the audit table.
func (s *SQLiteStore) RecordVerified(ctx context.Context, tx verify.VerifiedTransaction) error {
	const stmt = `INSERT OR REPLACE INTO verified_payments(id, memo, amount, merchant_id, invoice_id, tx_hash, recipient, status, verified_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, stmt,
		tx.ID, tx.Memo, tx.Amount, tx.MerchantID, tx.InvoiceID, tx.TransactionHash, tx.Recipient, tx.Status, tx.Timestamp.UTC())
	return err
}

// VerifiedPayment returns the audit row for a transaction id, or nil when
// absent.
func (s *SQLiteStore) VerifiedPayment(ctx context.Context, id string) (*verify.VerifiedTransaction, error) {
	const query = `SELECT id, memo, amount, merchant_id, invoice_id, tx_hash, recipient, status, verified_at FROM verified_payments WHERE id = ?`
	row := s.db.QueryRowContext(ctx, query, id)
	var rec verify.VerifiedTransaction
	err := row.Scan(&rec.ID, &rec.Memo, &rec.Amount, &rec.MerchantID, &rec.InvoiceID,
		&rec.TransactionHash, &rec.Recipient, &rec.Status, &rec.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
