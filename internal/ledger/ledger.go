// Package ledger records x402 settlements so that payments whose outcome is
// unknown can be found and reconciled later.
package ledger

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/zeebo/blake3"
)

type Status string

const (
	StatusSettled    Status = "settled"
	StatusUnresolved Status = "unresolved"
)

var ErrNotFound = errors.New("settlement not found")

// Settlement is one recorded settlement attempt.
type Settlement struct {
	ID        string    `json:"id"`
	Endpoint  string    `json:"endpoint"`
	Network   string    `json:"network"`
	Payer     string    `json:"payer"`
	PayTo     string    `json:"pay_to"`
	Amount    string    `json:"amount"`
	Asset     string    `json:"asset"`
	Nonce     string    `json:"nonce"`
	TxHash    string    `json:"tx_hash"`
	Status    Status    `json:"status"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ID derives the settlement id. An EIP-3009 authorization is single use per
// (network, from, nonce), so a replayed payment maps to the same row.
func ID(network, from, nonce string) string {
	sum := blake3.Sum256([]byte(network + "|" + from + "|" + nonce))
	return hex.EncodeToString(sum[:])
}

type Ledger struct {
	db *sql.DB
}

func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Record inserts or updates a settlement and returns its id. A later record
// for the same payment overwrites status, tx hash and error.
func (l *Ledger) Record(ctx context.Context, s Settlement) (string, error) {
	if s.Network == "" || s.Nonce == "" {
		return "", fmt.Errorf("settlement needs network and nonce")
	}
	if s.Status != StatusSettled && s.Status != StatusUnresolved {
		return "", fmt.Errorf("invalid settlement status: %q", s.Status)
	}
	id := ID(s.Network, s.Payer, s.Nonce)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var lastError any
	if s.LastError != "" {
		lastError = s.LastError
	}

	_, err := l.db.ExecContext(ctx, `
INSERT INTO settlements(id, endpoint, network, payer, pay_to, amount, asset, nonce, tx_hash, status, last_error, created_at, updated_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  tx_hash = excluded.tx_hash,
  status = excluded.status,
  last_error = excluded.last_error,
  updated_at = excluded.updated_at;
`, id, s.Endpoint, s.Network, s.Payer, s.PayTo, s.Amount, s.Asset, s.Nonce, s.TxHash, s.Status, lastError, now, now)
	if err != nil {
		return "", fmt.Errorf("record settlement: %w", err)
	}
	return id, nil
}

const settlementColumns = `id, endpoint, network, payer, pay_to, amount, asset, nonce, tx_hash, status, last_error, created_at, updated_at`

// Get returns one settlement or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, id string) (*Settlement, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+settlementColumns+` FROM settlements WHERE id = ?;`, id)
	s, err := scanSettlement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement: %w", err)
	}
	return s, nil
}

// List returns settlements newest first. An empty status lists all of them.
func (l *Ledger) List(ctx context.Context, status Status, limit int) ([]Settlement, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + settlementColumns + ` FROM settlements`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id ASC LIMIT ?;`
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}
	defer rows.Close()

	out := []Settlement{}
	for rows.Next() {
		s, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan settlement: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list settlements: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSettlement(row scanner) (*Settlement, error) {
	var (
		s          Settlement
		status     string
		lastError  sql.NullString
		createdAtS string
		updatedAtS string
	)
	if err := row.Scan(&s.ID, &s.Endpoint, &s.Network, &s.Payer, &s.PayTo, &s.Amount, &s.Asset,
		&s.Nonce, &s.TxHash, &status, &lastError, &createdAtS, &updatedAtS); err != nil {
		return nil, err
	}
	s.Status = Status(status)
	s.LastError = lastError.String
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		s.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedAtS); err == nil {
		s.UpdatedAt = t
	}
	return &s, nil
}
