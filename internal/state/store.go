// Package state persists small per-node JSON documents, such as the
// directory registration record of each paid webhook endpoint.
package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"time"
)

const DefaultMaxStateBytes = 64 << 10 // 64 KiB

type Store struct {
	db            *sql.DB
	maxStateBytes int
}

func NewStore(db *sql.DB) *Store {
	return &Store{
		db:            db,
		maxStateBytes: DefaultMaxStateBytes,
	}
}

// Get returns the full state blob for a node, or {} if missing.
func (s *Store) Get(ctx context.Context, node string) (json.RawMessage, error) {
	if node == "" {
		return nil, fmt.Errorf("node name is empty")
	}

	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT state FROM node_state WHERE node_name = ?;", node).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return json.RawMessage(`{}`), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read node state: %w", err)
	}
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("stored node state is invalid JSON for node=%q", node)
	}
	return json.RawMessage(raw), nil
}

// GetKey decodes one top-level key of a node's state into out. It reports
// false when the key is absent.
func (s *Store) GetKey(ctx context.Context, node, key string, out any) (bool, error) {
	raw, err := s.Get(ctx, node)
	if err != nil {
		return false, err
	}
	m, err := decodeObjectOrEmpty(raw)
	if err != nil {
		return false, fmt.Errorf("decode node state: %w", err)
	}
	v, ok := m[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(v, out); err != nil {
		return false, fmt.Errorf("decode node state key %q: %w", key, err)
	}
	return true, nil
}

// PutKey replaces one top-level key of a node's state.
func (s *Store) PutKey(ctx context.Context, node, key string, value any) error {
	b, err := json.Marshal(map[string]any{key: value})
	if err != nil {
		return fmt.Errorf("encode node state key %q: %w", key, err)
	}
	_, err = s.ShallowMerge(ctx, node, b)
	return err
}

// ShallowMerge applies updates as a shallow merge (top-level keys replaced).
// The merged state is persisted and returned.
func (s *Store) ShallowMerge(ctx context.Context, node string, updates json.RawMessage) (json.RawMessage, error) {
	if node == "" {
		return nil, fmt.Errorf("node name is empty")
	}

	upd, err := decodeObjectOrEmpty(updates)
	if err != nil {
		return nil, fmt.Errorf("decode state updates: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var curRaw string
	err = tx.QueryRowContext(ctx, "SELECT state FROM node_state WHERE node_name = ?;", node).Scan(&curRaw)
	if errors.Is(err, sql.ErrNoRows) {
		curRaw = "{}"
	} else if err != nil {
		return nil, fmt.Errorf("read node state: %w", err)
	}

	cur, err := decodeObjectOrEmpty(json.RawMessage(curRaw))
	if err != nil {
		return nil, fmt.Errorf("decode stored state: %w", err)
	}

	maps.Copy(cur, upd)

	merged, err := json.Marshal(cur)
	if err != nil {
		return nil, fmt.Errorf("marshal merged state: %w", err)
	}
	if len(merged) > s.maxStateBytes {
		return nil, fmt.Errorf("node state exceeds max size (%d bytes)", s.maxStateBytes)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
INSERT INTO node_state(node_name, state, updated_at)
VALUES(?, ?, ?)
ON CONFLICT(node_name) DO UPDATE SET
  state = excluded.state,
  updated_at = excluded.updated_at;
`, node, string(merged), now)
	if err != nil {
		return nil, fmt.Errorf("upsert node state: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return json.RawMessage(merged), nil
}

func decodeObjectOrEmpty(b json.RawMessage) (map[string]json.RawMessage, error) {
	if len(b) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]json.RawMessage{}
	}
	return m, nil
}
