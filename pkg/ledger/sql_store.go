package ledger

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"
)

// SQLAnchorStore implements AnchorStore over database/sql. Queries are
// written with '?' placeholders and rebound to '$N' for Postgres.
type SQLAnchorStore struct {
	db       *sql.DB
	postgres bool
}

// NewSQLAnchorStore creates the schema if needed and returns the store.
// Intended for SQLite (modernc.org/sqlite).
func NewSQLAnchorStore(db *sql.DB) (*SQLAnchorStore, error) {
	s := &SQLAnchorStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewPostgresAnchorStore is NewSQLAnchorStore for lib/pq connections.
func NewPostgresAnchorStore(db *sql.DB) (*SQLAnchorStore, error) {
	s := &SQLAnchorStore{db: db, postgres: true}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLAnchorStore) q(query string) string {
	if !s.postgres {
		return query
	}
	return rebindPostgres(query)
}

func rebindPostgres(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLAnchorStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS audit_anchors (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		agent_id TEXT NOT NULL,
		action TEXT NOT NULL,
		resource TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		trust_chain_hash TEXT NOT NULL DEFAULT '',
		parent_anchor_id TEXT NOT NULL DEFAULT '',
		parent_hash TEXT NOT NULL DEFAULT '',
		hash TEXT NOT NULL,
		signature TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_anchors_agent ON audit_anchors(agent_id, seq);
	CREATE INDEX IF NOT EXISTS idx_anchors_timestamp ON audit_anchors(timestamp);`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

func (s *SQLAnchorStore) Put(ctx context.Context, a *AuditAnchor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM audit_anchors`).Scan(&seq); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO audit_anchors
			(id, seq, agent_id, action, resource, result, timestamp, trust_chain_hash, parent_anchor_id, parent_hash, hash, signature)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		a.ID, seq, a.AgentID, a.Action, a.Resource, a.Result, a.Timestamp.UTC(),
		a.TrustChainHash, a.ParentAnchorID, a.ParentHash, a.Hash, a.Signature)
	if err != nil {
		return err
	}
	return tx.Commit()
}

const selectAnchor = `
	SELECT id, agent_id, action, resource, result, timestamp, trust_chain_hash, parent_anchor_id, parent_hash, hash, signature
	FROM audit_anchors`

func (s *SQLAnchorStore) Get(ctx context.Context, id string) (*AuditAnchor, error) {
	row := s.db.QueryRowContext(ctx, s.q(selectAnchor+` WHERE id = ?`), id)
	return scanAnchor(row)
}

func (s *SQLAnchorStore) ListByAgent(ctx context.Context, agentID string) ([]*AuditAnchor, error) {
	rows, err := s.db.QueryContext(ctx, s.q(selectAnchor+` WHERE agent_id = ? ORDER BY seq`), agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectAnchors(rows)
}

func (s *SQLAnchorStore) Query(ctx context.Context, f Filter) ([]*AuditAnchor, error) {
	var (
		where []string
		args  []any
	)
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	if f.Result != "" {
		where = append(where, "result = ?")
		args = append(args, f.Result)
	}
	if f.Resource != "" {
		where = append(where, "resource LIKE ?")
		args = append(args, "%"+f.Resource+"%")
	}
	if !f.From.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.From.UTC())
	}
	if !f.To.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, f.To.UTC())
	}

	query := selectAnchor
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp, seq"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return collectAnchors(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAnchor(row rowScanner) (*AuditAnchor, error) {
	var (
		a  AuditAnchor
		ts time.Time
	)
	err := row.Scan(&a.ID, &a.AgentID, &a.Action, &a.Resource, &a.Result, &ts,
		&a.TrustChainHash, &a.ParentAnchorID, &a.ParentHash, &a.Hash, &a.Signature)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	a.Timestamp = ts.UTC()
	return &a, nil
}

func collectAnchors(rows *sql.Rows) ([]*AuditAnchor, error) {
	var out []*AuditAnchor
	for rows.Next() {
		a, err := scanAnchor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
