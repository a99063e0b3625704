package trustchain

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// SQLStore implements Store over database/sql. It works with both SQLite
// (modernc.org/sqlite) and Postgres (lib/pq) drivers; queries are written
// with '?' placeholders and rebound to '$N' for Postgres.
type SQLStore struct {
	db       *sql.DB
	postgres bool
}

// NewSQLStore creates the schema if needed and returns the store.
// Intended for SQLite.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewPostgresStore is NewSQLStore for lib/pq connections.
func NewPostgresStore(db *sql.DB) (*SQLStore, error) {
	s := &SQLStore{db: db, postgres: true}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) q(query string) string {
	if !s.postgres {
		return query
	}
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

func (s *SQLStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS trust_chains (
		agent_id TEXT NOT NULL,
		genesis_seq INTEGER NOT NULL,
		issuing_authority_id TEXT NOT NULL,
		capabilities JSON NOT NULL,
		constraints JSON,
		status TEXT NOT NULL,
		expires_at TIMESTAMP,
		established_at TIMESTAMP NOT NULL,
		revoked_at TIMESTAMP,
		revoked_reason TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (agent_id, genesis_seq)
	);
	CREATE TABLE IF NOT EXISTS delegations (
		id TEXT PRIMARY KEY,
		seq INTEGER NOT NULL,
		delegator_id TEXT NOT NULL,
		delegatee_id TEXT NOT NULL,
		task_id TEXT NOT NULL,
		capabilities JSON NOT NULL,
		constraints JSON,
		delegated_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP,
		parent_delegation_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		revoked_at TIMESTAMP,
		revoked_reason TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_delegations_delegatee ON delegations(delegatee_id, seq);
	CREATE INDEX IF NOT EXISTS idx_delegations_parent ON delegations(parent_delegation_id);
	CREATE TABLE IF NOT EXISTS lineage_versions (
		agent_id TEXT PRIMARY KEY,
		version INTEGER NOT NULL
	);`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

func (s *SQLStore) PutGenesis(ctx context.Context, tc *TrustChain) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx,
		s.q(`SELECT status FROM trust_chains WHERE agent_id = ? ORDER BY genesis_seq DESC LIMIT 1`),
		tc.AgentID).Scan(&status)
	switch {
	case err == nil:
		if Status(status) != StatusRevoked {
			return &DuplicateGenesisError{AgentID: tc.AgentID}
		}
		// The revoked row stays: the new genesis takes the next seq and
		// the superseded record keeps its issuer and revocation reason.
	case errors.Is(err, sql.ErrNoRows):
		// First genesis for this agent.
	default:
		return err
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		s.q(`SELECT COALESCE(MAX(genesis_seq), 0) + 1 FROM trust_chains WHERE agent_id = ?`),
		tc.AgentID).Scan(&seq); err != nil {
		return err
	}
	caps, err := json.Marshal(tc.Capabilities)
	if err != nil {
		return err
	}
	cons, err := json.Marshal(tc.Constraints)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO trust_chains
			(agent_id, genesis_seq, issuing_authority_id, capabilities, constraints, status, expires_at, established_at, revoked_at, revoked_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		tc.AgentID, seq, tc.IssuingAuthorityID, string(caps), string(cons), string(tc.Status),
		nullTime(tc.ExpiresAt), tc.EstablishedAt, nullTime(tc.RevokedAt), tc.RevokedReason,
	)
	if err != nil {
		return err
	}
	if err := s.bumpVersion(ctx, tx, tc.AgentID); err != nil {
		return err
	}
	return tx.Commit()
}

const selectChain = `
	SELECT agent_id, issuing_authority_id, capabilities, constraints, status, expires_at, established_at, revoked_at, revoked_reason
	FROM trust_chains`

func (s *SQLStore) Genesis(ctx context.Context, agentID string) (*TrustChain, error) {
	row := s.db.QueryRowContext(ctx,
		s.q(selectChain+` WHERE agent_id = ? ORDER BY genesis_seq DESC LIMIT 1`), agentID)
	return scanChain(row)
}

func (s *SQLStore) GenesisHistory(ctx context.Context, agentID string) ([]*TrustChain, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(selectChain+` WHERE agent_id = ? ORDER BY genesis_seq`), agentID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*TrustChain
	for rows.Next() {
		tc, err := scanChain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tc)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

func (s *SQLStore) AppendEdge(ctx context.Context, rec *DelegationRecord, expectedVersion uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := s.versionOf(ctx, tx, rec.DelegatorID)
	if err != nil {
		return err
	}
	if current != expectedVersion {
		return &ConcurrentModificationError{
			DelegatorID:     rec.DelegatorID,
			ExpectedVersion: expectedVersion,
			CurrentVersion:  current,
		}
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM delegations`).Scan(&seq); err != nil {
		return err
	}
	caps, err := json.Marshal(rec.CapabilitiesDelegated)
	if err != nil {
		return err
	}
	cons, err := json.Marshal(rec.ConstraintSubset)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO delegations
			(id, seq, delegator_id, delegatee_id, task_id, capabilities, constraints, delegated_at, expires_at, parent_delegation_id, status, revoked_at, revoked_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, seq, rec.DelegatorID, rec.DelegateeID, rec.TaskID, string(caps), string(cons),
		rec.DelegatedAt, nullTime(rec.ExpiresAt), rec.ParentDelegationID, string(rec.Status),
		nullTime(rec.RevokedAt), rec.RevokedReason,
	)
	if err != nil {
		return err
	}
	if err := s.bumpVersion(ctx, tx, rec.DelegatorID); err != nil {
		return err
	}
	if err := s.bumpVersion(ctx, tx, rec.DelegateeID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) Edge(ctx context.Context, id string) (*DelegationRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(selectEdge+` WHERE id = ?`), id)
	return scanEdge(row)
}

func (s *SQLStore) TerminalEdge(ctx context.Context, agentID string) (*DelegationRecord, uint64, error) {
	var version uint64
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT version FROM lineage_versions WHERE agent_id = ?`), agentID).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, 0, err
	}

	row := s.db.QueryRowContext(ctx,
		s.q(selectEdge+` WHERE delegatee_id = ? ORDER BY seq DESC LIMIT 1`), agentID)
	edge, err := scanEdge(row)
	if errors.Is(err, ErrNotFound) {
		return nil, version, nil
	}
	if err != nil {
		return nil, 0, err
	}
	return edge, version, nil
}

func (s *SQLStore) GenesesByAuthority(ctx context.Context, authorityIDs []string) ([]*TrustChain, error) {
	if len(authorityIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(authorityIDs)), ",")
	args := make([]any, len(authorityIDs))
	for i, id := range authorityIDs {
		args[i] = id
	}
	// Only the current genesis per agent is in scope: superseded rows are
	// already revoked and must not re-trigger a cascade on the new chain.
	rows, err := s.db.QueryContext(ctx, s.q(selectChain+`
		WHERE issuing_authority_id IN (`+placeholders+`)
		AND genesis_seq = (SELECT MAX(genesis_seq) FROM trust_chains t2 WHERE t2.agent_id = trust_chains.agent_id)`), args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*TrustChain
	for rows.Next() {
		tc, err := scanChain(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}

func (s *SQLStore) MarkChainRevoked(ctx context.Context, agentID, reason string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, s.q(`
		UPDATE trust_chains SET status = ?, revoked_reason = ?, revoked_at = ?
		WHERE agent_id = ? AND status != ?`),
		string(StatusRevoked), reason, at.UTC(), agentID, string(StatusRevoked))
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either already revoked (idempotent no-op) or missing.
		var one int
		if err := tx.QueryRowContext(ctx,
			s.q(`SELECT 1 FROM trust_chains WHERE agent_id = ?`), agentID).Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		return tx.Commit()
	}
	if err := s.bumpVersion(ctx, tx, agentID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) MarkEdgeRevoked(ctx context.Context, edgeID, reason string, at time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var delegateeID, status string
	err = tx.QueryRowContext(ctx,
		s.q(`SELECT delegatee_id, status FROM delegations WHERE id = ?`), edgeID).Scan(&delegateeID, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if Status(status) == StatusRevoked {
		return tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, s.q(`
		UPDATE delegations SET status = ?, revoked_reason = ?, revoked_at = ? WHERE id = ?`),
		string(StatusRevoked), reason, at.UTC(), edgeID); err != nil {
		return err
	}
	if err := s.bumpVersion(ctx, tx, delegateeID); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) Snapshot(ctx context.Context) (*GraphSnapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	geneses := make(map[string]*TrustChain)
	// Rows arrive in seq order, so the map keeps the current genesis per
	// agent and superseded ones drop out of the traversal view.
	rows, err := tx.QueryContext(ctx, selectChain+` ORDER BY genesis_seq`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		tc, err := scanChain(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		geneses[tc.AgentID] = tc
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	edges := make(map[string]*DelegationRecord)
	rows, err = tx.QueryContext(ctx, selectEdge)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, err
		}
		edges[e.ID] = e
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return buildSnapshot(geneses, edges), nil
}

const selectEdge = `
	SELECT id, delegator_id, delegatee_id, task_id, capabilities, constraints, delegated_at, expires_at, parent_delegation_id, status, revoked_at, revoked_reason
	FROM delegations`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChain(row rowScanner) (*TrustChain, error) {
	var (
		tc           TrustChain
		caps, cons   string
		status       string
		expires, rev sql.NullTime
	)
	err := row.Scan(&tc.AgentID, &tc.IssuingAuthorityID, &caps, &cons, &status,
		&expires, &tc.EstablishedAt, &rev, &tc.RevokedReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &tc.Capabilities); err != nil {
		return nil, fmt.Errorf("trust chain %s: corrupt capabilities column: %w", tc.AgentID, err)
	}
	if cons != "" && cons != "null" {
		if err := json.Unmarshal([]byte(cons), &tc.Constraints); err != nil {
			return nil, fmt.Errorf("trust chain %s: corrupt constraints column: %w", tc.AgentID, err)
		}
	}
	tc.Status = Status(status)
	tc.ExpiresAt = timePtr(expires)
	tc.RevokedAt = timePtr(rev)
	return &tc, nil
}

func scanEdge(row rowScanner) (*DelegationRecord, error) {
	var (
		e            DelegationRecord
		caps, cons   string
		status       string
		expires, rev sql.NullTime
	)
	err := row.Scan(&e.ID, &e.DelegatorID, &e.DelegateeID, &e.TaskID, &caps, &cons,
		&e.DelegatedAt, &expires, &e.ParentDelegationID, &status, &rev, &e.RevokedReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(caps), &e.CapabilitiesDelegated); err != nil {
		return nil, fmt.Errorf("delegation %s: corrupt capabilities column: %w", e.ID, err)
	}
	if cons != "" && cons != "null" {
		if err := json.Unmarshal([]byte(cons), &e.ConstraintSubset); err != nil {
			return nil, fmt.Errorf("delegation %s: corrupt constraints column: %w", e.ID, err)
		}
	}
	e.Status = Status(status)
	e.ExpiresAt = timePtr(expires)
	e.RevokedAt = timePtr(rev)
	return &e, nil
}

func (s *SQLStore) versionOf(ctx context.Context, tx *sql.Tx, agentID string) (uint64, error) {
	var v uint64
	err := tx.QueryRowContext(ctx,
		s.q(`SELECT version FROM lineage_versions WHERE agent_id = ?`), agentID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return v, err
}

func (s *SQLStore) bumpVersion(ctx context.Context, tx *sql.Tx, agentID string) error {
	res, err := tx.ExecContext(ctx,
		s.q(`UPDATE lineage_versions SET version = version + 1 WHERE agent_id = ?`), agentID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		_, err = tx.ExecContext(ctx,
			s.q(`INSERT INTO lineage_versions (agent_id, version) VALUES (?, 1)`), agentID)
	}
	return err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	utc := t.Time.UTC()
	return &utc
}
