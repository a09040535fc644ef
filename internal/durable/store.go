// Package durable provides the permanent, relational tier of session
// storage: an append-only record of every turn plus named transcript
// snapshots, both independent of the cache tier's TTL.
//
// Failure semantics differ from the cache tier: storage errors here are
// never absorbed. Every failed operation surfaces as
// [conversation.ErrDurability] (or [conversation.ErrNotFound] for missing
// rows) because loss in this tier is loss of the permanent record.
package durable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arkadas/parley/internal/conversation"
	"github.com/arkadas/parley/internal/log"
)

// querier is the common interface satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const insertTurnSQL = `INSERT INTO turns (id, session_id, role, content, attachments, created_at)
	VALUES ($1, $2, $3, $4, $5, $6)`

// readTurnsSQL selects the most recent rows; callers reverse to
// chronological order. seq is a bigserial assigned on insert, so it
// reflects true insertion order even when created_at values collide.
const readTurnsSQL = `SELECT id, session_id, role, content, attachments, created_at
	FROM turns
	WHERE session_id = $1
	ORDER BY seq DESC
	LIMIT $2`

// Store manages turn and transcript persistence backed by PostgreSQL.
//
// Store is safe for concurrent use by multiple goroutines. Turn inserts
// are single-row and inherently atomic; concurrent writers to the same
// session interleave but never corrupt.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewStore creates a durable Store.
func NewStore(pool *pgxpool.Pool, logger log.Logger) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{pool: pool, logger: logger}, nil
}

// AppendTurn inserts one immutable turn record. It never overwrites:
// retrying a turn after a cancelled call creates a new row, which is a
// display-layer concern rather than a correctness violation here.
func (s *Store) AppendTurn(ctx context.Context, turn conversation.Turn) error {
	if turn.SessionID == "" || turn.Text == "" {
		return fmt.Errorf("%w: session id and text are required", conversation.ErrValidation)
	}
	if !turn.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", conversation.ErrValidation, turn.Role)
	}

	attachments, err := marshalAttachments(turn.Attachments)
	if err != nil {
		return fmt.Errorf("%w: encoding attachments: %v", conversation.ErrValidation, err)
	}

	if _, err := s.pool.Exec(ctx, insertTurnSQL,
		turn.ID, turn.SessionID, string(turn.Role), turn.Text, attachments, turn.Timestamp,
	); err != nil {
		return fmt.Errorf("%w: inserting turn: %v", conversation.ErrDurability, err)
	}

	s.logger.Debug("persisted turn", "session_id", turn.SessionID, "role", turn.Role)
	return nil
}

// ReadTurns returns up to limit turns for the session in chronological
// ascending order, keeping the most recent when truncating. An unknown
// session reads as empty; absence is not an error at this layer.
func (s *Store) ReadTurns(ctx context.Context, sessionID string, limit int) ([]conversation.Turn, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, readTurnsSQL, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: reading turns: %v", conversation.ErrDurability, err)
	}
	defer rows.Close()

	// Newest-first from the query; collect then reverse.
	var reversed []conversation.Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scanning turn: %v", conversation.ErrDurability, err)
		}
		reversed = append(reversed, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading turns: %v", conversation.ErrDurability, err)
	}

	turns := make([]conversation.Turn, 0, len(reversed))
	for i := len(reversed) - 1; i >= 0; i-- {
		turns = append(turns, reversed[i])
	}
	return turns, nil
}

// Stats reports total row counts for both durable tables.
func (s *Store) Stats(ctx context.Context) (conversation.StoreStats, error) {
	var stats conversation.StoreStats
	err := s.pool.QueryRow(ctx,
		`SELECT (SELECT count(*) FROM turns), (SELECT count(*) FROM transcripts)`,
	).Scan(&stats.TotalTurns, &stats.TotalTranscripts)
	if err != nil {
		return conversation.StoreStats{}, fmt.Errorf("%w: reading stats: %v", conversation.ErrDurability, err)
	}
	return stats, nil
}

// scanner matches pgx.Rows and pgx.Row.
type scanner interface {
	Scan(dest ...any) error
}

// scanTurn reads one turns row: id, session_id, role, content, attachments,
// created_at.
func scanTurn(row scanner) (conversation.Turn, error) {
	var (
		turn        conversation.Turn
		role        string
		attachments []byte
	)
	if err := row.Scan(&turn.ID, &turn.SessionID, &role, &turn.Text, &attachments, &turn.Timestamp); err != nil {
		return conversation.Turn{}, err
	}
	turn.Role = conversation.Role(role)

	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &turn.Attachments); err != nil {
			return conversation.Turn{}, fmt.Errorf("decoding attachments: %w", err)
		}
	}
	return turn, nil
}

// marshalAttachments encodes the attachment sidecar for the JSONB column.
// Empty lists store as SQL NULL rather than an empty JSON array. Version
// defaulting happens on a copy; the caller's slice is never mutated.
func marshalAttachments(attachments []conversation.Attachment) ([]byte, error) {
	if len(attachments) == 0 {
		return nil, nil
	}
	encoded := make([]conversation.Attachment, len(attachments))
	copy(encoded, attachments)
	for i := range encoded {
		if encoded[i].Version == 0 {
			encoded[i].Version = conversation.AttachmentSchemaVersion
		}
	}
	return json.Marshal(encoded)
}

// unmarshalAttachments decodes the JSONB sidecar into the turn.
func unmarshalAttachments(data []byte, turn *conversation.Turn) error {
	return json.Unmarshal(data, &turn.Attachments)
}

// isNoRows reports whether err is the pgx no-rows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// isTxClosed reports whether err is the expected rollback-after-commit error.
func isTxClosed(err error) bool {
	return errors.Is(err, pgx.ErrTxClosed)
}
