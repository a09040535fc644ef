package durable

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/arkadas/parley/internal/conversation"
)

const transcriptCols = `id, session_id, title, created_at, updated_at`

const insertTranscriptTurnSQL = `INSERT INTO transcript_turns (id, transcript_id, role, content, attachments, position)
	VALUES ($1, $2, $3, $4, $5, $6)`

// SaveTranscript saves a named snapshot of the session's turns.
//
// "The transcript for session S" stays singular: if the session already has
// a transcript, its turn set is replaced (delete-then-reinsert) and its
// title updated when one is supplied, all under one transaction, and the
// existing transcript id is returned. Otherwise a fresh transcript is
// created. Re-saving therefore preserves transcript identifiers.
func (s *Store) SaveTranscript(ctx context.Context, sessionID string, turns []conversation.Turn, title string) (string, error) {
	if sessionID == "" {
		return "", fmt.Errorf("%w: session id is required", conversation.ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: beginning transaction: %v", conversation.ErrDurability, err)
	}
	defer func() {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !isTxClosed(rbErr) {
			s.logger.Debug("transaction rollback", "error", rbErr)
		}
	}()

	transcriptID, err := s.upsertTranscriptRow(ctx, tx, sessionID, title)
	if err != nil {
		return "", err
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM transcript_turns WHERE transcript_id = $1`, transcriptID,
	); err != nil {
		return "", fmt.Errorf("%w: clearing transcript turns: %v", conversation.ErrDurability, err)
	}

	for i, turn := range turns {
		attachments, err := marshalAttachments(turn.Attachments)
		if err != nil {
			return "", fmt.Errorf("%w: encoding attachments: %v", conversation.ErrValidation, err)
		}
		if _, err := tx.Exec(ctx, insertTranscriptTurnSQL,
			uuid.NewString(), transcriptID, string(turn.Role), turn.Text, attachments, i,
		); err != nil {
			return "", fmt.Errorf("%w: inserting transcript turn %d: %v", conversation.ErrDurability, i, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("%w: committing transcript: %v", conversation.ErrDurability, err)
	}

	s.logger.Debug("saved transcript",
		"transcript_id", transcriptID, "session_id", sessionID, "turns", len(turns))
	return transcriptID, nil
}

// upsertTranscriptRow returns the session's canonical transcript id,
// creating a row when none exists. The most recent transcript per session
// is canonical for save/update; older ones remain retrievable by id.
func (s *Store) upsertTranscriptRow(ctx context.Context, q querier, sessionID, title string) (string, error) {
	var transcriptID string
	err := q.QueryRow(ctx,
		`SELECT id FROM transcripts WHERE session_id = $1 ORDER BY created_at DESC LIMIT 1`,
		sessionID,
	).Scan(&transcriptID)

	switch {
	case isNoRows(err):
		transcriptID = uuid.NewString()
		if title == "" {
			title = "Transcript " + shortID(sessionID)
		}
		if _, err := q.Exec(ctx,
			`INSERT INTO transcripts (id, session_id, title, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())`,
			transcriptID, sessionID, title,
		); err != nil {
			return "", fmt.Errorf("%w: creating transcript: %v", conversation.ErrDurability, err)
		}
		return transcriptID, nil

	case err != nil:
		return "", fmt.Errorf("%w: locating transcript: %v", conversation.ErrDurability, err)
	}

	// NULLIF keeps the existing title when the caller supplied none.
	if _, err := q.Exec(ctx,
		`UPDATE transcripts SET title = COALESCE(NULLIF($2, ''), title), updated_at = now() WHERE id = $1`,
		transcriptID, title,
	); err != nil {
		return "", fmt.Errorf("%w: updating transcript: %v", conversation.ErrDurability, err)
	}
	return transcriptID, nil
}

// GetTranscript retrieves one transcript with its turns in saved order.
func (s *Store) GetTranscript(ctx context.Context, transcriptID string) (*conversation.Transcript, error) {
	var t conversation.Transcript
	err := s.pool.QueryRow(ctx,
		`SELECT `+transcriptCols+` FROM transcripts WHERE id = $1`, transcriptID,
	).Scan(&t.ID, &t.SessionID, &t.Title, &t.CreatedAt, &t.UpdatedAt)
	switch {
	case isNoRows(err):
		return nil, fmt.Errorf("%w: transcript %s", conversation.ErrNotFound, transcriptID)
	case err != nil:
		return nil, fmt.Errorf("%w: reading transcript: %v", conversation.ErrDurability, err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT role, content, attachments FROM transcript_turns
			WHERE transcript_id = $1 ORDER BY position`,
		transcriptID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: reading transcript turns: %v", conversation.ErrDurability, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			role        string
			turn        conversation.Turn
			attachments []byte
		)
		if err := rows.Scan(&role, &turn.Text, &attachments); err != nil {
			return nil, fmt.Errorf("%w: scanning transcript turn: %v", conversation.ErrDurability, err)
		}
		turn.Role = conversation.Role(role)
		turn.SessionID = t.SessionID
		if len(attachments) > 0 {
			if err := unmarshalAttachments(attachments, &turn); err != nil {
				return nil, fmt.Errorf("%w: decoding attachments: %v", conversation.ErrDurability, err)
			}
		}
		t.Turns = append(t.Turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: reading transcript turns: %v", conversation.ErrDurability, err)
	}
	return &t, nil
}

// ListTranscriptsForSession returns the session's transcripts, newest
// first, without their turn sets.
func (s *Store) ListTranscriptsForSession(ctx context.Context, sessionID string, limit int) ([]conversation.Transcript, error) {
	return s.listTranscripts(ctx,
		`SELECT `+transcriptCols+` FROM transcripts
			WHERE session_id = $1 ORDER BY created_at DESC LIMIT $2`,
		sessionID, limit)
}

// ListAllTranscripts returns transcripts across all sessions, newest
// first, without their turn sets.
func (s *Store) ListAllTranscripts(ctx context.Context, limit, offset int) ([]conversation.Transcript, error) {
	return s.listTranscripts(ctx,
		`SELECT `+transcriptCols+` FROM transcripts
			ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
}

// SearchTranscripts returns transcripts whose title or any turn text
// contains the substring, case-insensitively.
func (s *Store) SearchTranscripts(ctx context.Context, query string) ([]conversation.Transcript, error) {
	pattern := likePattern(query)
	return s.listTranscripts(ctx,
		`SELECT `+transcriptCols+` FROM transcripts t
			WHERE t.title ILIKE $1
			   OR EXISTS (
			       SELECT 1 FROM transcript_turns tt
			       WHERE tt.transcript_id = t.id AND tt.content ILIKE $1
			   )
			ORDER BY t.updated_at DESC`,
		pattern)
}

func (s *Store) listTranscripts(ctx context.Context, sql string, args ...any) ([]conversation.Transcript, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: listing transcripts: %v", conversation.ErrDurability, err)
	}
	defer rows.Close()

	var transcripts []conversation.Transcript
	for rows.Next() {
		var t conversation.Transcript
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Title, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%w: scanning transcript: %v", conversation.ErrDurability, err)
		}
		transcripts = append(transcripts, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: listing transcripts: %v", conversation.ErrDurability, err)
	}
	return transcripts, nil
}

// DeleteTranscript removes one transcript and its turns (CASCADE).
// Returns true iff a row was removed.
func (s *Store) DeleteTranscript(ctx context.Context, transcriptID string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM transcripts WHERE id = $1`, transcriptID)
	if err != nil {
		return false, fmt.Errorf("%w: deleting transcript: %v", conversation.ErrDurability, err)
	}
	return tag.RowsAffected() > 0, nil
}

// likePattern builds a contains-match ILIKE pattern, escaping the LIKE
// metacharacters in the user's query.
func likePattern(query string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(query)
	return "%" + escaped + "%"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
