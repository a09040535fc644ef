// Package conversation defines the domain types shared by the session state
// subsystem: turns, transcripts, session summaries, and the error taxonomy.
//
// A session is one logical conversation between a user and the assistant,
// identified by an opaque string id. A turn is one immutable message within
// a session. A transcript is a named durable snapshot of a session's turns,
// independent of the cache tier's TTL.
package conversation

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies the author of a turn. The set is closed: exactly two
// values exist, and every store adapter rejects anything else at the
// boundary rather than passing loosely-typed strings through.
type Role string

// Valid roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ParseRole validates a raw role string.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleUser, RoleAssistant:
		return Role(s), nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrValidation, s)
	}
}

// Valid reports whether the role is one of the two defined values.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// AttachmentSchemaVersion is the current shape version for Attachment
// records persisted to the durable tier. Bump on incompatible changes.
const AttachmentSchemaVersion = 1

// Attachment is side-channel metadata carried by assistant turns, such as
// retrieval sources or extracted chart data. The subsystem treats the
// payload as opaque; the envelope has a defined, versioned shape so schema
// evolution stays explicit.
type Attachment struct {
	Version int             `json:"v"`
	Kind    string          `json:"kind"`
	Title   string          `json:"title,omitempty"`
	URI     string          `json:"uri,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Turn is one message within a session. Turns are immutable once written;
// there are no in-place edits anywhere in the subsystem.
type Turn struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	Role        Role         `json:"role"`
	Text        string       `json:"text"`
	Timestamp   time.Time    `json:"timestamp"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// SessionSummary describes one active session in the cache tier.
type SessionSummary struct {
	SessionID    string        `json:"session_id"`
	Title        string        `json:"title"`
	TurnCount    int           `json:"turn_count"`
	RemainingTTL time.Duration `json:"remaining_ttl"`
	LastActivity time.Time     `json:"last_activity"`
}

// Transcript is a saved, named snapshot of a session's turns kept in the
// durable tier. A session keeps at most one canonical transcript for
// save/update purposes; its id is stable across re-saves.
type Transcript struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Title     string    `json:"title"`
	Turns     []Turn    `json:"turns,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// StoreStats reports durable tier row counts.
type StoreStats struct {
	TotalTurns       int64 `json:"total_turns"`
	TotalTranscripts int64 `json:"total_transcripts"`
}
