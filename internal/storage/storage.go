// Package storage defines the persistence interfaces and the persisted
// snapshot shape, including forward migration of legacy blobs.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/louisbranch/pocketline/internal/chat"
)

// SnapshotVersion is the current persisted shape version.
const SnapshotVersion = 2

// Snapshot is the persisted session state. NotifiedChatIDs is
// intentionally absent: after a reload, genuinely-unread chats notify
// again.
type Snapshot struct {
	Version int `json:"version"`
	// EngineState is the narrative engine's opaque resume blob.
	EngineState json.RawMessage           `json:"engine_state,omitempty"`
	History     map[string][]chat.Message `json:"history,omitempty"`
	LastRead    map[string]string         `json:"last_read,omitempty"`
	Deferred    map[string][]chat.Message `json:"deferred,omitempty"`
	// ProcessingChat is the chat whose branch the engine was positioned
	// in at save time.
	ProcessingChat string `json:"processing_chat,omitempty"`
	// UnreadChatIDs is stored as a sorted array; in-memory it is a set.
	UnreadChatIDs []string  `json:"unread_chat_ids,omitempty"`
	SavedAt       time.Time `json:"saved_at"`
}

// Store persists and restores the session snapshot.
type Store interface {
	SaveSnapshot(ctx context.Context, snapshot Snapshot) error
	// LoadSnapshot returns the stored snapshot; the boolean is false when
	// no session has been saved yet.
	LoadSnapshot(ctx context.Context) (Snapshot, bool, error)
	// Reset deletes the stored snapshot.
	Reset(ctx context.Context) error
}

// Diagnostic is one durable diagnostic record.
type Diagnostic struct {
	Timestamp time.Time
	Component string
	Severity  string
	Message   string
}

// DiagnosticStore appends diagnostic records.
type DiagnosticStore interface {
	AppendDiagnostic(ctx context.Context, diagnostic Diagnostic) error
}

// legacySnapshot is the version-1 persisted shape: unread chats were a
// boolean map and message records lacked the label and status_only
// fields (absent fields decode to zero values, which Equivalent treats
// as not-present).
type legacySnapshot struct {
	Unread map[string]bool `json:"unread"`
}

// MigrateSnapshot decodes a persisted blob, forward-migrating legacy
// shapes to the current one. The migration is idempotent: reapplying it
// to a current blob is a no-op. A field that cannot be decoded is
// treated as empty rather than failing startup; only a blob that is not
// JSON at all is an error.
func MigrateSnapshot(raw []byte) (Snapshot, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}

	var snapshot Snapshot
	decodeField(fields, "version", &snapshot.Version)
	decodeField(fields, "engine_state", &snapshot.EngineState)
	decodeField(fields, "history", &snapshot.History)
	decodeField(fields, "last_read", &snapshot.LastRead)
	decodeField(fields, "deferred", &snapshot.Deferred)
	decodeField(fields, "processing_chat", &snapshot.ProcessingChat)
	decodeField(fields, "unread_chat_ids", &snapshot.UnreadChatIDs)
	decodeField(fields, "saved_at", &snapshot.SavedAt)

	if snapshot.Version < SnapshotVersion {
		var legacy legacySnapshot
		decodeField(fields, "unread", &legacy.Unread)
		if len(snapshot.UnreadChatIDs) == 0 && len(legacy.Unread) > 0 {
			for chatID, unread := range legacy.Unread {
				if unread {
					snapshot.UnreadChatIDs = append(snapshot.UnreadChatIDs, chatID)
				}
			}
			sort.Strings(snapshot.UnreadChatIDs)
		}
		snapshot.Version = SnapshotVersion
	}
	return snapshot, nil
}

// decodeField decodes one snapshot field, leaving the target untouched
// when the field is absent or malformed.
func decodeField(fields map[string]json.RawMessage, name string, target any) {
	raw, ok := fields[name]
	if !ok {
		return
	}
	_ = json.Unmarshal(raw, target)
}

// Normalize sorts the snapshot's array-encoded sets so repeated saves of
// the same state produce identical blobs.
func (s *Snapshot) Normalize() {
	sort.Strings(s.UnreadChatIDs)
}
