// Package models defines client-side data models used by the chatsync core.
package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// TempIDPrefix marks a locally generated chat id that has not yet been
// assigned a server id. The first successful upload of such a chat returns
// the authoritative id and the local record is re-keyed.
const TempIDPrefix = "temp-"

// NewTempID returns a fresh client-generated chat id.
func NewTempID() string {
	return TempIDPrefix + uuid.NewString()
}

// IsTempID reports whether id was generated locally.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// Attachment is an opaque blob embedded in a message (document, image).
// Its content is never inspected by the sync layer; only its size feeds
// the content fingerprint.
type Attachment struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Data []byte `json:"data,omitempty"`
}

// Message is a single turn of a chat.
type Message struct {
	ID          string       `json:"id"`
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Chat is the syncable unit of content.
//
// The sync core only mutates SyncVersion, SyncedAt, LocallyModified,
// SyncedFingerprint and identity; everything else is owned by the UI layer.
type Chat struct {
	// ID is globally unique. It may be a temp-<uuid> id before the first
	// successful upload.
	ID string `json:"id"`

	Title     string    `json:"title"`
	ProjectID string    `json:"project_id,omitempty"`
	Messages  []Message `json:"messages"`

	// CreatedAt is immutable; UpdatedAt advances on any local content change.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// SyncedAt is the time of the last successful pull from remote. It is
	// distinct from UpdatedAt and is the reference point when deciding
	// whether a remote record should be ingested.
	SyncedAt time.Time `json:"synced_at,omitempty"`

	// SyncVersion is the optimistic-concurrency token, incremented by
	// exactly 1 on every successful upload.
	SyncVersion int64 `json:"sync_version"`

	// IsLocalOnly chats never leave the device.
	IsLocalOnly bool `json:"is_local_only,omitempty"`

	// IsBlank marks a chat with no durable content yet.
	IsBlank bool `json:"is_blank,omitempty"`

	// LocallyModified is set by the UI on edit and cleared by the sync core
	// immediately after a successful pull.
	LocallyModified bool `json:"locally_modified,omitempty"`

	// DecryptionFailed marks a chat whose last pull could not be decrypted.
	DecryptionFailed bool `json:"decryption_failed,omitempty"`

	// DataCorrupted marks a chat whose decrypted payload failed structural
	// validation (as opposed to a wrong key).
	DataCorrupted bool `json:"data_corrupted,omitempty"`

	// EncryptedData retains the raw remote ciphertext verbatim when
	// decryption failed, so a later key addition can retry without
	// re-fetching. A chat holding ciphertext must never be uploaded.
	EncryptedData []byte `json:"-"`

	// SyncedFingerprint is the content fingerprint at the time of the last
	// successful upload; used to skip semantically unchanged uploads.
	SyncedFingerprint string `json:"-"`
}

// PlaceholderTitle is shown for chats that could not be decrypted.
const PlaceholderTitle = "Unable to decrypt"

// ChatPayload is the plaintext document placed inside the ciphertext on
// upload: identity plus content, without local-only sync bookkeeping.
type ChatPayload struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	ProjectID   string    `json:"project_id,omitempty"`
	Messages    []Message `json:"messages"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
	SyncVersion int64     `json:"sync_version,omitempty"`
}

// Payload extracts the uploadable document from a chat.
func (c *Chat) Payload() ChatPayload {
	return ChatPayload{
		ID:          c.ID,
		Title:       c.Title,
		ProjectID:   c.ProjectID,
		Messages:    c.Messages,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
		SyncVersion: c.SyncVersion,
	}
}
