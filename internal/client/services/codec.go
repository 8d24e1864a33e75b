package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/dmitrijs2005/chatsync/internal/client/keystore"
	"github.com/dmitrijs2005/chatsync/internal/client/models"
	"github.com/dmitrijs2005/chatsync/internal/client/remote"
	"github.com/dmitrijs2005/chatsync/internal/common"
)

// DecodeStatus classifies the outcome of decoding a remote record.
type DecodeStatus string

const (
	StatusDecrypted        DecodeStatus = "decrypted"
	StatusNoContent        DecodeStatus = "no_content"
	StatusDecryptionFailed DecodeStatus = "decryption_failed"
	StatusCorrupted        DecodeStatus = "corrupted"
)

// DecodeResult is the normalized local chat plus its decode status.
type DecodeResult struct {
	Status DecodeStatus
	Chat   *models.Chat

	// UsedFallbackKey is true when decryption only succeeded with a
	// superseded key; the caller should re-encrypt under the primary key on
	// the next write.
	UsedFallbackKey bool
}

// ProcessOptions carries the optional local candidate and an explicit
// project association for the decoded chat.
type ProcessOptions struct {
	Local     *models.Chat
	ProjectID string
}

// Codec turns raw remote records into local chats. Decoding never fails to
// the caller: records that can not be decrypted degrade to placeholder
// chats that retain the original ciphertext for a later retry.
type Codec struct {
	keys *keystore.Service
	now  func() time.Time
}

func NewCodec(keys *keystore.Service) *Codec {
	return &Codec{keys: keys, now: time.Now}
}

// ProcessRemoteChat decodes one remote record against an optional local
// candidate.
func (c *Codec) ProcessRemoteChat(ctx context.Context, record remote.ChatRecord, opts ProcessOptions) DecodeResult {
	projectID := resolveProjectID(record, opts)
	now := c.now().UTC()

	if len(record.Data) == 0 {
		// A record without payload is not a failure; keep whatever title the
		// local candidate already shows.
		chat := &models.Chat{
			ID:        record.ID,
			ProjectID: projectID,
			CreatedAt: record.CreatedAt,
			UpdatedAt: recordUpdatedAt(record),
			SyncedAt:  now,
		}
		if opts.Local != nil {
			chat.Title = opts.Local.Title
			chat.SyncVersion = opts.Local.SyncVersion
		}
		return DecodeResult{Status: StatusNoContent, Chat: chat}
	}

	plain, usedFallback, err := c.keys.DecryptWithFallbackInfo(ctx, record.Data)
	if err != nil {
		return c.placeholder(record, opts, projectID, now, err, usedFallback)
	}

	var payload models.ChatPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		// authenticated but structurally invalid
		return c.placeholder(record, opts, projectID, now, common.ErrDataCorrupted, usedFallback)
	}

	chat := &models.Chat{
		// the remote id is authoritative regardless of what the payload says
		ID:          record.ID,
		Title:       payload.Title,
		ProjectID:   projectID,
		Messages:    payload.Messages,
		SyncVersion: payload.SyncVersion,
		SyncedAt:    now,
	}
	if chat.SyncVersion == 0 {
		chat.SyncVersion = 1
	}

	chat.CreatedAt = payload.CreatedAt
	if chat.CreatedAt.IsZero() {
		chat.CreatedAt = record.CreatedAt
	}
	chat.UpdatedAt = payload.UpdatedAt
	if chat.UpdatedAt.IsZero() {
		chat.UpdatedAt = recordUpdatedAt(record)
	}

	chat.SyncedFingerprint = Fingerprint(chat)

	return DecodeResult{Status: StatusDecrypted, Chat: chat, UsedFallbackKey: usedFallback}
}

// placeholder builds the stand-in chat for a record that could not be
// decoded. The raw ciphertext is retained verbatim so a later key addition
// can re-run the codec without re-fetching from remote.
func (c *Codec) placeholder(record remote.ChatRecord, opts ProcessOptions, projectID string, now time.Time, cause error, usedFallback bool) DecodeResult {
	status := StatusDecryptionFailed
	corrupted := errors.Is(cause, common.ErrDataCorrupted)
	if corrupted {
		status = StatusCorrupted
	}

	chat := &models.Chat{
		ID:               record.ID,
		Title:            models.PlaceholderTitle,
		ProjectID:        projectID,
		CreatedAt:        record.CreatedAt,
		UpdatedAt:        recordUpdatedAt(record),
		SyncedAt:         now,
		DecryptionFailed: true,
		DataCorrupted:    corrupted,
		EncryptedData:    record.Data,
	}
	if opts.Local != nil {
		chat.SyncVersion = opts.Local.SyncVersion
	}
	return DecodeResult{Status: status, Chat: chat, UsedFallbackKey: usedFallback}
}

// resolveProjectID: an explicit project id wins; else the local candidate's
// association is carried forward; else unset. Preserved on every path,
// including failures.
func resolveProjectID(record remote.ChatRecord, opts ProcessOptions) string {
	if opts.ProjectID != "" {
		return opts.ProjectID
	}
	if opts.Local != nil && opts.Local.ProjectID != "" {
		return opts.Local.ProjectID
	}
	return record.ProjectID
}

func recordUpdatedAt(record remote.ChatRecord) time.Time {
	if !record.UpdatedAt.IsZero() {
		return record.UpdatedAt
	}
	return record.CreatedAt
}
