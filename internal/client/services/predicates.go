// Package services contains the sync core: eligibility predicates, the
// remote record codec, the per-chat upload coalescer, and the cloud sync
// orchestrator that composes them with the local and remote stores.
package services

import (
	"github.com/dmitrijs2005/chatsync/internal/client/models"
	"github.com/dmitrijs2005/chatsync/internal/client/remote"
)

// IsUploadable reports whether a chat may be uploaded right now.
//
// A chat is not uploadable if it must never leave the device, has no durable
// content yet, is in a decryption-failure state, still holds raw remote
// ciphertext (uploading it would overwrite remote plaintext with a
// placeholder), or is currently streaming model output. Absent flags count
// as eligible; only an explicitly set flag blocks.
func IsUploadable(c *models.Chat, isStreaming bool) bool {
	if c == nil {
		return false
	}
	if c.IsLocalOnly || c.IsBlank || c.DecryptionFailed {
		return false
	}
	if len(c.EncryptedData) > 0 {
		return false
	}
	return !isStreaming
}

// ShouldIngestRemote reports whether a remote record should overwrite the
// local chat.
//
// A missing local chat always ingests. A local chat stuck in a failure state
// (failed decryption, retained ciphertext) never blocks a fresher pull.
// Otherwise the remote UpdatedAt is compared against the local SyncedAt
// (what the client has actually absorbed from the server, not the local edit
// time) and only a strictly newer remote wins; equal timestamps do not
// ingest, which keeps repeated pulls idempotent. A zero SyncedAt is treated
// as epoch, so any remote record wins.
func ShouldIngestRemote(summary remote.ChatSummary, local *models.Chat) bool {
	if local == nil {
		return true
	}
	if local.DecryptionFailed || len(local.EncryptedData) > 0 {
		return true
	}
	return summary.UpdatedAt.After(local.SyncedAt)
}
