// Package remote defines the contract with the remote chat store and an
// HTTP implementation of it. The server only ever sees ciphertext.
package remote

import (
	"context"
	"time"

	"github.com/dmitrijs2005/chatsync/internal/client/models"
)

// ChatRecord is a raw remote record: ciphertext plus metadata. Data may be
// empty when the record was created without content.
type ChatRecord struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id,omitempty"`
	Data      []byte    `json:"data,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChatSummary is the lightweight listing form of a remote record, enough to
// decide whether a record should be ingested without downloading content.
type ChatSummary struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UploadRequest carries one encrypted chat to the remote store.
type UploadRequest struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id,omitempty"`
	Data        []byte    `json:"data"`
	SyncVersion int64     `json:"sync_version"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Store is the remote chat store consumed by the sync core.
type Store interface {
	// IsAuthenticated reports whether a usable session exists. No sync
	// operation runs without one.
	IsAuthenticated() bool

	// Upload writes one encrypted chat. When the uploaded id was
	// client-generated, the server assigns the authoritative id and Upload
	// returns it; otherwise it returns "" meaning the id is unchanged.
	Upload(ctx context.Context, req *UploadRequest) (string, error)

	// GetSyncStatus returns the lightweight shape of the remote collection,
	// optionally scoped to one project. A nil snapshot means the remote has
	// no data for the scope.
	GetSyncStatus(ctx context.Context, scopeID string) (*models.SyncStatusSnapshot, error)

	// Delete removes a remote record.
	Delete(ctx context.Context, id string) error
}
