// Package chats implements the local persistent store for syncable chats.
package chats

import (
	"context"
	"time"

	"github.com/dmitrijs2005/chatsync/internal/client/models"
)

// Repository describes CRUD and query operations for Chat objects.
// Implementations are typically backed by a local SQLite database.
type Repository interface {
	// Get returns a chat by id, or common.ErrNotFound.
	Get(ctx context.Context, id string) (*models.Chat, error)

	// GetAll returns every stored chat.
	GetAll(ctx context.Context) ([]*models.Chat, error)

	// GetByProject returns chats belonging to the given project.
	GetByProject(ctx context.Context, projectID string) ([]*models.Chat, error)

	// GetUnsynced returns chats that have never been pulled or that carry
	// local modifications not yet uploaded.
	GetUnsynced(ctx context.Context) ([]*models.Chat, error)

	// Save upserts a chat by id.
	Save(ctx context.Context, chat *models.Chat) error

	// MarkSynced records the outcome of a successful upload without touching
	// content columns, so an edit saved while the upload was in flight
	// survives the bookkeeping write.
	MarkSynced(ctx context.Context, id string, syncVersion int64, syncedAt time.Time, fingerprint string) error

	// Delete removes a chat.
	Delete(ctx context.Context, id string) error

	// Rename atomically re-keys a chat from oldID to chat.ID, used when the
	// remote store assigns a server id on first upload.
	Rename(ctx context.Context, oldID string, chat *models.Chat) error
}
