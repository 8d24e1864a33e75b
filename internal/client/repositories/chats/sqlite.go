package chats

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/chatsync/internal/client/models"
	"github.com/dmitrijs2005/chatsync/internal/common"
	"github.com/dmitrijs2005/chatsync/internal/dbx"
)

const chatColumns = `id, title, project_id, messages, created_at, updated_at,
	synced_at, sync_version, is_local_only, is_blank, locally_modified,
	decryption_failed, data_corrupted, encrypted_data, synced_fingerprint`

// SQLiteRepository implements Repository over a local SQLite database.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Save upserts a chat by id. On conflict every mutable column is replaced;
// created_at keeps the inserted value.
func (r *SQLiteRepository) Save(ctx context.Context, c *models.Chat) error {
	return saveTo(ctx, r.db, c)
}

func saveTo(ctx context.Context, db dbx.DBTX, c *models.Chat) error {
	messages, err := json.Marshal(c.Messages)
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}

	query := `INSERT INTO chats (` + chatColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			project_id = excluded.project_id,
			messages = excluded.messages,
			updated_at = excluded.updated_at,
			synced_at = excluded.synced_at,
			sync_version = excluded.sync_version,
			is_local_only = excluded.is_local_only,
			is_blank = excluded.is_blank,
			locally_modified = excluded.locally_modified,
			decryption_failed = excluded.decryption_failed,
			data_corrupted = excluded.data_corrupted,
			encrypted_data = excluded.encrypted_data,
			synced_fingerprint = excluded.synced_fingerprint
	`
	_, err = db.ExecContext(ctx, query,
		c.ID, c.Title, c.ProjectID, string(messages),
		c.CreatedAt.UnixMilli(), c.UpdatedAt.UnixMilli(), nullableTime(c.SyncedAt),
		c.SyncVersion, c.IsLocalOnly, c.IsBlank, c.LocallyModified,
		c.DecryptionFailed, c.DataCorrupted, c.EncryptedData, c.SyncedFingerprint)
	if err != nil {
		return fmt.Errorf("failed to upsert chat: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*models.Chat, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = ?`, id)
	c, err := scanChat(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chat: %w", err)
	}
	return c, nil
}

func (r *SQLiteRepository) GetAll(ctx context.Context) ([]*models.Chat, error) {
	return r.query(ctx, `SELECT `+chatColumns+` FROM chats`)
}

func (r *SQLiteRepository) GetByProject(ctx context.Context, projectID string) ([]*models.Chat, error) {
	return r.query(ctx, `SELECT `+chatColumns+` FROM chats WHERE project_id = ?`, projectID)
}

func (r *SQLiteRepository) GetUnsynced(ctx context.Context) ([]*models.Chat, error) {
	return r.query(ctx,
		`SELECT `+chatColumns+` FROM chats WHERE synced_at IS NULL OR locally_modified = 1`)
}

// MarkSynced updates only the sync bookkeeping columns of a chat, leaving
// title and messages untouched. A content write that raced the upload is
// preserved and picked up by the follow-up upload run.
func (r *SQLiteRepository) MarkSynced(ctx context.Context, id string, syncVersion int64, syncedAt time.Time, fingerprint string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE chats SET sync_version = ?, synced_at = ?, synced_fingerprint = ?, locally_modified = 0 WHERE id = ?`,
		syncVersion, nullableTime(syncedAt), fingerprint, id)
	if err != nil {
		return fmt.Errorf("failed to mark chat synced: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	return nil
}

// Rename re-keys a chat in a single transaction so a crash can not leave
// both the temporary and the server-assigned row behind.
func (r *SQLiteRepository) Rename(ctx context.Context, oldID string, c *models.Chat) error {
	return dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE id = ?`, oldID); err != nil {
			return fmt.Errorf("failed to delete chat %s: %w", oldID, err)
		}
		return saveTo(ctx, tx, c)
	})
}

func (r *SQLiteRepository) query(ctx context.Context, q string, args ...any) ([]*models.Chat, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to select chats: %w", err)
	}
	defer rows.Close()

	var result []*models.Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanChat(row scanner) (*models.Chat, error) {
	var (
		c         models.Chat
		messages  string
		createdAt int64
		updatedAt int64
		syncedAt  sql.NullInt64
	)
	err := row.Scan(&c.ID, &c.Title, &c.ProjectID, &messages, &createdAt, &updatedAt,
		&syncedAt, &c.SyncVersion, &c.IsLocalOnly, &c.IsBlank, &c.LocallyModified,
		&c.DecryptionFailed, &c.DataCorrupted, &c.EncryptedData, &c.SyncedFingerprint)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(messages), &c.Messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal messages: %w", err)
	}
	c.CreatedAt = time.UnixMilli(createdAt).UTC()
	c.UpdatedAt = time.UnixMilli(updatedAt).UTC()
	if syncedAt.Valid {
		c.SyncedAt = time.UnixMilli(syncedAt.Int64).UTC()
	}
	return &c, nil
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}
