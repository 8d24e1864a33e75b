package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/chatsync/internal/client/keystore"
	"github.com/dmitrijs2005/chatsync/internal/client/models"
	"github.com/dmitrijs2005/chatsync/internal/client/remote"
	"github.com/dmitrijs2005/chatsync/internal/cryptox"
	"github.com/dmitrijs2005/chatsync/internal/logging"
)

func encryptPayload(t *testing.T, keys *keystore.Service, p models.ChatPayload) []byte {
	t.Helper()
	plain, err := json.Marshal(p)
	require.NoError(t, err)
	blob, err := keys.EncryptBinary(context.Background(), plain)
	require.NoError(t, err)
	return blob
}

func TestCodec_Decrypted(t *testing.T) {
	ctx := context.Background()
	keys, _ := newTestKeys(t)
	codec := NewCodec(keys)

	created := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	updated := created.Add(2 * time.Hour)

	payload := models.ChatPayload{
		ID:    "stale-payload-id",
		Title: "trip notes",
		Messages: []models.Message{
			{Role: "user", Content: "pack list?"},
		},
		CreatedAt:   created,
		UpdatedAt:   updated,
		SyncVersion: 4,
	}
	record := remote.ChatRecord{
		ID:        "srv-1",
		ProjectID: "p1",
		Data:      encryptPayload(t, keys, payload),
		CreatedAt: created.Add(-time.Hour),
		UpdatedAt: updated.Add(time.Hour),
	}

	res := codec.ProcessRemoteChat(ctx, record, ProcessOptions{})

	require.Equal(t, StatusDecrypted, res.Status)
	assert.False(t, res.UsedFallbackKey)

	c := res.Chat
	// remote id wins over whatever the payload carried
	assert.Equal(t, "srv-1", c.ID)
	assert.Equal(t, "trip notes", c.Title)
	assert.Equal(t, "p1", c.ProjectID)
	require.Len(t, c.Messages, 1)
	assert.Equal(t, int64(4), c.SyncVersion)
	// payload timestamps win over record metadata
	assert.True(t, c.CreatedAt.Equal(created))
	assert.True(t, c.UpdatedAt.Equal(updated))
	assert.False(t, c.SyncedAt.IsZero())
	assert.Equal(t, Fingerprint(c), c.SyncedFingerprint)
	assert.False(t, c.DecryptionFailed)
	assert.Empty(t, c.EncryptedData)
}

func TestCodec_Decrypted_DefaultsAndFallbackTimestamps(t *testing.T) {
	ctx := context.Background()
	keys, _ := newTestKeys(t)
	codec := NewCodec(keys)

	created := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	record := remote.ChatRecord{
		ID:        "srv-2",
		Data:      encryptPayload(t, keys, models.ChatPayload{Title: "bare"}),
		CreatedAt: created,
	}

	res := codec.ProcessRemoteChat(ctx, record, ProcessOptions{})
	require.Equal(t, StatusDecrypted, res.Status)
	// a payload without a version still lands at version 1
	assert.Equal(t, int64(1), res.Chat.SyncVersion)
	// zero payload timestamps fall back to record metadata; a record with
	// no UpdatedAt uses CreatedAt
	assert.True(t, res.Chat.CreatedAt.Equal(created))
	assert.True(t, res.Chat.UpdatedAt.Equal(created))
}

func TestCodec_NoContent_KeepsLocalTitle(t *testing.T) {
	ctx := context.Background()
	keys, _ := newTestKeys(t)
	codec := NewCodec(keys)

	record := remote.ChatRecord{ID: "srv-3", CreatedAt: time.Now()}
	local := &models.Chat{ID: "srv-3", Title: "draft", SyncVersion: 2}

	res := codec.ProcessRemoteChat(ctx, record, ProcessOptions{Local: local})
	require.Equal(t, StatusNoContent, res.Status)
	assert.Equal(t, "draft", res.Chat.Title)
	assert.Equal(t, int64(2), res.Chat.SyncVersion)
	assert.False(t, res.Chat.DecryptionFailed)
}

func TestCodec_WrongKey_PlaceholderRetainsCiphertext(t *testing.T) {
	ctx := context.Background()
	otherKeys, _ := newTestKeys(t)
	blob := encryptPayload(t, otherKeys, models.ChatPayload{Title: "secret"})

	keys, _ := newTestKeys(t)
	codec := NewCodec(keys)

	record := remote.ChatRecord{ID: "srv-4", Data: blob, CreatedAt: time.Now()}
	local := &models.Chat{ID: "srv-4", SyncVersion: 5}

	res := codec.ProcessRemoteChat(ctx, record, ProcessOptions{Local: local})
	require.Equal(t, StatusDecryptionFailed, res.Status)

	c := res.Chat
	assert.Equal(t, models.PlaceholderTitle, c.Title)
	assert.True(t, c.DecryptionFailed)
	assert.False(t, c.DataCorrupted)
	assert.Equal(t, blob, c.EncryptedData)
	// local version survives so a later healed upload keeps its lineage
	assert.Equal(t, int64(5), c.SyncVersion)
}

func TestCodec_AuthenticatedButInvalidPayload_IsCorrupted(t *testing.T) {
	ctx := context.Background()
	keys, _ := newTestKeys(t)
	codec := NewCodec(keys)

	// decrypts fine under the right key but is not a chat document
	blob, err := keys.EncryptBinary(ctx, []byte("not json at all"))
	require.NoError(t, err)

	record := remote.ChatRecord{ID: "srv-5", Data: blob, CreatedAt: time.Now()}
	res := codec.ProcessRemoteChat(ctx, record, ProcessOptions{})

	require.Equal(t, StatusCorrupted, res.Status)
	assert.True(t, res.Chat.DecryptionFailed)
	assert.True(t, res.Chat.DataCorrupted)
	assert.Equal(t, blob, res.Chat.EncryptedData)
}

func TestCodec_FallbackKeyDecryption(t *testing.T) {
	ctx := context.Background()
	keys, oldKey := newTestKeys(t)
	blob := encryptPayload(t, keys, models.ChatPayload{Title: "rotated"})

	require.NoError(t, keys.SetPrimaryKey(ctx, cryptox.GenerateKey()))
	_ = oldKey // now a fallback

	codec := NewCodec(keys)
	record := remote.ChatRecord{ID: "srv-6", Data: blob, CreatedAt: time.Now()}

	res := codec.ProcessRemoteChat(ctx, record, ProcessOptions{})
	require.Equal(t, StatusDecrypted, res.Status)
	assert.True(t, res.UsedFallbackKey)
	assert.Equal(t, "rotated", res.Chat.Title)
}

func TestCodec_ProjectResolution(t *testing.T) {
	ctx := context.Background()
	keys, _ := newTestKeys(t)
	codec := NewCodec(keys)
	blob := encryptPayload(t, keys, models.ChatPayload{Title: "x"})

	tests := []struct {
		name string
		opts ProcessOptions
		want string
	}{
		{
			name: "explicit option wins",
			opts: ProcessOptions{ProjectID: "explicit", Local: &models.Chat{ProjectID: "local"}},
			want: "explicit",
		},
		{
			name: "local association carried forward",
			opts: ProcessOptions{Local: &models.Chat{ProjectID: "local"}},
			want: "local",
		},
		{
			name: "record value as last resort",
			opts: ProcessOptions{},
			want: "record",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			record := remote.ChatRecord{ID: "srv-7", ProjectID: "record", Data: blob, CreatedAt: time.Now()}
			res := codec.ProcessRemoteChat(ctx, record, tt.opts)
			assert.Equal(t, tt.want, res.Chat.ProjectID)
		})
	}
}

func TestCodec_ProjectPreservedOnFailure(t *testing.T) {
	ctx := context.Background()
	otherKeys, _ := newTestKeys(t)
	blob := encryptPayload(t, otherKeys, models.ChatPayload{Title: "x"})

	keys := keystore.New(newFakeMetaRepo(), logging.NewDefault())
	require.NoError(t, keys.SetPrimaryKey(ctx, cryptox.GenerateKey()))
	codec := NewCodec(keys)

	record := remote.ChatRecord{ID: "srv-8", Data: blob, CreatedAt: time.Now()}
	res := codec.ProcessRemoteChat(ctx, record, ProcessOptions{Local: &models.Chat{ProjectID: "p9"}})

	require.Equal(t, StatusDecryptionFailed, res.Status)
	assert.Equal(t, "p9", res.Chat.ProjectID)
}
