package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dmitrijs2005/chatsync/internal/client/models"
	"github.com/dmitrijs2005/chatsync/internal/common"
	"github.com/dmitrijs2005/chatsync/internal/cryptox"
)

// Login installs a session token for the remote chat store.
func (a *App) Login(ctx context.Context) error {
	token, err := GetSecret("Session token", os.Stdout)
	if err != nil {
		a.log.Error(ctx, "failed to read token", "error", err)
		return err
	}
	defer common.WipeByteArray(token)

	a.remote.SetToken(string(token))
	if !a.remote.IsAuthenticated() {
		fmt.Println("Token is missing or expired.")
		return common.ErrNotAuthenticated
	}

	fmt.Println("Signed in.")
	return nil
}

// Logout drops the session token, pending uploads, key material and cached
// sync state. Local chats are kept.
func (a *App) Logout(ctx context.Context) error {
	if err := a.sync.SignOut(ctx); err != nil {
		a.log.Error(ctx, "sign out failed", "error", err)
		return err
	}
	a.remote.SetToken("")
	fmt.Println("Signed out.")
	return nil
}

// GenerateKey creates a fresh primary encryption key and prints it once so
// the user can store it somewhere safe.
func (a *App) GenerateKey(ctx context.Context) error {
	key := cryptox.GenerateKey()
	if err := a.keys.SetPrimaryKey(ctx, key); err != nil {
		a.log.Error(ctx, "failed to set key", "error", err)
		return err
	}
	fmt.Println("New encryption key (store it safely, it is not shown again):")
	fmt.Println(key)
	return nil
}

// ImportKey installs an existing encryption key pasted by the user.
func (a *App) ImportKey(ctx context.Context) error {
	key, err := GetSecret("Encryption key", os.Stdout)
	if err != nil {
		a.log.Error(ctx, "failed to read key", "error", err)
		return err
	}
	defer common.WipeByteArray(key)

	if err := a.keys.SetPrimaryKey(ctx, string(key)); err != nil {
		fmt.Println("Key rejected:", err)
		return err
	}

	fmt.Println("Key imported.")
	a.healAfterKeyChange(ctx)
	return nil
}

// ImportPassphrase derives the encryption key from a passphrase and a
// user-supplied salt (typically the account email), so the same pair always
// yields the same key on any device.
func (a *App) ImportPassphrase(ctx context.Context) error {
	salt, err := GetSimpleText(a.reader, "Account email (key-derivation salt)", os.Stdout)
	if err != nil {
		return err
	}

	passphrase, err := GetSecret("Passphrase", os.Stdout)
	if err != nil {
		a.log.Error(ctx, "failed to read passphrase", "error", err)
		return err
	}
	defer common.WipeByteArray(passphrase)

	key, err := cryptox.DeriveKeyFromPassphrase(passphrase, []byte(salt))
	if err != nil {
		a.log.Error(ctx, "key derivation failed", "error", err)
		return err
	}

	if err := a.keys.SetPrimaryKey(ctx, key); err != nil {
		fmt.Println("Key rejected:", err)
		return err
	}

	fmt.Println("Key derived and installed.")
	a.healAfterKeyChange(ctx)
	return nil
}

// healAfterKeyChange retries chats stuck in a decryption-failure state now
// that the key set changed.
func (a *App) healAfterKeyChange(ctx context.Context) {
	healed, err := a.sync.RetryFailedDecryptions(ctx)
	if err != nil {
		a.log.Error(ctx, "decryption retry failed", "error", err)
		return
	}
	if healed > 0 {
		fmt.Printf("Recovered %d previously unreadable chat(s).\n", healed)
	}
}

// RotateKey generates a new primary key, keeps the old one as a fallback,
// and re-encrypts every eligible chat under the new key.
func (a *App) RotateKey(ctx context.Context) error {
	key := cryptox.GenerateKey()
	if err := a.keys.SetPrimaryKey(ctx, key); err != nil {
		a.log.Error(ctx, "failed to rotate key", "error", err)
		return err
	}
	fmt.Println("New encryption key (store it safely):")
	fmt.Println(key)

	res, err := a.sync.ReencryptAndUploadChats(ctx)
	if err != nil {
		a.log.Error(ctx, "re-encryption failed", "error", err)
		return err
	}

	fmt.Printf("Re-encrypted %d chat(s), uploaded %d.\n", res.Reencrypted, res.Uploaded)
	for _, e := range res.Errors {
		fmt.Println(" -", e)
	}
	return nil
}

// ExportKeys prints the active key and the rotation history.
func (a *App) ExportKeys(ctx context.Context) error {
	primary, fallbacks, err := a.keys.ExportAllKeys(ctx)
	if err != nil {
		fmt.Println("No keys to export:", err)
		return err
	}

	fmt.Println("Primary key:")
	fmt.Println(" ", primary)
	if len(fallbacks) > 0 {
		fmt.Println("Historical keys (newest first):")
		for _, k := range fallbacks {
			fmt.Println(" ", k)
		}
	}
	return nil
}

// NewChat creates a local chat under a temporary id and schedules its first
// upload; the remote store assigns the durable id when the upload lands.
func (a *App) NewChat(ctx context.Context, title string) error {
	if strings.TrimSpace(title) == "" {
		fmt.Println("Usage: new <title>")
		return nil
	}

	now := time.Now().UTC()
	chat := &models.Chat{
		ID:              models.NewTempID(),
		Title:           title,
		CreatedAt:       now,
		UpdatedAt:       now,
		LocallyModified: true,
	}
	if err := a.repos.Chats.Save(ctx, chat); err != nil {
		a.log.Error(ctx, "failed to create chat", "error", err)
		return err
	}
	fmt.Println("Created", chat.ID)

	if err := a.sync.BackupChat(ctx, chat.ID); err != nil {
		a.log.Error(ctx, "initial backup failed", "id", chat.ID, "error", err)
	}
	return nil
}

// List prints the local chats with their sync state.
func (a *App) List(ctx context.Context) error {
	all, err := a.repos.Chats.GetAll(ctx)
	if err != nil {
		a.log.Error(ctx, "failed to list chats", "error", err)
		return err
	}

	if len(all) == 0 {
		fmt.Println("No chats.")
		return nil
	}

	for _, c := range all {
		state := "synced"
		switch {
		case c.DecryptionFailed:
			state = "unreadable"
		case c.IsLocalOnly:
			state = "local-only"
		case c.SyncedAt.IsZero() || c.LocallyModified:
			state = "unsynced"
		}
		fmt.Printf("%-40s v%-3d %-10s %s\n", c.ID, c.SyncVersion, state, c.Title)
	}
	return nil
}

// Backup uploads every eligible unsynced chat.
func (a *App) Backup(ctx context.Context) error {
	res, err := a.sync.BackupUnsyncedChats(ctx)
	if err != nil {
		a.log.Error(ctx, "backup failed", "error", err)
		return err
	}

	fmt.Printf("Uploaded %d chat(s).\n", res.Uploaded)
	for _, e := range res.Errors {
		fmt.Println(" -", e)
	}
	return nil
}

// Reencrypt re-uploads every eligible chat under the current primary key.
func (a *App) Reencrypt(ctx context.Context) error {
	res, err := a.sync.ReencryptAndUploadChats(ctx)
	if err != nil {
		a.log.Error(ctx, "re-encryption failed", "error", err)
		return err
	}

	fmt.Printf("Re-encrypted %d chat(s), uploaded %d.\n", res.Reencrypted, res.Uploaded)
	for _, e := range res.Errors {
		fmt.Println(" -", e)
	}
	return nil
}

// Status reports whether a sync pass would find work to do.
func (a *App) Status(ctx context.Context) error {
	st := a.sync.CheckSyncStatus(ctx, "")
	if st.NeedsSync {
		fmt.Printf("Sync needed: %s\n", st.Reason)
	} else {
		fmt.Println("Up to date.")
	}
	if st.RemoteCount > 0 {
		fmt.Printf("Remote: %d chat(s), last updated %s\n", st.RemoteCount, st.RemoteLastUpdated.Format("2006-01-02 15:04:05"))
	}
	return nil
}
