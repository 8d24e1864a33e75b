package services

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/dmitrijs2005/chatsync/internal/client/models"
)

// Fingerprint computes a cheap structural hash of a chat's semantic content:
// title, project id, and per-message role and content text. Volatile fields
// such as UpdatedAt are excluded, and large opaque attachment blobs
// contribute only their size, so recomputing the fingerprint never touches
// megabytes of base64.
//
// Two chats with equal fingerprints are considered unchanged for sync
// purposes and the upload is skipped.
func Fingerprint(c *models.Chat) string {
	h := sha256.New()
	writeField(h, c.Title)
	writeField(h, c.ProjectID)
	for _, m := range c.Messages {
		writeField(h, m.Role)
		writeField(h, m.Content)
		for _, a := range m.Attachments {
			writeField(h, a.Name)
			writeField(h, fmt.Sprintf("%d", a.Size))
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// writeField writes s length-prefixed so adjacent fields can not collide.
func writeField(h hash.Hash, s string) {
	fmt.Fprintf(h, "%d:%s;", len(s), s)
}
