// Package cli provides the interactive chatsync command-line client.
//
// It wires configuration, the local encrypted chat store, the remote HTTP
// client, and an interactive REPL. Typical flow: install a session token,
// import or generate an encryption key, and run sync commands.
//
// Key features:
//   - Session token management (login / logout)
//   - Encryption key import, generation, rotation, and export
//   - Backup of unsynced chats and full re-encryption passes
//   - Cheap remote-change status checks
//
// The REPL is started via App.Run(ctx), which blocks until the user exits.
package cli
