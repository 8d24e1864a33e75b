package cli

import (
	"bufio"
	"context"
	"fmt"
	"strings"
)

// printlnFn is a test seam for user-facing output. In tests, replace it with a stub.
var printlnFn = fmt.Println

// execIface defines the minimal command surface the REPL needs to operate.
// The real App type satisfies this interface; tests can provide a lightweight stub.
type execIface interface {
	isLoggedIn() bool
	Login(ctx context.Context) error
	Logout(ctx context.Context) error
	GenerateKey(ctx context.Context) error
	ImportKey(ctx context.Context) error
	ImportPassphrase(ctx context.Context) error
	RotateKey(ctx context.Context) error
	ExportKeys(ctx context.Context) error
	NewChat(ctx context.Context, title string) error
	List(ctx context.Context) error
	Backup(ctx context.Context) error
	Reencrypt(ctx context.Context) error
	Status(ctx context.Context) error
}

// runREPL starts a simple read-eval-print loop for the chatsync CLI.
//
// It reads a line from the provided scanner, parses the first token as the
// command, and dispatches to methods on 'a'. Unknown commands are reported
// back to the user. The loop exits on scanner EOF or when the user types
// "exit" or "quit".
//
// Prompt & Commands
//
// The prompt shows the current status (from statusFn) and accepts commands:
//
//	Not logged in:
//	  - help           — show available commands
//	  - login          — install a session token
//	  - exit | quit    — leave the program
//
//	Logged in:
//	  - help           — show available commands
//	  - genkey         — generate a fresh encryption key
//	  - importkey      — paste an existing encryption key
//	  - passphrase     — derive the encryption key from a passphrase
//	  - rotate         — rotate the key and re-encrypt everything
//	  - exportkeys     — print the active and historical keys
//	  - new <title>    — create a local chat and schedule its first upload
//	  - list           — list local chats
//	  - backup         — upload all unsynced chats
//	  - reencrypt      — re-upload every chat under the current key
//	  - status         — check whether a sync pass is needed
//	  - logout         — drop the session and local key material
//	  - exit | quit    — leave the program
//
// Any errors returned by command handlers are ignored here; handlers should
// log their own errors. This keeps the REPL loop resilient and focused on I/O.
func runREPL(ctx context.Context, a execIface, statusFn func() string, scanner *bufio.Scanner) {
	for {
		printlnFn(fmt.Sprintf("chatsync %s > ", statusFn()))
		if !scanner.Scan() {
			return
		}
		line := scanner.Text()
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd := parts[0]

		switch cmd {
		case "help":
			if a.isLoggedIn() {
				printlnFn("Available commands: genkey, importkey, passphrase, rotate, exportkeys, new <title>, (l)ist, backup, reencrypt, status, logout, exit")
			} else {
				printlnFn("Available commands: login, exit")
			}

		case "login":
			_ = a.Login(ctx)

		case "logout":
			_ = a.Logout(ctx)

		case "genkey":
			_ = a.GenerateKey(ctx)

		case "importkey":
			_ = a.ImportKey(ctx)

		case "passphrase":
			_ = a.ImportPassphrase(ctx)

		case "rotate":
			_ = a.RotateKey(ctx)

		case "exportkeys":
			_ = a.ExportKeys(ctx)

		case "new":
			_ = a.NewChat(ctx, strings.Join(parts[1:], " "))

		case "l", "list":
			_ = a.List(ctx)

		case "backup":
			_ = a.Backup(ctx)

		case "reencrypt":
			_ = a.Reencrypt(ctx)

		case "status":
			_ = a.Status(ctx)

		case "exit", "quit":
			printlnFn("Bye!")
			return

		default:
			printlnFn("Unknown command:", cmd)
		}
	}
}
