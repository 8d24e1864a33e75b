package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/chatsync/internal/flagx"
)

// parseFlags populates selected Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   base URL of the remote chat store (default from Config)
//	-d string   path to the local SQLite database file (default from Config)
//	-i int      sync status check interval in seconds (default from Config)
//
// Note: The function filters os.Args to only include the flags it knows about,
// using flagx.FilterArgs, to avoid interference with other components.
func parseFlags(cfg *Config) {
	// Filter args to include only those handled here.
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-i"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&cfg.ServerURL, "a", cfg.ServerURL, "base URL of the remote chat store")
	fs.StringVar(&cfg.DatabasePath, "d", cfg.DatabasePath, "path to the local database file")
	syncCheckInterval := fs.Int("i", int(cfg.SyncCheckInterval.Seconds()), "sync status check interval (in seconds)")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}

	cfg.SyncCheckInterval = time.Duration(*syncCheckInterval) * time.Second
}
