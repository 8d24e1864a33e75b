// Package config loads runtime configuration for the chatsync client.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Optional JSON file (see parseJson) selected via flags: -c or -config.
//  3. Command-line flags (see parseFlags), which override earlier values.
//
// Supported flags
//
//	-a string   base URL of the remote chat store
//	-d string   path to the local SQLite database file
//	-i int      sync status check interval (seconds)
//
// # JSON schema
//
// The JSON loader uses timex.Duration for intervals, so values can be either
// strings like "3s" or integer nanoseconds:
//
//	{
//	  "server_url": "https://sync.example.com",
//	  "database_path": "/home/u/.chatsync/chatsync.db",
//	  "request_timeout": "15s",
//	  "sync_check_interval": "30s",
//	  "upload_base_delay": "500ms",
//	  "upload_max_delay": "30s",
//	  "upload_max_retries": 3
//	}
//
// Note: This package does not read environment variables directly; use the
// JSON file or flags to configure values.
package config
