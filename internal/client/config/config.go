package config

import "time"

// Config holds runtime settings for the chatsync client.
//
// Fields:
//   - ServerURL: base URL of the remote chat store.
//   - DatabasePath: path to the local SQLite database file.
//   - RequestTimeout: per-request timeout for remote calls.
//   - SyncCheckInterval: how often the client probes the remote for changes.
//   - UploadBaseDelay / UploadMaxDelay / UploadMaxRetries: retry policy for
//     failed uploads.
type Config struct {
	ServerURL         string
	DatabasePath      string
	RequestTimeout    time.Duration
	SyncCheckInterval time.Duration
	UploadBaseDelay   time.Duration
	UploadMaxDelay    time.Duration
	UploadMaxRetries  int
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerURL = "http://127.0.0.1:8080"
	c.DatabasePath = "chatsync.db"
	c.RequestTimeout = 15 * time.Second
	c.SyncCheckInterval = 30 * time.Second
	c.UploadBaseDelay = 500 * time.Millisecond
	c.UploadMaxDelay = 30 * time.Second
	c.UploadMaxRetries = 3
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
