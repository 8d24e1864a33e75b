package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmitrijs2005/chatsync/internal/flagx"
	"github.com/dmitrijs2005/chatsync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling.
// It relies on timex.Duration so JSON can specify intervals either as
// strings like "3s" or as integer nanoseconds. After parsing, values
// are copied into the runtime Config (which uses time.Duration).
type JsonConfig struct {
	ServerURL         string         `json:"server_url"`
	DatabasePath      string         `json:"database_path"`
	RequestTimeout    timex.Duration `json:"request_timeout"`
	SyncCheckInterval timex.Duration `json:"sync_check_interval"`
	UploadBaseDelay   timex.Duration `json:"upload_base_delay"`
	UploadMaxDelay    timex.Duration `json:"upload_max_delay"`
	UploadMaxRetries  *int           `json:"upload_max_retries"`
}

// parseJson overlays Config with values loaded from a JSON file.
//
// Lookup order for the JSON file path:
//  1. Command-line flags (-c or -config) via flagx.JsonConfigFlags().
//  2. If empty, no JSON is loaded and the function returns.
//
// Behavior:
//   - Reads and unmarshals the JSON into JsonConfig.
//   - Copies set fields into the provided Config; absent fields keep their
//     current value.
//   - Panics on read or unmarshal errors (caller should recover if desired).
//
// Intended usage is: defaults -> parseJson -> parseFlags, where later stages
// override earlier ones.
func parseJson(cfg *Config) {
	// Resolve file path from flags.
	jsonConfigFile := flagx.JsonConfigFlags()
	if jsonConfigFile == "" {
		return
	}

	var jc JsonConfig

	data, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.ServerURL != "" {
		cfg.ServerURL = jc.ServerURL
	}
	if jc.DatabasePath != "" {
		cfg.DatabasePath = jc.DatabasePath
	}
	if jc.RequestTimeout.Duration != 0 {
		cfg.RequestTimeout = time.Duration(jc.RequestTimeout.Duration)
	}
	if jc.SyncCheckInterval.Duration != 0 {
		cfg.SyncCheckInterval = time.Duration(jc.SyncCheckInterval.Duration)
	}
	if jc.UploadBaseDelay.Duration != 0 {
		cfg.UploadBaseDelay = time.Duration(jc.UploadBaseDelay.Duration)
	}
	if jc.UploadMaxDelay.Duration != 0 {
		cfg.UploadMaxDelay = time.Duration(jc.UploadMaxDelay.Duration)
	}
	if jc.UploadMaxRetries != nil {
		cfg.UploadMaxRetries = *jc.UploadMaxRetries
	}
}
