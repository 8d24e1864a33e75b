// Package common defines shared constants and sentinel errors used across
// the chatsync client layers. Callers should use errors.Is to match these
// values.
package common

import "errors"

var (
	// Repository-level errors.
	ErrNotFound = errors.New("not found")

	// Key-management errors. A malformed key is rejected at the boundary
	// and never partially applied.
	ErrKeyInvalid        = errors.New("invalid key material")
	ErrKeyNotInitialized = errors.New("encryption key not initialized")

	// Decryption errors. ErrDecryptionFailed means a wrong or missing key
	// (recoverable once the right key is added); ErrDataCorrupted means the
	// ciphertext authenticated but the payload is structurally invalid (not
	// recoverable by retrying keys).
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrDataCorrupted    = errors.New("data corrupted")

	// Sync errors.
	ErrRemoteUnavailable = errors.New("remote store unavailable")
	ErrRetriesExhausted  = errors.New("upload retries exhausted")
	ErrNotAuthenticated  = errors.New("not authenticated")
)
