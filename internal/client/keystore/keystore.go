// Package keystore owns the client encryption keys: the single primary key
// used for all new encryption, and a bounded ordered history of superseded
// fallback keys consulted only for decryption.
//
// The service is an explicit object with injected persistence and an
// Initialize/Clear lifecycle, so tests can instantiate isolated instances.
package keystore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dmitrijs2005/chatsync/internal/client/models"
	"github.com/dmitrijs2005/chatsync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/chatsync/internal/common"
	"github.com/dmitrijs2005/chatsync/internal/cryptox"
	"github.com/dmitrijs2005/chatsync/internal/logging"
)

// metadataKey is where the serialized key blob lives in the local KV store.
const metadataKey = "encryption_keys"

// maxFallbackKeys bounds the fallback history so many rotations can not
// grow storage without limit. The oldest key is evicted first.
const maxFallbackKeys = 10

// Listener is invoked after a new fallback key becomes available, so
// consumers can re-attempt previously failed decryptions.
type Listener func()

type keyEntry struct {
	str string
	raw []byte
}

// Service implements the encryption service.
type Service struct {
	mu        sync.Mutex
	repo      metadata.Repository
	log       logging.Logger
	primary   *keyEntry
	fallbacks []keyEntry
	loaded    bool
	listeners []Listener
}

func New(repo metadata.Repository, log logging.Logger) *Service {
	return &Service{repo: repo, log: log}
}

// Initialize loads the persisted key blob. Missing state is not an error;
// encryption simply stays unavailable until a key is set.
func (s *Service) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked(ctx)
}

func (s *Service) loadLocked(ctx context.Context) error {
	if s.loaded {
		return nil
	}

	blob, err := s.repo.Get(ctx, metadataKey)
	if err != nil {
		return fmt.Errorf("failed to load keys: %w", err)
	}
	s.loaded = true
	if blob == nil {
		return nil
	}

	var kb models.KeyBlob
	if err := json.Unmarshal(blob, &kb); err != nil {
		return fmt.Errorf("failed to parse key blob: %w", err)
	}

	primary, err := newEntry(kb.Primary)
	if err != nil {
		return err
	}
	fallbacks := make([]keyEntry, 0, len(kb.Fallbacks))
	for _, f := range kb.Fallbacks {
		e, err := newEntry(f)
		if err != nil {
			return err
		}
		fallbacks = append(fallbacks, *e)
	}

	s.primary = primary
	s.fallbacks = fallbacks
	return nil
}

func newEntry(key string) (*keyEntry, error) {
	raw, err := cryptox.ParseKey(key)
	if err != nil {
		return nil, err
	}
	return &keyEntry{str: key, raw: raw}, nil
}

// ensurePrimaryLocked lazily loads persisted keys once, then demands a
// primary key.
func (s *Service) ensurePrimaryLocked(ctx context.Context) error {
	if err := s.loadLocked(ctx); err != nil {
		return err
	}
	if s.primary == nil {
		return common.ErrKeyNotInitialized
	}
	return nil
}

func (s *Service) persistLocked(ctx context.Context) error {
	kb := models.KeyBlob{Primary: s.primary.str}
	for _, f := range s.fallbacks {
		kb.Fallbacks = append(kb.Fallbacks, f.str)
	}
	blob, err := json.Marshal(kb)
	if err != nil {
		return err
	}
	return s.repo.Set(ctx, metadataKey, blob)
}

// HasPrimaryKey reports whether encryption is currently possible.
func (s *Service) HasPrimaryKey(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return false
	}
	return s.primary != nil
}

// SetPrimaryKey validates and installs key as the new primary, persists the
// change, and moves the previous primary into the fallback history
// (deduplicated, bounded).
func (s *Service) SetPrimaryKey(ctx context.Context, key string) error {
	entry, err := newEntry(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(ctx); err != nil {
		return err
	}

	if s.primary != nil && s.primary.str == key {
		return nil
	}

	if s.primary != nil {
		s.pushFallbackLocked(*s.primary)
	}
	// the new primary must not linger in the fallback list
	s.removeFallbackLocked(key)
	s.primary = entry

	return s.persistLocked(ctx)
}

// AddFallbackKey appends a superseded key to the history without disturbing
// the primary. Adding the current primary or an already-known fallback is a
// no-op. Listeners are notified on success so failed decryptions can retry.
func (s *Service) AddFallbackKey(ctx context.Context, key string) error {
	entry, err := newEntry(key)
	if err != nil {
		return err
	}

	s.mu.Lock()
	if err := s.loadLocked(ctx); err != nil {
		s.mu.Unlock()
		return err
	}

	if s.primary != nil && s.primary.str == key {
		s.mu.Unlock()
		return nil
	}
	for _, f := range s.fallbacks {
		if f.str == key {
			s.mu.Unlock()
			return nil
		}
	}

	s.pushFallbackLocked(*entry)
	err = s.persistLocked(ctx)
	listeners := append([]Listener(nil), s.listeners...)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	for _, l := range listeners {
		l()
	}
	return nil
}

func (s *Service) pushFallbackLocked(e keyEntry) {
	for _, f := range s.fallbacks {
		if f.str == e.str {
			return
		}
	}
	s.fallbacks = append(s.fallbacks, e)
	if len(s.fallbacks) > maxFallbackKeys {
		evicted := s.fallbacks[0]
		common.WipeByteArray(evicted.raw)
		s.fallbacks = s.fallbacks[1:]
	}
}

func (s *Service) removeFallbackLocked(key string) {
	for i, f := range s.fallbacks {
		if f.str == key {
			common.WipeByteArray(f.raw)
			s.fallbacks = append(s.fallbacks[:i], s.fallbacks[i+1:]...)
			return
		}
	}
}

// ClearAllKeys wipes key material from memory and removes the persisted
// blob. Used on sign-out.
func (s *Service) ClearAllKeys(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.primary != nil {
		common.WipeByteArray(s.primary.raw)
	}
	for _, f := range s.fallbacks {
		common.WipeByteArray(f.raw)
	}
	s.primary = nil
	s.fallbacks = nil
	s.loaded = true

	return s.repo.Delete(ctx, metadataKey)
}

// ExportAllKeys returns the primary key and fallback history for recovery
// flows.
func (s *Service) ExportAllKeys(ctx context.Context) (string, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensurePrimaryLocked(ctx); err != nil {
		return "", nil, err
	}

	fallbacks := make([]string, 0, len(s.fallbacks))
	for _, f := range s.fallbacks {
		fallbacks = append(fallbacks, f.str)
	}
	return s.primary.str, fallbacks, nil
}

// ImportAllKeys replaces the whole key set. Every key is validated before
// any state changes, so a bad key can never be partially applied.
func (s *Service) ImportAllKeys(ctx context.Context, primary string, fallbacks []string) error {
	primaryEntry, err := newEntry(primary)
	if err != nil {
		return err
	}
	fallbackEntries := make([]keyEntry, 0, len(fallbacks))
	for _, f := range fallbacks {
		if f == primary {
			continue
		}
		e, err := newEntry(f)
		if err != nil {
			return err
		}
		fallbackEntries = append(fallbackEntries, *e)
	}
	if len(fallbackEntries) > maxFallbackKeys {
		fallbackEntries = fallbackEntries[len(fallbackEntries)-maxFallbackKeys:]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.primary = primaryEntry
	s.fallbacks = fallbackEntries
	s.loaded = true
	return s.persistLocked(ctx)
}

// OnFallbackKeyAdded registers a listener fired after every successful
// AddFallbackKey.
func (s *Service) OnFallbackKeyAdded(l Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Encrypt seals plaintext under the current primary key using the JSON
// envelope format.
func (s *Service) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensurePrimaryLocked(ctx); err != nil {
		return nil, err
	}
	return cryptox.Encrypt(plaintext, s.primary.raw)
}

// EncryptBinary seals plaintext under the current primary key using the
// dense compress-then-encrypt binary format.
func (s *Service) EncryptBinary(ctx context.Context, plaintext []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensurePrimaryLocked(ctx); err != nil {
		return nil, err
	}
	return cryptox.EncryptBinary(plaintext, s.primary.raw)
}

// Decrypt opens blob, trying the primary key first and then every fallback
// key in order.
func (s *Service) Decrypt(ctx context.Context, blob []byte) ([]byte, error) {
	plain, _, err := s.DecryptWithFallbackInfo(ctx, blob)
	return plain, err
}

// DecryptWithFallbackInfo additionally reports whether a fallback key was
// needed, so callers can re-encrypt under the primary key on the next write.
//
// Key attempts run sequentially with early exit: AES-GCM authentication
// failures fail fast and concurrent attempts would only muddy error
// attribution. A corruption error short-circuits immediately — no other key
// can repair a damaged payload.
func (s *Service) DecryptWithFallbackInfo(ctx context.Context, blob []byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensurePrimaryLocked(ctx); err != nil {
		return nil, false, err
	}

	plain, err := cryptox.Decrypt(blob, s.primary.raw)
	if err == nil {
		return plain, false, nil
	}
	if errors.Is(err, common.ErrDataCorrupted) {
		return nil, false, err
	}

	for _, f := range s.fallbacks {
		plain, ferr := cryptox.Decrypt(blob, f.raw)
		if ferr == nil {
			return plain, true, nil
		}
		if errors.Is(ferr, common.ErrDataCorrupted) {
			return nil, true, ferr
		}
	}

	s.log.Debug(ctx, "decryption failed with all keys", "fallbacks_tried", len(s.fallbacks))
	return nil, false, err
}
