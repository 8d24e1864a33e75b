package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/chatsync/internal/client/keystore"
	"github.com/dmitrijs2005/chatsync/internal/client/models"
	"github.com/dmitrijs2005/chatsync/internal/client/remote"
	"github.com/dmitrijs2005/chatsync/internal/client/repositories/chats"
	"github.com/dmitrijs2005/chatsync/internal/client/repositories/metadata"
	"github.com/dmitrijs2005/chatsync/internal/common"
	"github.com/dmitrijs2005/chatsync/internal/logging"
)

// StreamTracker reports whether a chat is currently receiving streamed model
// output. An in-progress generation must never be partially uploaded.
type StreamTracker interface {
	IsStreaming(id string) bool

	// OnStreamEnd registers a callback fired once when streaming for id ends.
	OnStreamEnd(id string, fn func())
}

// SyncEvent is a thin notification to the UI layer.
type SyncEvent struct {
	Reason string   `json:"reason"`
	IDs    []string `json:"ids"`
}

// Notifier delivers SyncEvents to the UI. Emit is fire-and-forget and must
// never block the sync path.
type Notifier interface {
	Emit(event SyncEvent)
}

// BackupResult aggregates a bulk backup pass.
type BackupResult struct {
	Uploaded int
	Errors   []error
}

// ReencryptResult aggregates a re-encryption pass.
type ReencryptResult struct {
	Uploaded    int
	Reencrypted int
	Errors      []error
}

// SyncReason explains a CheckSyncStatus verdict.
type SyncReason string

const (
	ReasonNoChanges    SyncReason = "no_changes"
	ReasonLocalChanges SyncReason = "local_changes"
	ReasonCountChanged SyncReason = "count_changed"
	ReasonError        SyncReason = "error"
)

// SyncStatus is the outcome of a cheap remote-change probe.
type SyncStatus struct {
	NeedsSync         bool
	Reason            SyncReason
	RemoteCount       int
	RemoteLastUpdated time.Time
}

// StatusSkippedOlder is returned by IngestRemoteChat when the remote record
// did not supersede the local chat and nothing was written.
const StatusSkippedOlder DecodeStatus = "skipped"

const snapshotKeyPrefix = "sync_status"

// CloudSyncService composes the keystore, codec, predicates and coalescer
// with the local and remote stores to implement backup-on-write, bulk
// catch-up, re-encryption after key rotation, and cheap remote-change
// detection.
type CloudSyncService struct {
	chats    chats.Repository
	meta     metadata.Repository
	remote   remote.Store
	keys     *keystore.Service
	codec    *Codec
	streams  StreamTracker
	notifier Notifier
	log      logging.Logger
	now      func() time.Time

	coalescer *UploadCoalescer

	mu            sync.Mutex
	pendingStream map[string]bool
	forced        map[string]bool
	skipped       map[string]bool
}

// NewCloudSyncService wires the sync orchestrator. A fallback-key listener is
// registered so previously failed decryptions heal automatically once a
// usable key arrives.
func NewCloudSyncService(
	chatRepo chats.Repository,
	metaRepo metadata.Repository,
	remoteStore remote.Store,
	keys *keystore.Service,
	streams StreamTracker,
	notifier Notifier,
	backoff BackoffConfig,
	sched Scheduler,
	log logging.Logger,
) *CloudSyncService {
	s := &CloudSyncService{
		chats:         chatRepo,
		meta:          metaRepo,
		remote:        remoteStore,
		keys:          keys,
		codec:         NewCodec(keys),
		streams:       streams,
		notifier:      notifier,
		log:           log,
		now:           time.Now,
		pendingStream: make(map[string]bool),
		forced:        make(map[string]bool),
		skipped:       make(map[string]bool),
	}
	s.coalescer = NewUploadCoalescer(s.uploadChat, backoff, sched, log, func(id string, err error) {
		log.Error(context.Background(), "chat backup abandoned", "id", id, "error", err)
	})

	keys.OnFallbackKeyAdded(func() {
		go func() {
			if _, err := s.RetryFailedDecryptions(context.Background()); err != nil {
				log.Error(context.Background(), "retry of failed decryptions errored", "error", err)
			}
		}()
	})
	return s
}

// Coalescer exposes the per-chat upload tracker for introspection.
func (s *CloudSyncService) Coalescer() *UploadCoalescer {
	return s.coalescer
}

// BackupChat schedules an upload of one chat. Not authenticated is a no-op.
// A chat that is mid-stream is deferred with a single one-shot callback and
// re-enters the normal eligibility path once streaming ends.
func (s *CloudSyncService) BackupChat(ctx context.Context, id string) error {
	if !s.remote.IsAuthenticated() {
		return nil
	}

	chat, err := s.chats.Get(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if s.streams.IsStreaming(id) {
		s.deferUntilStreamEnd(id)
		return nil
	}
	if !IsUploadable(chat, false) {
		return nil
	}

	s.coalescer.Enqueue(ctx, id)
	return nil
}

func (s *CloudSyncService) deferUntilStreamEnd(id string) {
	s.mu.Lock()
	if s.pendingStream[id] {
		// already registered for this id
		s.mu.Unlock()
		return
	}
	s.pendingStream[id] = true
	s.mu.Unlock()

	s.streams.OnStreamEnd(id, func() {
		s.mu.Lock()
		delete(s.pendingStream, id)
		s.mu.Unlock()
		if err := s.BackupChat(context.Background(), id); err != nil {
			s.log.Error(context.Background(), "deferred backup failed", "id", id, "error", err)
		}
	})
}

func (s *CloudSyncService) markForced(id string) {
	s.mu.Lock()
	s.forced[id] = true
	s.mu.Unlock()
}

func (s *CloudSyncService) takeForced(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forced[id] {
		delete(s.forced, id)
		return true
	}
	return false
}

// noteSkipped records that an upload cycle for id completed without a remote
// write, so bulk passes do not count it as uploaded.
func (s *CloudSyncService) noteSkipped(id string) {
	s.mu.Lock()
	s.skipped[id] = true
	s.mu.Unlock()
}

func (s *CloudSyncService) takeSkipped(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.skipped[id] {
		delete(s.skipped, id)
		return true
	}
	return false
}

func (s *CloudSyncService) clearSkipped(id string) {
	s.mu.Lock()
	delete(s.skipped, id)
	s.mu.Unlock()
}

// uploadChat is the coalescer's upload operation. It re-reads the chat at
// run time so a dirty re-run always captures current content. Completion is
// persisted through MarkSynced, a bookkeeping-only write: a content edit
// saved while the upload was in flight keeps its row intact and reaches the
// remote via the coalescer's dirty re-run.
func (s *CloudSyncService) uploadChat(ctx context.Context, id string) error {
	// the flag describes the latest run only
	s.clearSkipped(id)

	chat, err := s.chats.Get(ctx, id)
	if errors.Is(err, common.ErrNotFound) {
		// deleted since the enqueue
		s.noteSkipped(id)
		return nil
	}
	if err != nil {
		return err
	}

	if s.streams.IsStreaming(id) {
		s.deferUntilStreamEnd(id)
		s.noteSkipped(id)
		return nil
	}
	if !IsUploadable(chat, false) {
		s.noteSkipped(id)
		return nil
	}

	forced := s.takeForced(id)
	fp := Fingerprint(chat)
	if !forced && chat.SyncVersion > 0 && fp == chat.SyncedFingerprint {
		s.log.Debug(ctx, "content unchanged, skipping upload", "id", id)
		s.noteSkipped(id)
		if chat.LocallyModified {
			// clear the flag or the chat is reported unsynced forever
			return s.chats.MarkSynced(ctx, id, chat.SyncVersion, chat.SyncedAt, fp)
		}
		return nil
	}

	payload, err := json.Marshal(chat.Payload())
	if err != nil {
		return err
	}
	ciphertext, err := s.keys.EncryptBinary(ctx, payload)
	if err != nil {
		return err
	}

	newID, err := s.remote.Upload(ctx, &remote.UploadRequest{
		ID:          chat.ID,
		ProjectID:   chat.ProjectID,
		Data:        ciphertext,
		SyncVersion: chat.SyncVersion,
		UpdatedAt:   chat.UpdatedAt,
	})
	if err != nil {
		return err
	}

	newVersion := chat.SyncVersion + 1
	syncedAt := s.now().UTC()

	if newID != "" && models.IsTempID(id) {
		// re-read before the re-key so a content edit made while the upload
		// was in flight survives the delete+insert
		latest, err := s.chats.Get(ctx, id)
		if errors.Is(err, common.ErrNotFound) {
			latest = chat
		} else if err != nil {
			return err
		}
		latest.ID = newID
		if err := s.chats.Rename(ctx, id, latest); err != nil {
			return err
		}
		s.log.Info(ctx, "chat id rotated", "old_id", id, "new_id", newID)
		s.notifier.Emit(SyncEvent{Reason: "sync", IDs: []string{newID}})
		return s.chats.MarkSynced(ctx, newID, newVersion, syncedAt, fp)
	}

	return s.chats.MarkSynced(ctx, id, newVersion, syncedAt, fp)
}

// BackupUnsyncedChats uploads every eligible chat the local store reports as
// unsynced. Per-chat failures are folded into the result; one bad chat never
// aborts the batch.
func (s *CloudSyncService) BackupUnsyncedChats(ctx context.Context) (BackupResult, error) {
	var res BackupResult
	if !s.remote.IsAuthenticated() {
		return res, nil
	}

	list, err := s.chats.GetUnsynced(ctx)
	if err != nil {
		return res, err
	}

	var uploaded []string
	for _, c := range list {
		if !IsUploadable(c, s.streams.IsStreaming(c.ID)) {
			continue
		}
		if err := s.coalescer.Do(ctx, c.ID); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("chat %s: %w", c.ID, err))
			continue
		}
		if s.takeSkipped(c.ID) {
			// cycle finished without a remote write
			continue
		}
		res.Uploaded++
		uploaded = append(uploaded, c.ID)
	}

	if len(uploaded) > 0 {
		s.notifier.Emit(SyncEvent{Reason: "sync", IDs: uploaded})
	}
	if len(res.Errors) == 0 {
		s.refreshSnapshot(ctx, "")
	}
	return res, nil
}

// ReencryptAndUploadChats re-encrypts and re-uploads every eligible chat
// under the current primary key, e.g. after key rotation. Chats that are
// local-only, blank, or still in a failure state are skipped.
func (s *CloudSyncService) ReencryptAndUploadChats(ctx context.Context) (ReencryptResult, error) {
	var res ReencryptResult
	if !s.remote.IsAuthenticated() {
		return res, nil
	}

	all, err := s.chats.GetAll(ctx)
	if err != nil {
		return res, err
	}

	for _, c := range all {
		if !IsUploadable(c, s.streams.IsStreaming(c.ID)) {
			continue
		}
		res.Reencrypted++
		// force past the fingerprint short-circuit: the point is fresh
		// ciphertext even for unchanged content
		s.markForced(c.ID)
		if err := s.coalescer.Do(ctx, c.ID); err != nil {
			res.Errors = append(res.Errors, fmt.Errorf("chat %s: %w", c.ID, err))
			continue
		}
		if s.takeSkipped(c.ID) {
			continue
		}
		res.Uploaded++
	}
	if len(res.Errors) == 0 {
		s.refreshSnapshot(ctx, "")
	}
	return res, nil
}

// CheckSyncStatus decides whether a sync pass is worthwhile, cheapest check
// first: authentication, then a local-only scan, and only then one
// lightweight remote probe compared against the cached snapshot.
//
// A failing probe conservatively reports needing sync: failure to verify
// must not be mistaken for "nothing to do".
func (s *CloudSyncService) CheckSyncStatus(ctx context.Context, scopeID string) SyncStatus {
	if !s.remote.IsAuthenticated() {
		return SyncStatus{Reason: ReasonNoChanges}
	}

	unsynced, err := s.chats.GetUnsynced(ctx)
	if err != nil {
		s.log.Error(ctx, "local unsynced query failed", "error", err)
		return SyncStatus{NeedsSync: true, Reason: ReasonError}
	}
	for _, c := range unsynced {
		if scopeID != "" && c.ProjectID != scopeID {
			continue
		}
		// a streaming chat still counts as a local change; it just can't
		// upload yet
		if IsUploadable(c, false) {
			return SyncStatus{NeedsSync: true, Reason: ReasonLocalChanges}
		}
	}

	snap, err := s.remote.GetSyncStatus(ctx, scopeID)
	if err != nil {
		s.log.Warn(ctx, "remote status probe failed", "scope", scopeID, "error", err)
		return SyncStatus{NeedsSync: true, Reason: ReasonError}
	}

	cached, err := s.loadSnapshot(ctx, scopeID)
	if err != nil {
		s.log.Warn(ctx, "snapshot cache read failed", "scope", scopeID, "error", err)
		cached = nil
	}

	switch {
	case snap == nil && cached == nil:
		return SyncStatus{Reason: ReasonNoChanges}
	case snap == nil || cached == nil || !snap.Equal(*cached):
		st := SyncStatus{NeedsSync: true, Reason: ReasonCountChanged}
		if snap != nil {
			st.RemoteCount = snap.Count
			st.RemoteLastUpdated = snap.LastUpdated
		}
		return st
	default:
		return SyncStatus{
			Reason:            ReasonNoChanges,
			RemoteCount:       snap.Count,
			RemoteLastUpdated: snap.LastUpdated,
		}
	}
}

// refreshSnapshot probes the remote once after a clean sync pass and caches
// the observed shape, so CheckSyncStatus converges to no_changes. Best
// effort: a failed probe only means the next status check stays
// conservative.
func (s *CloudSyncService) refreshSnapshot(ctx context.Context, scopeID string) {
	snap, err := s.remote.GetSyncStatus(ctx, scopeID)
	if err != nil {
		s.log.Warn(ctx, "snapshot refresh probe failed", "scope", scopeID, "error", err)
		return
	}
	if snap == nil {
		if err := s.meta.Delete(ctx, snapshotKey(scopeID)); err != nil {
			s.log.Warn(ctx, "snapshot cache delete failed", "scope", scopeID, "error", err)
		}
		return
	}
	if err := s.UpdateSyncSnapshot(ctx, scopeID, *snap); err != nil {
		s.log.Warn(ctx, "snapshot cache write failed", "scope", scopeID, "error", err)
	}
}

// UpdateSyncSnapshot persists the remote shape observed by a completed sync
// pass, so the next CheckSyncStatus can compare against it.
func (s *CloudSyncService) UpdateSyncSnapshot(ctx context.Context, scopeID string, snap models.SyncStatusSnapshot) error {
	blob, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return s.meta.Set(ctx, snapshotKey(scopeID), blob)
}

func (s *CloudSyncService) loadSnapshot(ctx context.Context, scopeID string) (*models.SyncStatusSnapshot, error) {
	blob, err := s.meta.Get(ctx, snapshotKey(scopeID))
	if err != nil || blob == nil {
		return nil, err
	}
	var snap models.SyncStatusSnapshot
	if err := json.Unmarshal(blob, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// snapshotKey scopes the cache per logical collection.
func snapshotKey(scopeID string) string {
	if scopeID == "" {
		return snapshotKeyPrefix
	}
	return snapshotKeyPrefix + ":" + scopeID
}

// IngestRemoteChat decodes one remote record and persists it when it
// supersedes the local copy. When decryption only succeeded with a fallback
// key, a re-upload under the primary key is scheduled (self-healing).
func (s *CloudSyncService) IngestRemoteChat(ctx context.Context, record remote.ChatRecord, projectID string) (DecodeResult, error) {
	local, err := s.chats.Get(ctx, record.ID)
	if err != nil && !errors.Is(err, common.ErrNotFound) {
		return DecodeResult{}, err
	}

	summary := remote.ChatSummary{ID: record.ID, ProjectID: record.ProjectID, UpdatedAt: record.UpdatedAt}
	if !ShouldIngestRemote(summary, local) {
		return DecodeResult{Status: StatusSkippedOlder, Chat: local}, nil
	}

	res := s.codec.ProcessRemoteChat(ctx, record, ProcessOptions{Local: local, ProjectID: projectID})
	if err := s.chats.Save(ctx, res.Chat); err != nil {
		return res, err
	}

	if res.UsedFallbackKey {
		s.markForced(res.Chat.ID)
		s.coalescer.Enqueue(ctx, res.Chat.ID)
	}
	return res, nil
}

// RetryFailedDecryptions re-runs the codec over every chat that retained
// ciphertext from an earlier failed pull, using the stored blob instead of
// re-fetching from remote. Returns the number of chats healed.
func (s *CloudSyncService) RetryFailedDecryptions(ctx context.Context) (int, error) {
	all, err := s.chats.GetAll(ctx)
	if err != nil {
		return 0, err
	}

	var healed []string
	for _, c := range all {
		if len(c.EncryptedData) == 0 {
			continue
		}
		record := remote.ChatRecord{
			ID:        c.ID,
			ProjectID: c.ProjectID,
			Data:      c.EncryptedData,
			CreatedAt: c.CreatedAt,
			UpdatedAt: c.UpdatedAt,
		}
		res := s.codec.ProcessRemoteChat(ctx, record, ProcessOptions{Local: c})
		if res.Status != StatusDecrypted {
			continue
		}
		if err := s.chats.Save(ctx, res.Chat); err != nil {
			s.log.Error(ctx, "failed to save healed chat", "id", c.ID, "error", err)
			continue
		}
		if res.UsedFallbackKey {
			// remote copy is still sealed under the superseded key
			s.markForced(res.Chat.ID)
			s.coalescer.Enqueue(ctx, res.Chat.ID)
		}
		healed = append(healed, c.ID)
	}

	if len(healed) > 0 {
		s.log.Info(ctx, "healed previously undecryptable chats", "count", len(healed))
		s.notifier.Emit(SyncEvent{Reason: "decrypted", IDs: healed})
	}
	return len(healed), nil
}

// SignOut drops all in-memory sync state, key material and cached
// snapshots. The chat store itself is left untouched.
func (s *CloudSyncService) SignOut(ctx context.Context) error {
	s.coalescer.Clear()

	s.mu.Lock()
	s.pendingStream = make(map[string]bool)
	s.forced = make(map[string]bool)
	s.skipped = make(map[string]bool)
	s.mu.Unlock()

	if err := s.keys.ClearAllKeys(ctx); err != nil {
		return err
	}
	return s.meta.Clear(ctx)
}
