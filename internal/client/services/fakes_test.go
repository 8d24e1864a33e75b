package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/chatsync/internal/client/keystore"
	"github.com/dmitrijs2005/chatsync/internal/client/models"
	"github.com/dmitrijs2005/chatsync/internal/client/remote"
	"github.com/dmitrijs2005/chatsync/internal/common"
	"github.com/dmitrijs2005/chatsync/internal/cryptox"
	"github.com/dmitrijs2005/chatsync/internal/logging"
)

// fakeMetaRepo is an in-memory metadata.Repository.
type fakeMetaRepo struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeMetaRepo() *fakeMetaRepo {
	return &fakeMetaRepo{data: make(map[string][]byte)}
}

func (r *fakeMetaRepo) Get(_ context.Context, key string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.data[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (r *fakeMetaRepo) Set(_ context.Context, key string, value []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	r.data[key] = v
	return nil
}

func (r *fakeMetaRepo) Delete(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.data, key)
	return nil
}

func (r *fakeMetaRepo) Clear(_ context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.data = make(map[string][]byte)
	return nil
}

// newTestKeys returns a keystore with a fresh primary key already set.
func newTestKeys(t *testing.T) (*keystore.Service, string) {
	t.Helper()
	keys := keystore.New(newFakeMetaRepo(), logging.NewDefault())
	key := cryptox.GenerateKey()
	require.NoError(t, keys.SetPrimaryKey(context.Background(), key))
	return keys, key
}

// fakeChatRepo is an in-memory chats.Repository. Save and Get copy the chat
// so test assertions never alias service-internal state.
type fakeChatRepo struct {
	mu    sync.Mutex
	chats map[string]*models.Chat
}

func newFakeChatRepo() *fakeChatRepo {
	return &fakeChatRepo{chats: make(map[string]*models.Chat)}
}

func cloneChat(c *models.Chat) *models.Chat {
	cp := *c
	cp.Messages = append([]models.Message(nil), c.Messages...)
	return &cp
}

func (r *fakeChatRepo) Get(_ context.Context, id string) (*models.Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	return cloneChat(c), nil
}

func (r *fakeChatRepo) GetAll(_ context.Context) ([]*models.Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*models.Chat, 0, len(r.chats))
	for _, c := range r.chats {
		out = append(out, cloneChat(c))
	}
	return out, nil
}

func (r *fakeChatRepo) GetByProject(_ context.Context, projectID string) ([]*models.Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Chat
	for _, c := range r.chats {
		if c.ProjectID == projectID {
			out = append(out, cloneChat(c))
		}
	}
	return out, nil
}

func (r *fakeChatRepo) GetUnsynced(_ context.Context) ([]*models.Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Chat
	for _, c := range r.chats {
		if c.SyncedAt.IsZero() || c.LocallyModified {
			out = append(out, cloneChat(c))
		}
	}
	return out, nil
}

func (r *fakeChatRepo) Save(_ context.Context, chat *models.Chat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chats[chat.ID] = cloneChat(chat)
	return nil
}

func (r *fakeChatRepo) MarkSynced(_ context.Context, id string, syncVersion int64, syncedAt time.Time, fingerprint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[id]
	if !ok {
		return common.ErrNotFound
	}
	c.SyncVersion = syncVersion
	c.SyncedAt = syncedAt
	c.SyncedFingerprint = fingerprint
	c.LocallyModified = false
	return nil
}

func (r *fakeChatRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.chats, id)
	return nil
}

func (r *fakeChatRepo) Rename(_ context.Context, oldID string, chat *models.Chat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.chats[oldID]; !ok {
		return common.ErrNotFound
	}
	delete(r.chats, oldID)
	r.chats[chat.ID] = cloneChat(chat)
	return nil
}

// fakeRemote is a scriptable remote.Store.
type fakeRemote struct {
	mu            sync.Mutex
	authenticated bool
	uploads       []remote.UploadRequest
	uploadErr     error
	assignID      func(req *remote.UploadRequest) string
	onUpload      func(req *remote.UploadRequest) // runs inside Upload, before it returns
	status        *models.SyncStatusSnapshot
	statusErr     error
	deleted       []string
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{authenticated: true}
}

func (f *fakeRemote) IsAuthenticated() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.authenticated
}

func (f *fakeRemote) Upload(_ context.Context, req *remote.UploadRequest) (string, error) {
	f.mu.Lock()
	if f.uploadErr != nil {
		err := f.uploadErr
		f.mu.Unlock()
		return "", err
	}
	f.uploads = append(f.uploads, *req)
	hook := f.onUpload
	assign := f.assignID
	f.mu.Unlock()

	// hook runs unlocked so it may touch the repos or the service
	if hook != nil {
		hook(req)
	}
	if assign != nil {
		return assign(req), nil
	}
	return "", nil
}

func (f *fakeRemote) GetSyncStatus(_ context.Context, _ string) (*models.SyncStatusSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	return f.status, nil
}

func (f *fakeRemote) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeRemote) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.uploads)
}

// fakeStreams is a controllable StreamTracker.
type fakeStreams struct {
	mu        sync.Mutex
	streaming map[string]bool
	callbacks map[string][]func()
}

func newFakeStreams() *fakeStreams {
	return &fakeStreams{streaming: make(map[string]bool), callbacks: make(map[string][]func())}
}

func (f *fakeStreams) IsStreaming(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streaming[id]
}

func (f *fakeStreams) OnStreamEnd(id string, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks[id] = append(f.callbacks[id], fn)
}

func (f *fakeStreams) setStreaming(id string, v bool) {
	f.mu.Lock()
	f.streaming[id] = v
	f.mu.Unlock()
}

// endStream flips the flag and fires registered callbacks, like the UI layer
// would when generation completes.
func (f *fakeStreams) endStream(id string) {
	f.mu.Lock()
	f.streaming[id] = false
	cbs := f.callbacks[id]
	f.callbacks[id] = nil
	f.mu.Unlock()
	for _, fn := range cbs {
		fn()
	}
}

func (f *fakeStreams) callbackCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.callbacks[id])
}

// fakeNotifier records emitted events.
type fakeNotifier struct {
	mu     sync.Mutex
	events []SyncEvent
}

func (f *fakeNotifier) Emit(event SyncEvent) {
	f.mu.Lock()
	f.events = append(f.events, event)
	f.mu.Unlock()
}

func (f *fakeNotifier) all() []SyncEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SyncEvent(nil), f.events...)
}

// immediateScheduler runs callbacks synchronously and records the requested
// delays, so backoff chains complete without real waiting.
type immediateScheduler struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *immediateScheduler) AfterFunc(d time.Duration, fn func()) {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	fn()
}

func (s *immediateScheduler) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}
