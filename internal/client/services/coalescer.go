package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dmitrijs2005/chatsync/internal/common"
	"github.com/dmitrijs2005/chatsync/internal/logging"
	"github.com/sethvargo/go-retry"
)

// UploadFunc performs the upload for one id. It must re-read the entity's
// current state at call time: a coalesced re-run is expected to pick up
// whatever the entity looks like now, not when it was first enqueued.
type UploadFunc func(ctx context.Context, id string) error

// BackoffConfig controls retry behavior of the coalescer.
type BackoffConfig struct {
	BaseDelay  time.Duration // wait before the first retry
	MaxDelay   time.Duration // cap on the exponential growth
	MaxRetries int           // additional attempts after the first failure
}

// DefaultBackoffConfig returns sensible defaults.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   30 * time.Second,
		MaxRetries: 3,
	}
}

// Scheduler schedules a callback after a delay. Production code uses timers;
// tests inject a fake so backoff logic runs without real waiting.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func())
}

// TimerScheduler is the standard timer-backed Scheduler.
type TimerScheduler struct{}

func (TimerScheduler) AfterFunc(d time.Duration, fn func()) {
	time.AfterFunc(d, fn)
}

// uploadEntry tracks one id's in-flight cycle.
// Invariant: at most one upload attempt runs per entry at any time.
type uploadEntry struct {
	uploading bool // false while waiting out a backoff delay
	dirty     bool
	attempts  int
	backoff   retry.Backoff
	waiters   []chan error
}

// UploadCoalescer merges near-simultaneous upload requests for the same id
// into one in-flight operation plus at most one guaranteed follow-up.
//
// State machine per id: Idle -> Uploading -> (success: Idle, or re-run if
// dirty; failure: PendingRetry -> Uploading...). An Enqueue while an upload
// is in flight only marks the entry dirty; the follow-up run re-reads
// current state, which is what guarantees the last write wins without
// ordering intermediate payloads.
type UploadCoalescer struct {
	mu       sync.Mutex
	upload   UploadFunc
	cfg      BackoffConfig
	sched    Scheduler
	log      logging.Logger
	onGiveUp func(id string, err error)
	entries  map[string]*uploadEntry
}

// NewUploadCoalescer builds a coalescer around the given upload operation.
// onGiveUp (optional) is invoked when an id exhausts its retries.
func NewUploadCoalescer(upload UploadFunc, cfg BackoffConfig, sched Scheduler, log logging.Logger, onGiveUp func(id string, err error)) *UploadCoalescer {
	if sched == nil {
		sched = TimerScheduler{}
	}
	// retry.NewExponential panics on a non-positive base; a hand-edited
	// config must not be able to take the whole upload path down
	def := DefaultBackoffConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	return &UploadCoalescer{
		upload:   upload,
		cfg:      cfg,
		sched:    sched,
		log:      log,
		onGiveUp: onGiveUp,
		entries:  make(map[string]*uploadEntry),
	}
}

func (c *UploadCoalescer) newBackoff() retry.Backoff {
	b := retry.NewExponential(c.cfg.BaseDelay)
	if c.cfg.MaxDelay > 0 {
		b = retry.WithCappedDuration(c.cfg.MaxDelay, b)
	}
	return b
}

// Enqueue requests an upload for id. If none is in flight one starts
// immediately; otherwise the in-flight cycle is marked dirty and will re-run
// once, picking up the entity's state at re-run time. Never starts a second
// concurrent upload for the same id.
func (c *UploadCoalescer) Enqueue(ctx context.Context, id string) {
	c.enqueue(ctx, id, nil)
}

// Do enqueues id and blocks until the upload cycle that incorporates this
// request completes. It returns nil on success, ErrRetriesExhausted when the
// cycle gave up, or the context error.
func (c *UploadCoalescer) Do(ctx context.Context, id string) error {
	done := make(chan error, 1)
	c.enqueue(ctx, id, done)
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *UploadCoalescer) enqueue(ctx context.Context, id string, done chan error) {
	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		if e.uploading {
			e.dirty = true
		}
		// an entry in retry-wait recomputes from current state anyway;
		// no extra run needs scheduling
		if done != nil {
			e.waiters = append(e.waiters, done)
		}
		c.mu.Unlock()
		return
	}

	e := &uploadEntry{uploading: true, backoff: c.newBackoff()}
	if done != nil {
		e.waiters = append(e.waiters, done)
	}
	c.entries[id] = e
	c.mu.Unlock()

	go c.run(ctx, id, e)
}

func (c *UploadCoalescer) run(ctx context.Context, id string, e *uploadEntry) {
	err := c.upload(ctx, id)

	c.mu.Lock()
	if c.entries[id] != e {
		// Clear() happened mid-flight; drop the result
		c.mu.Unlock()
		return
	}

	if err == nil {
		if e.dirty {
			// re-run immediately with a fresh retry budget; waiters stay
			// attached until the run that incorporates their enqueue is done
			e.dirty = false
			e.attempts = 0
			e.backoff = c.newBackoff()
			c.mu.Unlock()
			go c.run(ctx, id, e)
			return
		}
		delete(c.entries, id)
		waiters := e.waiters
		c.mu.Unlock()
		notify(waiters, nil)
		return
	}

	e.attempts++
	if e.attempts > c.cfg.MaxRetries {
		delete(c.entries, id)
		waiters := e.waiters
		c.mu.Unlock()

		exhausted := fmt.Errorf("%w after %d attempts: %v", common.ErrRetriesExhausted, e.attempts, err)
		c.log.Error(ctx, "upload retries exhausted", "id", id, "attempts", e.attempts, "error", err)
		notify(waiters, exhausted)
		if c.onGiveUp != nil {
			c.onGiveUp(id, exhausted)
		}
		return
	}

	delay, _ := e.backoff.Next()
	e.uploading = false
	c.mu.Unlock()

	c.log.Warn(ctx, "upload failed, retrying", "id", id, "attempt", e.attempts, "delay", delay, "error", err)
	c.sched.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.entries[id] != e {
			c.mu.Unlock()
			return
		}
		e.uploading = true
		c.mu.Unlock()
		go c.run(ctx, id, e)
	})
}

func notify(waiters []chan error, err error) {
	for _, w := range waiters {
		w <- err
	}
}

// IsUploading reports whether an upload attempt for id is running right now
// (not merely waiting out a backoff delay).
func (c *UploadCoalescer) IsUploading(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	return ok && e.uploading
}

// HasPendingUpload is true from the moment an Enqueue is accepted until the
// upload that eventually incorporates it completes.
func (c *UploadCoalescer) HasPendingUpload(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// PendingIDs returns the ids with tracked upload state.
func (c *UploadCoalescer) PendingIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	return ids
}

// ActiveCount returns the number of uploads running right now.
func (c *UploadCoalescer) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.entries {
		if e.uploading {
			n++
		}
	}
	return n
}

// Clear drops all tracked state without firing the give-up callback. Used
// on sign-out. Blocked Do callers are released with a cancellation error;
// results of uploads still in flight are discarded when they land.
func (c *UploadCoalescer) Clear() {
	c.mu.Lock()
	old := c.entries
	c.entries = make(map[string]*uploadEntry)
	c.mu.Unlock()

	for _, e := range old {
		notify(e.waiters, context.Canceled)
	}
}
