package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/sketchsync/pkg/conversation"
	"github.com/go-go-golems/sketchsync/pkg/persistence/convstore"
	"github.com/go-go-golems/sketchsync/pkg/remote"
	"github.com/go-go-golems/sketchsync/pkg/syncstream"
)

const (
	DefaultPushDebounce      = 1 * time.Second
	DefaultPostPushPullDelay = 1500 * time.Millisecond
	DefaultPullInterval      = 20 * time.Second
	DefaultPullLimit         = 200
)

// Options tunes the coordinator. Zero values fall back to the defaults.
type Options struct {
	// UserID is the authenticated user. Empty means unauthenticated: every
	// push and pull is a no-op until a user id is present.
	UserID            string
	PushDebounce      time.Duration
	PostPushPullDelay time.Duration
	PullInterval      time.Duration
	PullLimit         int
}

func (o *Options) fillDefaults() {
	if o.PushDebounce <= 0 {
		o.PushDebounce = DefaultPushDebounce
	}
	if o.PostPushPullDelay <= 0 {
		o.PostPushPullDelay = DefaultPostPushPullDelay
	}
	if o.PullInterval <= 0 {
		o.PullInterval = DefaultPullInterval
	}
	if o.PullLimit <= 0 {
		o.PullLimit = DefaultPullLimit
	}
}

// PushOptions modify a queued push.
type PushOptions struct {
	// Immediate arms the debounce timer with a zero delay.
	Immediate bool
	// Deleted marks the record as a tombstone on the wire.
	Deleted bool
}

// Status exposes the observable sync state: the last success and failure
// timestamps a caller may poll to render a sync indicator. Transport
// failures surface only here, never as errors on UI paths.
type Status struct {
	LastSyncedAtMs int64
	LastErrorAtMs  int64
	Offline        bool
}

// ReloadFunc is invoked when the active conversation was replaced by a
// newer remote copy (or switched after a remote deletion) and the UI must
// reload its payload.
type ReloadFunc func(convID string, payload conversation.Payload)

// Coordinator reconciles the local store against the remote store: per-id
// debounced pushes, cursor-based single-flight pulls, last-write-wins
// conflict resolution and deletion propagation. All shared state sits
// behind one mutex; network calls happen outside of it.
type Coordinator struct {
	store  convstore.Store
	client remote.Client
	bus    *syncstream.Bus
	opts   Options
	logger zerolog.Logger

	// Stored as a field so long-lived timers always observe the latest
	// callback instead of one captured at construction time.
	onReload ReloadFunc

	mu            sync.Mutex
	timers        map[string]*time.Timer
	postPushTimer *time.Timer
	pulling       bool
	offline       bool
	bootstrapped  bool
	closed        bool
	status        Status

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type Option func(*Coordinator)

func WithBus(bus *syncstream.Bus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Coordinator) { c.logger = logger }
}

func WithReload(fn ReloadFunc) Option {
	return func(c *Coordinator) { c.onReload = fn }
}

func NewCoordinator(store convstore.Store, client remote.Client, opts Options, copts ...Option) *Coordinator {
	opts.fillDefaults()
	c := &Coordinator{
		store:  store,
		client: client,
		opts:   opts,
		logger: zerolog.Nop(),
		timers: map[string]*time.Timer{},
	}
	for _, opt := range copts {
		opt(c)
	}
	return c
}

// SetReload swaps the UI reload callback.
func (c *Coordinator) SetReload(fn ReloadFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReload = fn
}

func (c *Coordinator) notifyReload(convID string, payload conversation.Payload) {
	c.mu.Lock()
	fn := c.onReload
	c.mu.Unlock()
	if fn != nil {
		fn(convID, payload)
	}
}

// Start launches the background loops: bootstrap reconciliation followed by
// the periodic pull ticker, plus the trigger subscription when a bus is
// configured. Call Close to tear everything down.
func (c *Coordinator) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()

	if c.bus != nil {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.consumeTriggers(ctx)
		}()
	}
}

func (c *Coordinator) run(ctx context.Context) {
	c.Bootstrap(ctx)
	ticker := time.NewTicker(c.opts.PullInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.PullOnce(ctx)
		}
	}
}

func (c *Coordinator) consumeTriggers(ctx context.Context) {
	triggers, err := c.bus.SubscribeTriggers(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("sync trigger subscription failed")
		return
	}
	for trig := range triggers {
		switch trig.Kind {
		case syncstream.TriggerOffline:
			c.SetOffline(true)
		case syncstream.TriggerOnline:
			c.SetOffline(false)
			_ = c.PullOnce(ctx)
		case syncstream.TriggerFocus, syncstream.TriggerVisible:
			_ = c.PullOnce(ctx)
		default:
			c.logger.Debug().Str("kind", string(trig.Kind)).Msg("ignoring unknown sync trigger")
		}
	}
}

// Bootstrap runs the once-per-session initial reconciliation: every local
// conversation is pushed in bulk so a device publishes its pre-login local
// drafts, then a pull brings in the remote state. The bulk push does not
// advance the cursor; the pull that follows starts from the stored cursor
// so a fresh device still sees the full remote history (echoes of its own
// push lose the last-write-wins tie and are ignored).
func (c *Coordinator) Bootstrap(ctx context.Context) {
	c.mu.Lock()
	if c.closed || c.bootstrapped || c.opts.UserID == "" {
		c.mu.Unlock()
		return
	}
	c.bootstrapped = true
	offline := c.offline
	c.mu.Unlock()
	if offline {
		return
	}

	changes, _, err := c.store.ListChangesSince(ctx, c.opts.UserID, 0, 10000)
	if err != nil {
		c.recordError(err, "")
		return
	}
	if len(changes) > 0 {
		records := make([]remote.Record, 0, len(changes))
		for _, rec := range changes {
			records = append(records, remote.RecordFromChange(rec))
		}
		if _, err := c.client.Push(ctx, records); err != nil {
			c.recordError(err, "")
			// Bootstrap still pulls: remote state is more useful than none.
		} else {
			c.logger.Info().Int("records", len(records)).Msg("bootstrap push complete")
		}
	}
	_ = c.PullOnce(ctx)
}

// QueuePush schedules a debounced push for one conversation id. A pending
// timer for the same id is cancelled and replaced, never coalesced: only
// the latest call before the timer fires is sent. No-op while
// unauthenticated.
func (c *Coordinator) QueuePush(convID string, opts PushOptions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.opts.UserID == "" {
		return
	}
	if t := c.timers[convID]; t != nil {
		t.Stop()
	}
	delay := c.opts.PushDebounce
	if opts.Immediate {
		delay = 0
	}
	deleted := opts.Deleted
	c.timers[convID] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.timers, convID)
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}
		_ = c.PushNow(context.Background(), convID, deleted)
	})
}

// PushNow sends one conversation to the remote store. On success the local
// cursor advances to the returned value and a pull is scheduled shortly
// after to pick up concurrent changes; on failure only the error timestamp
// moves, so the next trigger retries with then-current data.
func (c *Coordinator) PushNow(ctx context.Context, convID string, deleted bool) error {
	c.mu.Lock()
	skip := c.closed || c.offline || c.opts.UserID == ""
	c.mu.Unlock()
	if skip {
		return nil
	}

	rec, found, err := c.store.GetChange(ctx, c.opts.UserID, convID)
	if err != nil {
		c.recordError(err, convID)
		return err
	}
	if !found {
		return nil
	}
	rec.Deleted = rec.Deleted || deleted
	if !rec.Deleted && rec.Payload == nil {
		// Metadata without a payload has nothing worth sending yet.
		return nil
	}

	cursor, err := c.client.Push(ctx, []remote.Record{remote.RecordFromChange(rec)})
	if err != nil {
		c.recordError(err, convID)
		return err
	}
	if err := c.store.SetSyncCursor(ctx, c.opts.UserID, cursor); err != nil {
		c.recordError(err, convID)
		return err
	}
	c.recordSuccess("pushed", convID)

	if rec.Deleted {
		// Propagation is done; drop the tombstone.
		if err := c.store.Purge(ctx, c.opts.UserID, convID); err != nil {
			c.logger.Warn().Err(err).Str("conv_id", convID).Msg("failed to purge pushed tombstone")
		}
	}
	c.schedulePostPushPull()
	return nil
}

func (c *Coordinator) schedulePostPushPull() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.postPushTimer != nil {
		c.postPushTimer.Stop()
	}
	c.postPushTimer = time.AfterFunc(c.opts.PostPushPullDelay, func() {
		_ = c.PullOnce(context.Background())
	})
}

// PullOnce fetches and applies one batch of remote changes. At most one
// pull is in flight; a pull requested while one is running is silently
// dropped, not queued.
func (c *Coordinator) PullOnce(ctx context.Context) error {
	c.mu.Lock()
	if c.closed || c.pulling || c.offline || c.opts.UserID == "" {
		c.mu.Unlock()
		return nil
	}
	c.pulling = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pulling = false
		c.mu.Unlock()
	}()

	userID := c.opts.UserID
	cursor, err := c.store.GetSyncCursor(ctx, userID)
	if err != nil {
		c.recordError(err, "")
		return err
	}
	resp, err := c.client.Pull(ctx, cursor, c.opts.PullLimit)
	if err != nil {
		c.recordError(err, "")
		return err
	}
	if err := c.store.SetSyncCursor(ctx, userID, resp.Cursor); err != nil {
		c.recordError(err, "")
		return err
	}
	for _, rec := range resp.Conversations {
		if err := c.applyRemote(ctx, rec); err != nil {
			c.recordError(err, rec.ID)
			return err
		}
	}
	c.recordSuccess("pulled", "")
	return nil
}

// applyRemote merges one pulled record into the local store.
func (c *Coordinator) applyRemote(ctx context.Context, rec remote.Record) error {
	userID := c.opts.UserID

	if rec.Deleted {
		active, err := c.store.GetActiveConversation(ctx, userID)
		if err != nil {
			return err
		}
		if err := c.store.Purge(ctx, userID, rec.ID); err != nil {
			return err
		}
		if active != rec.ID {
			return nil
		}
		return c.replaceActiveConversation(ctx)
	}

	local, found, err := c.store.GetChange(ctx, userID, rec.ID)
	if err != nil {
		return err
	}
	if found && rec.UpdatedAt <= local.UpdatedAt {
		// Local copy is newer or not yet synced; the remote record loses.
		return nil
	}

	meta := conversation.Meta{
		ID:        rec.ID,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		Title:     rec.Title,
	}
	if err := c.store.UpsertMeta(ctx, userID, meta); err != nil {
		return err
	}
	if rec.Payload != nil {
		if err := c.store.PutPayload(ctx, userID, rec.ID, *rec.Payload); err != nil {
			return err
		}
	}

	active, err := c.store.GetActiveConversation(ctx, userID)
	if err != nil {
		return err
	}
	if active == rec.ID && rec.Payload != nil {
		c.notifyReload(rec.ID, *rec.Payload)
	}
	return nil
}

// replaceActiveConversation picks a new active conversation after the
// current one was deleted remotely: the most recently updated remaining
// one, or a brand-new empty conversation that is immediately pushed so the
// replacement is visible to other devices too.
func (c *Coordinator) replaceActiveConversation(ctx context.Context) error {
	userID := c.opts.UserID
	metas, err := c.store.ListMetas(ctx, userID, 1)
	if err != nil {
		return err
	}
	if len(metas) > 0 {
		next := metas[0]
		if err := c.store.SetActiveConversation(ctx, userID, next.ID); err != nil {
			return err
		}
		payload, found, err := c.store.GetPayload(ctx, userID, next.ID)
		if err != nil {
			return err
		}
		if !found {
			payload = conversation.EmptyPayload()
		}
		c.notifyReload(next.ID, payload)
		return nil
	}

	meta := conversation.NewMeta(uuid.NewString(), "")
	payload := conversation.EmptyPayload()
	if err := c.store.UpsertMeta(ctx, userID, meta); err != nil {
		return err
	}
	if err := c.store.PutPayload(ctx, userID, meta.ID, payload); err != nil {
		return err
	}
	if err := c.store.SetActiveConversation(ctx, userID, meta.ID); err != nil {
		return err
	}
	c.notifyReload(meta.ID, payload)
	c.QueuePush(meta.ID, PushOptions{Immediate: true})
	return nil
}

// Delete tombstones a conversation locally and queues an immediate deleted
// push; the tombstone is purged once the push succeeds.
func (c *Coordinator) Delete(ctx context.Context, convID string) error {
	c.mu.Lock()
	userID := c.opts.UserID
	c.mu.Unlock()
	if userID == "" {
		return errors.New("syncer: delete requires an authenticated user")
	}
	if err := c.store.MarkDeleted(ctx, userID, convID, time.Now().UnixMilli()); err != nil {
		return err
	}
	c.QueuePush(convID, PushOptions{Immediate: true, Deleted: true})
	return nil
}

// SetOffline flips the offline flag. While offline both push and pull are
// skipped unconditionally; coming back online is itself a pull trigger
// (handled by the bus consumer).
func (c *Coordinator) SetOffline(offline bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offline = offline
	c.status.Offline = offline
}

// Status returns the observable sync state.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Coordinator) recordSuccess(kind, convID string) {
	now := time.Now().UnixMilli()
	c.mu.Lock()
	c.status.LastSyncedAtMs = now
	bus := c.bus
	c.mu.Unlock()
	if bus != nil {
		_ = bus.PublishStatus(syncstream.StatusEvent{Kind: kind, ConvID: convID, AtMs: now})
	}
}

func (c *Coordinator) recordError(err error, convID string) {
	now := time.Now().UnixMilli()
	c.mu.Lock()
	c.status.LastErrorAtMs = now
	bus := c.bus
	c.mu.Unlock()
	c.logger.Warn().Err(err).Str("conv_id", convID).Msg("sync operation failed")
	if bus != nil {
		_ = bus.PublishStatus(syncstream.StatusEvent{Kind: "error", ConvID: convID, AtMs: now, Error: err.Error()})
	}
}

// Close cancels every pending debounce timer, the post-push pull timer, the
// periodic pull loop and the trigger subscription. Idempotent.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	for convID, t := range c.timers {
		t.Stop()
		delete(c.timers, convID)
	}
	if c.postPushTimer != nil {
		c.postPushTimer.Stop()
		c.postPushTimer = nil
	}
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}
