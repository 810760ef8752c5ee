package resolver

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/emirpasic/gods/sets/treeset"
)

const (
	// DefaultRefreshInterval is how often a watched DID is re-resolved.
	DefaultRefreshInterval = 5 * time.Minute

	// watcherRetryDelay is the backoff applied after a failed refresh.
	watcherRetryDelay = 30 * time.Second
)

// Update is pushed to subscribers when a watched DID changes version.
type Update struct {
	DID         string    `json:"did"`
	VersionID   string    `json:"versionId"`
	VersionTime time.Time `json:"versionTime"`
	Deactivated bool      `json:"deactivated"`
	Document    []byte    `json:"-"`
}

// watchItem is one schedule slot: a DID and when it is next due.
type watchItem struct {
	did string
	due time.Time
}

func watchItemComparator(a, b interface{}) int {
	ai := a.(*watchItem)
	bi := b.(*watchItem)
	if ai.due.Before(bi.due) {
		return -1
	}
	if ai.due.After(bi.due) {
		return 1
	}
	if ai.did < bi.did {
		return -1
	}
	if ai.did > bi.did {
		return 1
	}
	return 0
}

// Watcher keeps watched DIDs fresh and fans out version changes to websocket
// subscribers. The schedule is a treeset ordered by due time so the next DID
// to refresh is always the minimum element.
type Watcher struct {
	resolver *Resolver
	cache    *GormCache
	interval time.Duration
	logger   *slog.Logger

	lock     sync.Mutex
	schedule *treeset.Set
	// queued tracks DIDs with an active refresh lifecycle (on the schedule or
	// mid-refresh), so repeated Watch calls never stack duplicate items
	queued map[string]struct{}
	// subscribers per DID; channel sends never block (slow readers are dropped)
	subs map[string]map[chan Update]struct{}
	wake chan struct{}
}

func NewWatcher(resolver *Resolver, cache *GormCache, interval time.Duration, logger *slog.Logger) *Watcher {
	if interval <= 0 {
		interval = DefaultRefreshInterval
	}
	return &Watcher{
		resolver: resolver,
		cache:    cache,
		interval: interval,
		logger:   logger.With("component", "watcher"),
		schedule: treeset.NewWith(watchItemComparator),
		queued:   make(map[string]struct{}),
		subs:     make(map[string]map[chan Update]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// Watch marks a DID watched and schedules its first refresh. The DID must be
// in the cache already. Watching an already-watched DID is a no-op.
func (w *Watcher) Watch(ctx context.Context, did string) error {
	if err := w.cache.SetWatched(ctx, did, true); err != nil {
		return err
	}
	if w.enqueue(did, time.Now()) {
		w.kick()
	}
	return nil
}

// enqueue schedules a refresh unless the DID already has one pending.
// Reports whether a new item was added.
func (w *Watcher) enqueue(did string, due time.Time) bool {
	w.lock.Lock()
	defer w.lock.Unlock()
	if _, ok := w.queued[did]; ok {
		return false
	}
	w.queued[did] = struct{}{}
	w.schedule.Add(&watchItem{did: did, due: due})
	return true
}

func (w *Watcher) unqueue(did string) {
	w.lock.Lock()
	delete(w.queued, did)
	w.lock.Unlock()
}

// Subscribe returns a channel receiving updates for one DID. The caller must
// Unsubscribe when done.
func (w *Watcher) Subscribe(did string) chan Update {
	ch := make(chan Update, 8)
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.subs[did] == nil {
		w.subs[did] = make(map[chan Update]struct{})
	}
	w.subs[did][ch] = struct{}{}
	return ch
}

func (w *Watcher) Unsubscribe(did string, ch chan Update) {
	w.lock.Lock()
	defer w.lock.Unlock()
	if subs, ok := w.subs[did]; ok {
		delete(subs, ch)
		if len(subs) == 0 {
			delete(w.subs, did)
		}
	}
}

// Run drives the refresh loop until the context is cancelled. Watched DIDs
// from a previous run are reloaded from the cache on startup.
func (w *Watcher) Run(ctx context.Context) error {
	dids, err := w.cache.ListWatched(ctx)
	if err != nil {
		return err
	}
	for _, did := range dids {
		w.enqueue(did, time.Now())
	}
	w.logger.Info("watcher started", "watched", len(dids), "interval", w.interval)

	for {
		item, wait := w.next()
		WatchQueueGauge.Record(ctx, int64(w.queueLen()))

		if item == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.wake:
			}
			continue
		}
		if wait > 0 {
			// not due yet and still on the schedule; sleep then re-pop
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.wake:
			case <-time.After(wait):
			}
			continue
		}

		w.refresh(ctx, item.did)
		LastRefreshGauge.Record(ctx, time.Now().Unix())
	}
}

// next pops the earliest-due item if it is due, or reports how long until it
// is. Returns (nil, 0) when the schedule is empty.
func (w *Watcher) next() (*watchItem, time.Duration) {
	w.lock.Lock()
	defer w.lock.Unlock()

	it := w.schedule.Iterator()
	if !it.First() {
		return nil, 0
	}
	item := it.Value().(*watchItem)
	if wait := time.Until(item.due); wait > 0 {
		return item, wait
	}
	w.schedule.Remove(item)
	return item, 0
}

func (w *Watcher) queueLen() int {
	w.lock.Lock()
	defer w.lock.Unlock()
	return w.schedule.Size()
}

func (w *Watcher) kick() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// refresh re-resolves one DID, persists the result, notifies subscribers on a
// version change, and reschedules.
func (w *Watcher) refresh(ctx context.Context, did string) {
	prev, err := w.cache.GetDID(ctx, did)
	if err != nil {
		w.logger.Error("cache read failed", "did", did, "error", err)
		w.reschedule(did, watcherRetryDelay)
		return
	}
	if prev == nil || !prev.Watched {
		// unwatched while queued, drop from the schedule
		w.unqueue(did)
		return
	}

	res, err := w.resolver.Resolve(ctx, did)
	if err != nil {
		w.logger.Warn("watched DID refresh failed, retrying", "did", did, "error", err)
		w.reschedule(did, watcherRetryDelay)
		return
	}
	if err := w.cache.PutResolution(ctx, res); err != nil {
		w.logger.Error("cache write failed", "did", did, "error", err)
		w.reschedule(did, watcherRetryDelay)
		return
	}

	if res.Meta.VersionID != prev.VersionID {
		w.logger.Info("watched DID changed",
			"did", did, "from", prev.VersionID, "to", res.Meta.VersionID)
		w.notify(Update{
			DID:         did,
			VersionID:   res.Meta.VersionID,
			VersionTime: res.Meta.VersionTime,
			Deactivated: res.Meta.Deactivated,
			Document:    res.Document,
		})
	}

	// a deactivated DID can never change again, stop refreshing it
	if res.Meta.Deactivated {
		w.logger.Info("watched DID deactivated, unscheduling", "did", did)
		w.unqueue(did)
		return
	}
	w.reschedule(did, w.interval)
}

func (w *Watcher) reschedule(did string, after time.Duration) {
	w.lock.Lock()
	w.schedule.Add(&watchItem{did: did, due: time.Now().Add(after)})
	w.lock.Unlock()
}

func (w *Watcher) notify(u Update) {
	w.lock.Lock()
	defer w.lock.Unlock()
	for ch := range w.subs[u.DID] {
		select {
		case ch <- u:
		default:
		}
	}
}
