package resolver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/did-method-webvh/go-didwebvh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchItemComparator(t *testing.T) {
	assert := assert.New(t)

	t0 := time.Now()
	a := &watchItem{did: "did:webvh:Qm1:a.example", due: t0}
	b := &watchItem{did: "did:webvh:Qm1:b.example", due: t0.Add(time.Second)}
	c := &watchItem{did: "did:webvh:Qm2:a.example", due: t0}

	assert.Negative(watchItemComparator(a, b))
	assert.Positive(watchItemComparator(b, a))
	assert.Negative(watchItemComparator(a, c), "ties order by DID")
	assert.Zero(watchItemComparator(a, a))
}

func TestWatcherWatchDeduplicates(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	cache := newTestCache(t)
	id := newTestIdentity(t, nil)
	res := testResolution(t, id)
	require.NoError(t, cache.PutResolution(ctx, res))

	watcher := NewWatcher(NewResolver(0, testLogger()), cache, time.Hour, testLogger())

	// reconnecting clients re-watch the same DID; the schedule must not grow
	require.NoError(t, watcher.Watch(ctx, res.DID))
	require.NoError(t, watcher.Watch(ctx, res.DID))
	require.NoError(t, watcher.Watch(ctx, res.DID))
	assert.Equal(1, watcher.queueLen())

	// mid-refresh the item is popped but the lifecycle persists; a concurrent
	// Watch still must not add a second entry
	item, wait := watcher.next()
	require.NotNil(t, item)
	assert.Zero(wait)
	require.NoError(t, watcher.Watch(ctx, res.DID))
	assert.Equal(0, watcher.queueLen())

	// once the lifecycle ends the DID is schedulable again
	watcher.unqueue(res.DID)
	require.NoError(t, watcher.Watch(ctx, res.DID))
	assert.Equal(1, watcher.queueLen())
}

func TestWatcherNotifiesOnChange(t *testing.T) {
	assert := assert.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id := newTestIdentity(t, nil)

	// upstream whose log can grow mid-test
	var lock sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/did.jsonl", func(w http.ResponseWriter, r *http.Request) {
		lock.Lock()
		defer lock.Unlock()
		w.Write(id.logBytes(t))
	})
	mux.HandleFunc("GET /.well-known/did-witness.json", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	host := strings.TrimPrefix(srv.URL, "http://")
	did := "did:webvh:" + id.scid + ":" + strings.ReplaceAll(host, ":", "%3A")

	cache := newTestCache(t)
	resolver := NewResolver(0, testLogger())
	watcher := NewWatcher(resolver, cache, 10*time.Millisecond, testLogger())

	// seed the cache at version 1 and start watching
	res, err := resolver.Resolve(ctx, did)
	require.NoError(t, err)
	require.NoError(t, cache.PutResolution(ctx, res))
	require.NoError(t, watcher.Watch(ctx, did))

	ch := watcher.Subscribe(did)
	defer watcher.Unsubscribe(did, ch)

	go watcher.Run(ctx)

	// publish version 2 upstream
	lock.Lock()
	entry2, err := didwebvh.CreateLogEntry(id.entries[0], testEpoch.Add(time.Hour),
		id.entries[0].State, didwebvh.ParamDiff{}, id.key)
	require.NoError(t, err)
	id.entries = append(id.entries, entry2)
	lock.Unlock()

	select {
	case u := <-ch:
		assert.Equal(did, u.DID)
		assert.Equal(entry2.VersionID, u.VersionID)
		assert.False(u.Deactivated)
	case <-time.After(5 * time.Second):
		t.Fatal("no update received for watched DID")
	}

	// the cache was refreshed along the way
	rec, err := cache.GetDID(ctx, did)
	require.NoError(t, err)
	assert.Equal(entry2.VersionID, rec.VersionID)
}

func TestWatcherSubscribeUnsubscribe(t *testing.T) {
	cache := newTestCache(t)
	watcher := NewWatcher(NewResolver(0, testLogger()), cache, 0, testLogger())

	did := "did:webvh:Qm1:example.com"
	ch1 := watcher.Subscribe(did)
	ch2 := watcher.Subscribe(did)

	watcher.notify(Update{DID: did, VersionID: "2-QmV2"})
	assert.Len(t, ch1, 1)
	assert.Len(t, ch2, 1)

	watcher.Unsubscribe(did, ch1)
	watcher.notify(Update{DID: did, VersionID: "3-QmV3"})
	assert.Len(t, ch1, 1, "unsubscribed channel receives nothing further")
	assert.Len(t, ch2, 2)

	watcher.Unsubscribe(did, ch2)
}
