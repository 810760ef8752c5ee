package resolver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/did-method-webvh/go-didwebvh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T) (http.Handler, *GormCache, *Watcher) {
	t.Helper()
	cache := newTestCache(t)
	r := NewResolver(0, testLogger())
	watcher := NewWatcher(r, cache, 0, testLogger())
	s := NewServer(r, cache, watcher, ":0", testLogger())

	mux := http.NewServeMux()
	mux.HandleFunc("GET /_health", s.handleHealth)
	mux.HandleFunc("GET /{did}/log", s.handleDIDLog)
	mux.HandleFunc("GET /{did}/witness", s.handleDIDWitness)
	mux.HandleFunc("GET /{did}/metadata", s.handleDIDMetadata)
	mux.HandleFunc("GET /{did}/watch", s.handleDIDWatch)
	mux.HandleFunc("GET /{did}", s.handleDIDDoc)
	mux.HandleFunc("GET /{$}", s.handleIndex)
	return mux, cache, watcher
}

func TestHandleIndex(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Body.String())
}

func TestHandleHealth(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/_health", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Contains(t, resp, "version")
}

func TestHandleDIDDoc(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	id := newTestIdentity(t, nil)
	did, _ := id.serve(t, 0)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/"+did, nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/did+json", w.Header().Get("Content-Type"))

	var doc didwebvh.Doc
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Contains(t, doc.ID, id.scid)
	assert.NotEmpty(t, doc.VerificationMethod)
}

func TestHandleDIDDoc_BadDID(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/did:web:example.com", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestHandleDIDMetadata(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	id := newTestIdentity(t, nil)
	did, _ := id.serve(t, 0)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/"+did+"/metadata", nil))

	assert.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, did, resp["did"])
	assert.Equal(t, id.scid, resp["scid"])
	assert.Equal(t, id.entries[0].VersionID, resp["versionId"])
	assert.Equal(t, false, resp["deactivated"])
}

func TestHandleDIDLog(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	id := newTestIdentity(t, nil)
	did, _ := id.serve(t, 0)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/"+did+"/log", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/jsonl", w.Header().Get("Content-Type"))

	entries, err := didwebvh.ParseLog(strings.NewReader(w.Body.String()))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id.entries[0].VersionID, entries[0].VersionID)
}

func TestHandleDIDWitness_None(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	id := newTestIdentity(t, nil)
	did, _ := id.serve(t, 0)

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/"+did+"/witness", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleDIDWatch_PlainGETDoesNotEnroll(t *testing.T) {
	assert := assert.New(t)

	handler, cache, watcher := newTestHandler(t)

	id := newTestIdentity(t, nil)
	did, _ := id.serve(t, 0)

	// no websocket handshake headers: the upgrade must fail and the DID must
	// not be enrolled for background refresh
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/"+did+"/watch", nil))

	assert.Equal(http.StatusBadRequest, w.Code)
	assert.Equal(0, watcher.queueLen())

	rec, err := cache.GetDID(context.Background(), did)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.False(rec.Watched)

	watched, err := cache.ListWatched(context.Background())
	require.NoError(t, err)
	assert.Empty(watched)
}

func TestHandleDIDDoc_ServesStaleOnUpstreamFailure(t *testing.T) {
	handler, cache, _ := newTestHandler(t)

	id := newTestIdentity(t, nil)
	did, srv := id.serve(t, 0)

	// first request populates the cache
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/"+did, nil))
	require.Equal(t, http.StatusOK, w.Code)

	rec, err := cache.GetDID(context.Background(), did)
	require.NoError(t, err)
	require.NotNil(t, rec)

	// upstream goes away, the cached document is still served
	srv.Close()
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/"+did, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var doc didwebvh.Doc
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &doc))
	assert.Contains(t, doc.ID, id.scid)
}

func TestHandleDIDDoc_UpstreamGoneNoCache(t *testing.T) {
	handler, _, _ := newTestHandler(t)

	id := newTestIdentity(t, nil)
	did, srv := id.serve(t, 0)
	srv.Close()

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/"+did, nil))

	assert.Equal(t, http.StatusBadGateway, w.Code)
}
