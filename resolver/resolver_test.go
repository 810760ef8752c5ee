package resolver

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/did-method-webvh/go-didwebvh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testIdentity is a generated did:webvh log plus everything needed to serve
// and query it from a fake upstream.
type testIdentity struct {
	key     *didwebvh.Ed25519Key
	scid    string
	entries []*didwebvh.LogEntry
	witness []byte
}

func newTestIdentity(t *testing.T, mutate func(*didwebvh.Parameters)) *testIdentity {
	t.Helper()
	key, err := didwebvh.GenerateEd25519Key()
	require.NoError(t, err)
	multikey := strings.TrimPrefix(key.DIDKey(), "did:key:")

	params := didwebvh.Parameters{
		Method:     didwebvh.MethodVersion,
		SCID:       didwebvh.SCIDPlaceholder,
		UpdateKeys: []string{multikey},
	}
	if mutate != nil {
		mutate(&params)
	}
	doc := didwebvh.NewDoc("did:webvh:{SCID}:example.com", multikey)
	docBytes, err := json.Marshal(&doc)
	require.NoError(t, err)

	genesis, err := didwebvh.CreateFirstEntry(testEpoch, docBytes, params, key)
	require.NoError(t, err)
	merged, err := genesis.Verify(nil, nil, didwebvh.MultikeyVerifier{})
	require.NoError(t, err)

	return &testIdentity{
		key:     key,
		scid:    merged.SCID,
		entries: []*didwebvh.LogEntry{genesis},
	}
}

func (id *testIdentity) logBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, didwebvh.MarshalLog(&buf, id.entries))
	return buf.Bytes()
}

// serve starts a fake upstream for the identity and returns the DID under the
// upstream's own host. A nil witness status serves id.witness; otherwise the
// witness endpoint returns that status.
func (id *testIdentity) serve(t *testing.T, witnessStatus int) (string, *httptest.Server) {
	t.Helper()
	logData := id.logBytes(t)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /.well-known/did.jsonl", func(w http.ResponseWriter, r *http.Request) {
		w.Write(logData)
	})
	mux.HandleFunc("GET /.well-known/did-witness.json", func(w http.ResponseWriter, r *http.Request) {
		if witnessStatus != 0 {
			w.WriteHeader(witnessStatus)
			return
		}
		if len(id.witness) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Write(id.witness)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	host := strings.TrimPrefix(srv.URL, "http://")
	did := "did:webvh:" + id.scid + ":" + strings.ReplaceAll(host, ":", "%3A")
	return did, srv
}

func TestResolveHappyPath(t *testing.T) {
	assert := assert.New(t)

	id := newTestIdentity(t, nil)
	did, _ := id.serve(t, 0)

	r := NewResolver(0, testLogger())
	res, err := r.Resolve(context.Background(), did)
	require.NoError(t, err)

	assert.Equal(did, res.DID)
	assert.Equal(id.entries[0].VersionID, res.Meta.VersionID)
	assert.False(res.Meta.Deactivated)
	assert.Len(res.Entries, 1)

	var doc didwebvh.Doc
	require.NoError(t, json.Unmarshal(res.Document, &doc))
	assert.Contains(doc.ID, id.scid)
}

func TestResolveLogNotFound(t *testing.T) {
	id := newTestIdentity(t, nil)
	_, srv := id.serve(t, 0)

	host := strings.TrimPrefix(srv.URL, "http://")
	// a DID whose scid never published a log at this host still 404s the same
	bogus := "did:webvh:QmUnknownScid:" + strings.ReplaceAll(host, ":", "%3A") + ":missing"

	r := NewResolver(0, testLogger())
	_, err := r.Resolve(context.Background(), bogus)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestResolveBadDID(t *testing.T) {
	r := NewResolver(0, testLogger())
	_, err := r.Resolve(context.Background(), "did:web:example.com")
	assert.Error(t, err)
}

func TestResolveWitnessFailOpen(t *testing.T) {
	// no witness set declared: a broken witness endpoint must not matter
	id := newTestIdentity(t, nil)
	did, _ := id.serve(t, http.StatusInternalServerError)

	r := NewResolver(0, testLogger())
	res, err := r.Resolve(context.Background(), did)
	require.NoError(t, err)
	assert.Empty(t, res.RawWitness)
}

func TestResolveWitnessRequired(t *testing.T) {
	assert := assert.New(t)

	wkey, err := didwebvh.GenerateEd25519Key()
	require.NoError(t, err)
	ws := &didwebvh.WitnessSet{
		Threshold: 1,
		Witnesses: []didwebvh.Witness{{ID: wkey.DIDKey()}},
	}
	id := newTestIdentity(t, func(p *didwebvh.Parameters) { p.Witness = ws })

	wp, err := didwebvh.SignWitnessProof(id.entries[0].VersionID, wkey)
	require.NoError(t, err)
	id.witness, err = json.Marshal([]didwebvh.WitnessProof{wp})
	require.NoError(t, err)

	// with the proof served, resolution succeeds
	did, _ := id.serve(t, 0)
	r := NewResolver(0, testLogger())
	res, err := r.Resolve(context.Background(), did)
	require.NoError(t, err)
	assert.NotEmpty(res.RawWitness)

	// with the witness endpoint down, fail-open degrades to no proofs and the
	// genesis threshold cannot be met
	did, _ = id.serve(t, http.StatusInternalServerError)
	_, err = r.Resolve(context.Background(), did)
	assert.ErrorIs(err, didwebvh.ErrWitnessThreshold)
}

func TestResolveUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	host := strings.TrimPrefix(srv.URL, "http://")
	did := "did:webvh:QmScid:" + strings.ReplaceAll(host, ":", "%3A")

	r := NewResolver(0, testLogger())
	_, err := r.Resolve(context.Background(), did)
	assert.ErrorIs(t, err, ErrUpstream)
}
