package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
)

// Server exposes resolved DIDs over HTTP: documents, logs, witness files,
// metadata, and a websocket update stream for watched DIDs.
type Server struct {
	resolver *Resolver
	cache    *GormCache
	watcher  *Watcher
	inflight *InFlight
	addr     string
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewServer(resolver *Resolver, cache *GormCache, watcher *Watcher, addr string, logger *slog.Logger) *Server {
	return &Server{
		resolver: resolver,
		cache:    cache,
		watcher:  watcher,
		inflight: NewInFlight(),
		addr:     addr,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: logger.With("component", "server"),
	}
}

// Run starts the HTTP server (blocking).
func (s *Server) Run() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /_health", s.handleHealth)
	mux.HandleFunc("GET /{did}/log", s.handleDIDLog)
	mux.HandleFunc("GET /{did}/witness", s.handleDIDWitness)
	mux.HandleFunc("GET /{did}/metadata", s.handleDIDMetadata)
	mux.HandleFunc("GET /{did}/watch", s.handleDIDWatch)
	mux.HandleFunc("GET /{did}", s.handleDIDDoc)
	mux.HandleFunc("GET /{$}", s.handleIndex)

	handler := otelhttp.NewHandler(mux, "")

	s.logger.Info("http server listening", "addr", s.addr)
	return http.ListenAndServe(s.addr, handler)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprint(w, "hello webvh resolver\n")
}

// handleHealth handles GET /_health - returns version information
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"version": versioninfo.Short(),
	})
}

// writeJSONError writes a JSON error response
func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

// resolve serves a DID from the cache or upstream. Concurrent requests for the
// same DID are deduplicated: one leader fetches while the rest wait and then
// read the cache. On upstream failure a stale cached record is served.
func (s *Server) resolve(ctx context.Context, did string) (*DIDRecord, error) {
	leader, wait := s.inflight.Begin(did)
	if !leader {
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		rec, err := s.cache.GetDID(ctx, did)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, ErrNotFound
		}
		CacheHitCounter.Add(ctx, 1)
		return rec, nil
	}
	defer s.inflight.Finish(did)
	InFlightGauge.Record(ctx, int64(s.inflight.Len()))

	res, rerr := s.resolver.Resolve(ctx, did)
	if rerr == nil {
		if err := s.cache.PutResolution(ctx, res); err != nil {
			s.logger.Error("cache write failed", "did", did, "error", err)
		}
		return s.cache.GetDID(ctx, did)
	}

	// upstream failed: fall back to the last good resolution if there is one
	rec, err := s.cache.GetDID(ctx, did)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		s.logger.Warn("serving stale cache after upstream failure", "did", did, "error", rerr)
		ResolutionCounter.Add(ctx, 1, metric.WithAttributes(OutcomeStale))
		return rec, nil
	}
	return nil, rerr
}

// handleDIDDoc handles GET /{did} - returns the resolved DID document
func (s *Server) handleDIDDoc(w http.ResponseWriter, r *http.Request) {
	did := r.PathValue("did")
	ctx := r.Context()

	rec, err := s.resolve(ctx, did)
	if err != nil {
		s.writeResolveError(w, did, err)
		return
	}

	w.Header().Set("Content-Type", "application/did+json")
	w.Write(rec.Document)
}

// handleDIDMetadata handles GET /{did}/metadata - returns resolution metadata
func (s *Server) handleDIDMetadata(w http.ResponseWriter, r *http.Request) {
	did := r.PathValue("did")
	ctx := r.Context()

	rec, err := s.resolve(ctx, did)
	if err != nil {
		s.writeResolveError(w, did, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"did":         rec.DID,
		"scid":        rec.SCID,
		"versionId":   rec.VersionID,
		"versionTime": rec.VersionTime.UTC().Format(time.RFC3339),
		"created":     rec.Created.UTC().Format(time.RFC3339),
		"deactivated": rec.Deactivated,
		"watched":     rec.Watched,
		"refreshedAt": rec.RefreshedAt.UTC().Format(time.RFC3339),
	})
}

// handleDIDLog handles GET /{did}/log - returns the validated log as JSON Lines
func (s *Server) handleDIDLog(w http.ResponseWriter, r *http.Request) {
	did := r.PathValue("did")
	ctx := r.Context()

	if _, err := s.resolve(ctx, did); err != nil {
		s.writeResolveError(w, did, err)
		return
	}
	entries, err := s.cache.GetLog(ctx, did)
	if err != nil {
		writeJSONError(w, fmt.Sprintf("error fetching log: %v", err), http.StatusInternalServerError)
		return
	}
	if len(entries) == 0 {
		writeJSONError(w, fmt.Sprintf("DID not resolved: %s", did), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/jsonl")
	for _, entry := range entries {
		w.Write(entry.Raw)
		w.Write([]byte("\n"))
	}
}

// handleDIDWitness handles GET /{did}/witness - returns the witness proof file
func (s *Server) handleDIDWitness(w http.ResponseWriter, r *http.Request) {
	did := r.PathValue("did")
	ctx := r.Context()

	rec, err := s.resolve(ctx, did)
	if err != nil {
		s.writeResolveError(w, did, err)
		return
	}
	if len(rec.WitnessFile) == 0 {
		writeJSONError(w, fmt.Sprintf("no witness proofs for: %s", did), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(rec.WitnessFile)
}

// handleDIDWatch handles GET /{did}/watch - upgrades to a websocket and
// streams version updates. The current version is sent first.
func (s *Server) handleDIDWatch(w http.ResponseWriter, r *http.Request) {
	did := r.PathValue("did")
	ctx := r.Context()

	rec, err := s.resolve(ctx, did)
	if err != nil {
		s.writeResolveError(w, did, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "did", did, "error", err)
		return
	}
	defer conn.Close()

	// only a live stream enrolls the DID for background refresh
	if err := s.watcher.Watch(ctx, did); err != nil {
		s.logger.Error("failed to watch DID", "did", did, "error", err)
		return
	}

	ch := s.watcher.Subscribe(did)
	defer s.watcher.Unsubscribe(did, ch)

	// interrupt blocked writes when the client goes away
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}()

	first := Update{
		DID:         rec.DID,
		VersionID:   rec.VersionID,
		VersionTime: rec.VersionTime,
		Deactivated: rec.Deactivated,
	}
	if err := conn.WriteJSON(first); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case u := <-ch:
			if err := conn.WriteJSON(u); err != nil {
				return
			}
			if u.Deactivated {
				// terminal state, nothing further will ever arrive
				return
			}
		}
	}
}

func (s *Server) writeResolveError(w http.ResponseWriter, did string, err error) {
	if errors.Is(err, ErrNotFound) {
		writeJSONError(w, fmt.Sprintf("DID not found: %s", did), http.StatusNotFound)
		return
	}
	if errors.Is(err, ErrUpstream) {
		writeJSONError(w, fmt.Sprintf("upstream unavailable for %s: %v", did, err), http.StatusBadGateway)
		return
	}
	writeJSONError(w, fmt.Sprintf("error resolving %s: %v", did, err), http.StatusInternalServerError)
}
