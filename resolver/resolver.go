package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/did-method-webvh/go-didwebvh"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultTimeout bounds a whole resolution: log fetch, witness fetch, and
	// validation share it.
	DefaultTimeout = 10 * time.Second

	// maxFetchBytes bounds a fetched log or witness file.
	maxFetchBytes = 50_000_000
)

var (
	// ErrNotFound means the upstream served no log for the DID.
	ErrNotFound = errors.New("DID log not found")

	// ErrUpstream wraps transport-level fetch failures.
	ErrUpstream = errors.New("upstream fetch failed")
)

// Resolution is the outcome of one successful end-to-end resolution.
type Resolution struct {
	DID      string
	Document []byte
	Meta     didwebvh.ResolutionMetadata
	// Entries are the surviving validated log entries, in chain order.
	Entries []*didwebvh.LogEntry
	// RawWitness is the fetched witness proof file, empty if unavailable.
	RawWitness []byte
}

// Resolver fetches and validates did:webvh logs over HTTPS. The log fetch and
// the witness fetch run concurrently under a shared timeout; a failed witness
// fetch degrades to an empty proof set, while a failed log fetch is fatal.
type Resolver struct {
	httpClient *http.Client
	timeout    time.Duration
	userAgent  string
	verifier   didwebvh.ProofVerifier
	logger     *slog.Logger
}

func NewResolver(timeout time.Duration, logger *slog.Logger) *Resolver {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Resolver{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		timeout:   timeout,
		userAgent: fmt.Sprintf("go-didwebvh-resolver/%s", versioninfo.Short()),
		verifier:  didwebvh.MultikeyVerifier{},
		logger:    logger.With("component", "resolver"),
	}
}

// Resolve fetches the DID's log and witness file and runs full validation.
func (r *Resolver) Resolve(ctx context.Context, didStr string) (*Resolution, error) {
	did, err := didwebvh.ParseDID(didStr)
	if err != nil {
		ResolutionCounter.Add(ctx, 1, metric.WithAttributes(OutcomeError))
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var logBytes, witnessBytes []byte
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		logBytes, err = r.fetch(gctx, did.LogURL())
		return err
	})
	g.Go(func() error {
		b, err := r.fetch(gctx, did.WitnessURL())
		if err != nil {
			// the witness layer is optional: degrade to no proofs
			r.logger.Warn("witness fetch failed, continuing without proofs",
				"did", didStr, "url", did.WitnessURL(), "error", err)
			return nil
		}
		witnessBytes = b
		return nil
	})
	if err := g.Wait(); err != nil {
		ResolutionCounter.Add(ctx, 1, metric.WithAttributes(OutcomeError))
		return nil, err
	}

	state := didwebvh.NewDIDWebVHState()
	state.Verifier = r.verifier
	if err := state.LoadLog(bytes.NewReader(logBytes)); err != nil {
		ResolutionCounter.Add(ctx, 1, metric.WithAttributes(OutcomeError))
		return nil, err
	}
	if len(witnessBytes) > 0 {
		if err := state.LoadWitnessProofs(bytes.NewReader(witnessBytes)); err != nil {
			r.logger.Warn("witness file unparseable, continuing without proofs",
				"did", didStr, "error", err)
			state.WitnessProofs = didwebvh.NewWitnessProofCollection()
		}
	}
	if err := state.Validate(); err != nil {
		ResolutionCounter.Add(ctx, 1, metric.WithAttributes(OutcomeError))
		return nil, fmt.Errorf("validating %s: %w", didStr, err)
	}

	entries := make([]*didwebvh.LogEntry, 0, len(state.Entries))
	for _, st := range state.Entries {
		entries = append(entries, st.Entry)
	}

	ResolutionCounter.Add(ctx, 1, metric.WithAttributes(OutcomeOk))
	return &Resolution{
		DID:        didStr,
		Document:   state.Document,
		Meta:       state.Meta,
		Entries:    entries,
		RawWitness: witnessBytes,
	}, nil
}

func (r *Resolver) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	req.Header.Set("User-Agent", r.userAgent)

	r.logger.Debug("http request starting", "method", "GET", "url", url)
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, url)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s returned status %d", ErrUpstream, url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", ErrUpstream, url, err)
	}
	return body, nil
}
