// Package remotestore implements C4: uploading opaque files to a remote
// content-addressed object store, listing a space's root CIDs, and
// downloading by CID through a prioritized read chain (block-network, then
// HTTP gateways).
package remotestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	dssync "github.com/ipfs/go-datastore/sync"
	logging "github.com/ipfs/go-log/v2"
	"github.com/storacha/go-orbitdb-bridge/pkg/build"
	"github.com/storacha/go-orbitdb-bridge/pkg/retry"
)

var log = logging.Logger("remotestore")

// Backend is the concrete object-store operation this bridge needs from a
// remote: upload bytes under a filename, get a root CID back, and list the
// root CIDs of everything previously uploaded to the authenticated space.
// S3Backend (s3.go) is the one concrete implementation provided; any object
// store that can hand back a CID per upload and enumerate a space satisfies
// it.
type Backend interface {
	Upload(ctx context.Context, data []byte, filename, mime string) (cid.Cid, error)
	ListSpace(ctx context.Context) ([]cid.Cid, error)
}

// BlockNetwork is the optional local block-network handle of spec.md §4.4
// step (a) — e.g. a bitswap/libp2p session. It is out of this bridge's
// scope (spec.md §1); callers that have one pass it in, callers that don't
// pass nil and rely entirely on the gateway chain.
type BlockNetwork interface {
	// Get fetches the bytes addressed by c, or returns an error (never a
	// nil, nil sentinel — spec.md §9 flags that as a source bug to avoid).
	Get(ctx context.Context, c cid.Cid) ([]byte, error)
}

// ErrGatewayFallbackDisabled is returned by Download when the network leg
// fails and the caller disabled the gateway fallback.
var ErrGatewayFallbackDisabled = errors.New("gateway fallback is disabled")

// ErrGatewayReturnedError is returned for a single gateway attempt whose
// response was an HTML error page, a non-2xx status, or an empty body.
// It is terminal for that gateway only; the chain moves to the next one.
var ErrGatewayReturnedError = errors.New("gateway returned error")

// DownloadOptions configures a single Download call.
type DownloadOptions struct {
	// UseNetwork attempts the BlockNetwork leg first, if one is configured.
	UseNetwork bool
	// GatewayFallback, when false, makes a failed network attempt terminal
	// instead of falling through to the gateway chain.
	GatewayFallback bool
	// Timeout bounds each individual attempt (network or per-gateway).
	Timeout time.Duration
	// MaxBytes, if non-zero, rejects objects larger than this many bytes
	// fetched over either leg (used by the backup index's probing); gateway
	// bodies are read only up to the limit. Cache hits are returned without
	// this check.
	MaxBytes int64
}

// DefaultDownloadOptions matches spec.md §5's default 30s timeout and
// enables both legs of the read chain.
func DefaultDownloadOptions() DownloadOptions {
	return DownloadOptions{UseNetwork: true, GatewayFallback: true, Timeout: 30 * time.Second}
}

// Adapter is C4: the remote store operations this bridge performs, wrapped
// in C8 retry and the network->gateway read chain.
type Adapter struct {
	backend    Backend
	network    BlockNetwork
	gateways   []string // base URLs, e.g. "https://w3s.link"
	httpClient *retryablehttp.Client
	retryCfg   retry.Config
	cache      ds.Datastore
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBlockNetwork supplies the optional local block-network leg.
func WithBlockNetwork(n BlockNetwork) Option {
	return func(a *Adapter) { a.network = n }
}

// WithGateways overrides the default gateway priority list (spec.md §6).
func WithGateways(gateways []string) Option {
	return func(a *Adapter) { a.gateways = gateways }
}

// WithRetryConfig overrides C8's defaults.
func WithRetryConfig(cfg retry.Config) Option {
	return func(a *Adapter) { a.retryCfg = cfg }
}

// WithCache fronts Download with a local keyed-store cache, namespaced under
// "downloads/" so callers can share one Datastore across an Adapter and
// other consumers without key collisions. There is no eviction: this is
// sized for a single backup/restore run's repeated re-downloads (e.g. the
// backup index re-probing the same candidate CIDs), not a long-lived daemon.
func WithCache(store ds.Datastore) Option {
	return func(a *Adapter) { a.cache = namespace.Wrap(store, ds.NewKey("downloads")) }
}

// NewMemoryCache returns a fresh in-process cache suitable for WithCache.
func NewMemoryCache() ds.Datastore {
	return dssync.MutexWrap(ds.NewMapDatastore())
}

// DefaultGateways is spec.md §6's default priority list.
func DefaultGateways() []string {
	return []string{
		"https://w3s.link",
		"https://storacha.link",
		"https://dweb.link",
		"https://ipfs.io",
	}
}

// New builds an Adapter around backend. The gateway leg gets its own
// go-retryablehttp client so that 429/503/504 responses honoring
// Retry-After are retried at the HTTP layer (spec.md §4.4(b)), independent
// of the higher-level C8 wrapping Upload/ListSpace.
func New(backend Backend, opts ...Option) *Adapter {
	rhc := retryablehttp.NewClient()
	rhc.Logger = nil
	rhc.RetryMax = 3
	rhc.RetryWaitMin = 1 * time.Second
	rhc.RetryWaitMax = 30 * time.Second

	a := &Adapter{
		backend:    backend,
		gateways:   DefaultGateways(),
		retryCfg:   retry.DefaultConfig(),
		httpClient: rhc,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Upload uploads data under filename/mime and returns the remote-assigned
// root CID, retried under C8.
func (a *Adapter) Upload(ctx context.Context, data []byte, filename, mime string) (cid.Cid, error) {
	var root cid.Cid
	err := retry.Do(ctx, a.retryCfg, func() error {
		var uerr error
		root, uerr = a.backend.Upload(ctx, data, filename, mime)
		if uerr != nil {
			return fmt.Errorf("uploading %s: %w", filename, uerr)
		}
		return nil
	})
	if err != nil {
		return cid.Undef, fmt.Errorf("%w", err)
	}
	log.Infow("uploaded object", "filename", filename, "root", root, "bytes", len(data))
	return root, nil
}

// ListSpace returns every root CID the remote reports for the
// authenticated space, retried under C8.
func (a *Adapter) ListSpace(ctx context.Context) ([]cid.Cid, error) {
	var cids []cid.Cid
	err := retry.Do(ctx, a.retryCfg, func() error {
		var lerr error
		cids, lerr = a.backend.ListSpace(ctx)
		if lerr != nil {
			return fmt.Errorf("listing space: %w", lerr)
		}
		return nil
	})
	return cids, err
}

// Download fetches the bytes addressed by c through the read chain:
// block-network first (if configured and enabled), then the gateway list
// in priority order. It always returns a non-nil error on total failure,
// never a (nil, nil) sentinel (spec.md §9).
func (a *Adapter) Download(ctx context.Context, c cid.Cid, opts DownloadOptions) ([]byte, error) {
	cacheKey := ds.NewKey(c.String())
	if a.cache != nil {
		if data, err := a.cache.Get(ctx, cacheKey); err == nil {
			return data, nil
		}
	}

	data, err := a.download(ctx, c, opts)
	if err != nil {
		return nil, err
	}
	if a.cache != nil {
		if perr := a.cache.Put(ctx, cacheKey, data); perr != nil {
			log.Warnw("caching downloaded object failed", "cid", c, "error", perr)
		}
	}
	return data, nil
}

func (a *Adapter) download(ctx context.Context, c cid.Cid, opts DownloadOptions) ([]byte, error) {
	var networkErr error
	if opts.UseNetwork && a.network != nil {
		var data []byte
		err := retry.Do(ctx, a.retryCfg, func() error {
			networkCtx, cancel := context.WithTimeout(ctx, effectiveTimeout(opts))
			defer cancel()
			var gerr error
			data, gerr = a.network.Get(networkCtx, c)
			return gerr
		})
		if err == nil {
			if opts.MaxBytes > 0 && int64(len(data)) > opts.MaxBytes {
				return nil, fmt.Errorf("object %s exceeded %d byte limit", c, opts.MaxBytes)
			}
			return data, nil
		}
		networkErr = err
		log.Warnw("block-network fetch failed", "cid", c, "error", err)
		if !opts.GatewayFallback {
			return nil, fmt.Errorf("%w: %s", ErrGatewayFallbackDisabled, networkErr)
		}
	}

	data, err := a.downloadViaGateways(ctx, c, opts)
	if err != nil {
		if networkErr != nil {
			return nil, fmt.Errorf("network attempt failed (%s) and gateway chain failed: %w", networkErr, err)
		}
		return nil, err
	}
	return data, nil
}

func effectiveTimeout(opts DownloadOptions) time.Duration {
	if opts.Timeout > 0 {
		return opts.Timeout
	}
	return DefaultDownloadOptions().Timeout
}

func (a *Adapter) downloadViaGateways(ctx context.Context, c cid.Cid, opts DownloadOptions) ([]byte, error) {
	if len(a.gateways) == 0 {
		return nil, fmt.Errorf("%w: no gateways configured", ErrGatewayReturnedError)
	}

	var lastErr error
	for _, base := range a.gateways {
		data, err := a.downloadViaOneGateway(ctx, base, c, opts)
		if err == nil {
			return data, nil
		}
		log.Warnw("gateway attempt failed", "gateway", base, "cid", c, "error", err)
		lastErr = err
	}
	return nil, fmt.Errorf("%w: all gateways exhausted: %s", ErrGatewayReturnedError, lastErr)
}

func (a *Adapter) downloadViaOneGateway(ctx context.Context, base string, c cid.Cid, opts DownloadOptions) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, effectiveTimeout(opts))
	defer cancel()

	url := fmt.Sprintf("%s/ipfs/%s", base, c.String())
	req, err := retryablehttp.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %s", ErrGatewayReturnedError, err)
	}
	req.Header.Set("User-Agent", build.UserAgent)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGatewayReturnedError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d from %s", ErrGatewayReturnedError, resp.StatusCode, base)
	}
	if ct := resp.Header.Get("Content-Type"); len(ct) >= 9 && ct[:9] == "text/html" {
		return nil, fmt.Errorf("%w: html content-type from %s", ErrGatewayReturnedError, base)
	}

	body, err := readAllLimited(resp.Body, opts.MaxBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %s", ErrGatewayReturnedError, err)
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("%w: empty body from %s", ErrGatewayReturnedError, base)
	}
	if looksLikeHTMLErrorPage(body) {
		return nil, fmt.Errorf("%w: html error page from %s", ErrGatewayReturnedError, base)
	}
	return body, nil
}

// looksLikeHTMLErrorPage implements spec.md §4.4(c)'s signature check: the
// observed failure mode of overloaded public gateways returning 200 OK with
// an HTML body for missing content must never be treated as success.
func looksLikeHTMLErrorPage(body []byte) bool {
	trimmed := bytes.TrimLeft(body, " \t\r\n")
	for _, sig := range [][]byte{[]byte("<!DOCTYPE"), []byte("<html"), []byte("<?xml")} {
		if len(trimmed) >= len(sig) && bytes.EqualFold(trimmed[:len(sig)], sig) {
			return true
		}
	}
	return false
}

func readAllLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	limited := io.LimitReader(r, max+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, fmt.Errorf("response exceeded %d byte limit", max)
	}
	return data, nil
}
