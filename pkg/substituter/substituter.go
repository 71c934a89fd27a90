// Package substituter implements the read-only binary cache store:
// fetching "nix-cache-info" and per-path ".narinfo" documents over HTTP
// and caching them with positive/negative TTLs.
package substituter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/nixcore/nixd/pkg/store"
	"github.com/nixcore/nixd/pkg/storepath"
)

// DefaultPriority is used when nix-cache-info omits a Priority line.
const DefaultPriority = 50

// Substituter is a remote read-only store backed by an HTTP binary
// cache. It implements store.ReadStore, minus MakeTextPath/
// MakeFixedOutputPath, which a binary cache has no occasion to compute.
type Substituter struct {
	base     string
	storeDir string
	priority int

	client *http.Client
	cache  *narinfoCache

	// retry budget for 5xx responses, per spec's "transient error
	// retried with backoff up to the substituter's timeout budget".
	retryBudget time.Duration
}

// Options configures Open.
type Options struct {
	// HTTPClient, if nil, defaults to http.DefaultClient.
	HTTPClient *http.Client
	// CacheDir, if non-empty, backs the narinfo cache with an on-disk
	// badger database; otherwise the cache is in-memory only.
	CacheDir string
	// PositiveTTL/NegativeTTL are narinfo-cache-positive-ttl/
	// narinfo-cache-negative-ttl from the resolved settings.
	PositiveTTL time.Duration
	NegativeTTL time.Duration
	// RetryBudget bounds total time spent retrying 5xx responses.
	RetryBudget time.Duration
}

// Open fetches "{uri}/nix-cache-info", parsing StoreDir and Priority,
// and returns a Substituter ready to serve query_path_info/is_valid_path.
func Open(ctx context.Context, uri string, opts Options) (*Substituter, error) {
	base := strings.TrimSuffix(uri, "/")

	client := opts.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	s := &Substituter{
		base:        base,
		priority:    DefaultPriority,
		client:      client,
		retryBudget: opts.RetryBudget,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/nix-cache-info", nil)
	if err != nil {
		return nil, fmt.Errorf("substituter: %w", err)
	}

	resp, err := s.doWithRetry(req)
	if err != nil {
		return nil, fmt.Errorf("substituter: fetching nix-cache-info: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("substituter: nix-cache-info: unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("substituter: reading nix-cache-info: %w", err)
	}

	if err := s.parseCacheInfo(body); err != nil {
		return nil, fmt.Errorf("substituter: %w", err)
	}

	cache, err := newNarinfoCache(opts.CacheDir, s.storeDir, opts.PositiveTTL, opts.NegativeTTL)
	if err != nil {
		return nil, fmt.Errorf("substituter: %w", err)
	}

	s.cache = cache

	return s, nil
}

func (s *Substituter) parseCacheInfo(body []byte) error {
	for _, line := range strings.Split(string(body), "\n") {
		key, val, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}

		switch key {
		case "StoreDir":
			s.storeDir = val
		case "Priority":
			p, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("nix-cache-info: bad Priority %q: %w", val, err)
			}

			s.priority = p
		}
	}

	if s.storeDir == "" {
		return fmt.Errorf("nix-cache-info: missing StoreDir")
	}

	return nil
}

func (s *Substituter) StoreDir() string { return s.storeDir }
func (s *Substituter) StateDir() string { return "" }
func (s *Substituter) Priority() int    { return s.priority }

func (s *Substituter) ParseStorePath(p string) (storepath.Path, error) {
	return storepath.ParseFull(s.storeDir, p)
}

func (s *Substituter) ParseStorePathWithOutputs(p string) (storepath.WithOutputs, error) {
	prefix := s.storeDir + "/"
	if !strings.HasPrefix(p, prefix) {
		return storepath.WithOutputs{}, fmt.Errorf("substituter: %q is not under store directory %s", p, s.storeDir)
	}

	return storepath.ParseWithOutputs(strings.TrimPrefix(p, prefix))
}

func (s *Substituter) PrintStorePath(p storepath.Path) string {
	return storepath.Full(s.storeDir, p)
}

// QueryPathInfo fetches "{base}/{hash_part}.narinfo" and parses it,
// consulting and populating the narinfo TTL cache first.
func (s *Substituter) QueryPathInfo(ctx context.Context, path storepath.Path) (*store.ValidPathInfo, error) {
	if cached, hit, negative := s.cache.get(path.HashPart()); hit {
		if negative {
			return nil, nil
		}

		return cached, nil
	}

	url := s.base + "/" + path.HashPart() + ".narinfo"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.doWithRetry(req)
	if err != nil {
		return nil, fmt.Errorf("substituter: fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		info, err := store.ParseNarinfo(resp.Body, s.storeDir)
		if err != nil {
			return nil, fmt.Errorf("substituter: parsing %s: %w", url, err)
		}

		s.cache.putPositive(path.HashPart(), info)

		return info, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		s.cache.putNegative(path.HashPart())

		return nil, nil
	default:
		return nil, fmt.Errorf("substituter: fetching %s: unexpected status %s", url, resp.Status)
	}
}

// IsValidPath reports whether the narinfo HEAD request succeeds.
func (s *Substituter) IsValidPath(ctx context.Context, path storepath.Path) (bool, error) {
	if _, hit, negative := s.cache.get(path.HashPart()); hit {
		return !negative, nil
	}

	url := s.base + "/" + path.HashPart() + ".narinfo"

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false, err
	}

	resp, err := s.doWithRetry(req)
	if err != nil {
		return false, fmt.Errorf("substituter: HEAD %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusForbidden:
		s.cache.putNegative(path.HashPart())

		return false, nil
	default:
		return false, fmt.Errorf("substituter: HEAD %s: unexpected status %s", url, resp.Status)
	}
}

// FetchNar opens the NAR byte stream for info.BinaryCache.URL, resolved
// relative to the cache's base URL. The caller is responsible for
// closing the returned body.
func (s *Substituter) FetchNar(ctx context.Context, info *store.ValidPathInfo) (io.ReadCloser, error) {
	if info.BinaryCache == nil || info.BinaryCache.URL == "" {
		return nil, fmt.Errorf("substituter: %s has no narinfo URL", info.Path)
	}

	url := info.BinaryCache.URL
	if !strings.Contains(url, "://") {
		url = s.base + "/" + url
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.doWithRetry(req)
	if err != nil {
		return nil, fmt.Errorf("substituter: fetching %s: %w", url, err)
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()

		return nil, fmt.Errorf("substituter: fetching %s: unexpected status %s", url, resp.Status)
	}

	return resp.Body, nil
}

// doWithRetry retries 5xx responses with exponential backoff up to
// retryBudget. 4xx and 2xx responses return immediately.
func (s *Substituter) doWithRetry(req *http.Request) (*http.Response, error) {
	budget := s.retryBudget
	if budget <= 0 {
		budget = 30 * time.Second
	}

	deadline := time.Now().Add(budget)
	backoff := 200 * time.Millisecond

	for {
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode < 500 {
			return resp, nil
		}

		resp.Body.Close()

		if time.Now().Add(backoff).After(deadline) {
			return resp, nil
		}

		select {
		case <-req.Context().Done():
			return nil, req.Context().Err()
		case <-time.After(backoff):
		}

		backoff *= 2
	}
}

// narinfoCache is a positive/negative TTL cache over ValidPathInfo,
// keyed by store-path hash part. Backed by badger when a directory is
// given, in-memory otherwise.
type narinfoCache struct {
	db          *badger.DB
	storeDir    string
	positiveTTL time.Duration
	negativeTTL time.Duration
}

func newNarinfoCache(dir, storeDir string, positiveTTL, negativeTTL time.Duration) (*narinfoCache, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening narinfo cache: %w", err)
	}

	return &narinfoCache{db: db, storeDir: storeDir, positiveTTL: positiveTTL, negativeTTL: negativeTTL}, nil
}

const negativeMarker = "\x00negative"

func (c *narinfoCache) get(hashPart string) (info *store.ValidPathInfo, hit, negative bool) {
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(hashPart))
		if err != nil {
			return err
		}

		return item.Value(func(val []byte) error {
			if string(val) == negativeMarker {
				negative = true

				return nil
			}

			parsed, perr := store.ParseNarinfo(strings.NewReader(string(val)), c.storeDir)
			if perr != nil {
				return perr
			}

			info = parsed

			return nil
		})
	})
	if err != nil {
		return nil, false, false
	}

	return info, true, negative
}

func (c *narinfoCache) putPositive(hashPart string, info *store.ValidPathInfo) {
	var buf strings.Builder
	if err := store.WriteNarinfo(&buf, info, c.storeDir); err != nil {
		return
	}

	_ = c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(hashPart), []byte(buf.String()))
		if c.positiveTTL > 0 {
			e = e.WithTTL(c.positiveTTL)
		}

		return txn.SetEntry(e)
	})
}

func (c *narinfoCache) putNegative(hashPart string) {
	_ = c.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(hashPart), []byte(negativeMarker))
		if c.negativeTTL > 0 {
			e = e.WithTTL(c.negativeTTL)
		}

		return txn.SetEntry(e)
	})
}

// Close releases the underlying badger database.
func (s *Substituter) Close() error {
	return s.cache.db.Close()
}
