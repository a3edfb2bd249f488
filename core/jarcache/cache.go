// Package jarcache resolves archive fingerprints to local files, fetching
// each missing archive from the peer at most once no matter how many
// callers ask for it at the same time.
package jarcache

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/pyropy/remoting/lib/checksum"
	"github.com/pyropy/remoting/lib/cmap"
	"github.com/pyropy/remoting/lib/logger"
	"golang.org/x/sync/singleflight"
)

var log, _ = logger.New("jar-cache")

// Fetcher streams the content of the archive identified by fp into w.
type Fetcher interface {
	FetchArchive(ctx context.Context, fp checksum.Fingerprint, w io.Writer) error
}

// Store is where resolved archives live.
type Store interface {
	// Lookup reports whether fp is already present and where.
	Lookup(fp checksum.Fingerprint) (string, bool)
	// Retrieve fetches fp through f and stores it. On error nothing is
	// left behind.
	Retrieve(ctx context.Context, f Fetcher, fp checksum.Fingerprint) (string, error)
}

// JarCache is what a channel needs from a cache.
type JarCache interface {
	Resolve(ctx context.Context, f Fetcher, fp checksum.Fingerprint) (string, error)
	Resolved(fp checksum.Fingerprint) (string, bool)
}

// Stats counts resolutions. Shared counts callers that joined a fetch
// another caller started.
type Stats struct {
	Hits     uint64
	Misses   uint64
	Shared   uint64
	Fetches  uint64
	Failures uint64
}

// Cache puts single-flight resolution and an in-memory index in front of a
// Store.
type Cache struct {
	store Store
	quiet bool

	sf       singleflight.Group
	resolved *cmap.Map[checksum.Fingerprint, string]

	hits     atomic.Uint64
	misses   atomic.Uint64
	shared   atomic.Uint64
	fetches  atomic.Uint64
	failures atomic.Uint64
}

// NewCache wraps store. A quiet cache does not log hits and misses.
func NewCache(store Store, quiet bool) *Cache {
	return &Cache{
		store:    store,
		quiet:    quiet,
		resolved: cmap.NewMap[checksum.Fingerprint, string](),
	}
}

// Resolve returns the local path of the archive with fingerprint fp,
// fetching it through f when the store does not have it yet.
//
// Concurrent calls for the same fingerprint through the same fetcher share
// one fetch, so a failing peer never fails callers that asked another one.
// Cancelling ctx only abandons this caller's wait; the shared fetch keeps
// going for the other waiters.
func (c *Cache) Resolve(ctx context.Context, f Fetcher, fp checksum.Fingerprint) (string, error) {
	if p, ok := c.resolved.Get(fp); ok {
		c.hits.Add(1)
		return p, nil
	}

	var leader bool
	ch := c.sf.DoChan(flightKey(f, fp), func() (interface{}, error) {
		leader = true
		return c.resolve(context.WithoutCancel(ctx), f, fp)
	})

	select {
	case res := <-ch:
		if res.Shared && !leader {
			c.shared.Add(1)
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// flightKey scopes a fetch to the fetcher it goes through. Fetchers are
// channels, compared by address.
func flightKey(f Fetcher, fp checksum.Fingerprint) string {
	if f == nil {
		return "-/" + fp.String()
	}

	return fmt.Sprintf("%p/%s", f, fp)
}

func (c *Cache) resolve(ctx context.Context, f Fetcher, fp checksum.Fingerprint) (string, error) {
	if p, ok := c.resolved.Get(fp); ok {
		c.hits.Add(1)
		return p, nil
	}

	if p, ok := c.store.Lookup(fp); ok {
		c.hits.Add(1)
		c.resolved.Set(fp, p)
		if !c.quiet {
			log.Infow("resolve", "status", "hit", "fingerprint", fp, "path", p)
		}
		return p, nil
	}

	c.misses.Add(1)
	if !c.quiet {
		log.Infow("resolve", "status", "miss", "fingerprint", fp)
	}

	if f == nil {
		c.failures.Add(1)
		return "", &TransferError{Fingerprint: fp, Err: ErrNoFetcher}
	}

	c.fetches.Add(1)
	p, err := c.store.Retrieve(ctx, f, fp)
	if err != nil {
		c.failures.Add(1)
		log.Warnw("resolve", "status", "transfer failed", "fingerprint", fp, "error", err)
		return "", &TransferError{Fingerprint: fp, Err: err}
	}

	c.resolved.Set(fp, p)
	if !c.quiet {
		log.Infow("resolve", "status", "fetched", "fingerprint", fp, "path", p)
	}

	return p, nil
}

// Resolved reports whether fp has been resolved by this cache or is
// already in the store. It never fetches.
func (c *Cache) Resolved(fp checksum.Fingerprint) (string, bool) {
	if p, ok := c.resolved.Get(fp); ok {
		return p, true
	}

	p, ok := c.store.Lookup(fp)
	if ok {
		c.resolved.Set(fp, p)
	}

	return p, ok
}

func (c *Cache) Stats() Stats {
	return Stats{
		Hits:     c.hits.Load(),
		Misses:   c.misses.Load(),
		Shared:   c.shared.Load(),
		Fetches:  c.fetches.Load(),
		Failures: c.failures.Load(),
	}
}
