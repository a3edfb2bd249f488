// Package channel runs one end of a command channel between two peers.
//
// A channel owns the table of objects it exported to its peer, executes the
// commands the peer sends and, when configured with a jar cache, resolves
// archive fingerprints by fetching missing archives from the peer.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pyropy/remoting/core/command"
	"github.com/pyropy/remoting/core/export"
	"github.com/pyropy/remoting/core/jarcache"
	"github.com/pyropy/remoting/core/model"
	"github.com/pyropy/remoting/core/resource"
	"github.com/pyropy/remoting/core/transport"
	"github.com/pyropy/remoting/lib/checksum"
	"github.com/pyropy/remoting/lib/cmap"
	"github.com/pyropy/remoting/lib/logger"
	"github.com/pyropy/remoting/lib/lru"
)

var log, _ = logger.New("channel")

var (
	ErrChannelClosed      = errors.New("channel closed")
	ErrNoProvider         = errors.New("peer does not serve archives")
	ErrNotArchiveProvider = errors.New("handle is not an archive provider")
)

const (
	DefaultWorkers   = 8
	DefaultChunkSize = 64 << 10

	abandonedFetches = 256
)

// ArchiveProvider serves archive content to the peer.
type ArchiveProvider interface {
	WriteArchive(ctx context.Context, fp checksum.Fingerprint, w io.Writer) error
}

type providerExport struct {
	ArchiveProvider
}

type Options struct {
	Name string
	// Workers bounds how many peer fetch requests are served at once.
	Workers       int
	ChunkSize     int
	TombstoneSize int

	Provider ArchiveProvider
	JarCache jarcache.JarCache

	// OnAnomaly is called from the reader for every non-fatal problem, such
	// as an Unexport of an unknown handle. It must not call Close.
	OnAnomaly func(error)
}

// Peer is what the other side announced in its Hello.
type Peer struct {
	Name      string
	ChannelID uuid.UUID
	Provider  model.Handle
}

type Channel struct {
	id       uuid.UUID
	name     string
	opts     Options
	t        transport.Transport
	exports  *export.Table
	provider model.Handle

	sendMu sync.Mutex

	mu    sync.RWMutex
	cache jarcache.JarCache
	peer  Peer

	ready     chan struct{}
	readyOnce sync.Once

	pending   *cmap.Map[uuid.UUID, *pendingFetch]
	abandoned *lru.Cache[uuid.UUID, struct{}]
	workers   chan struct{}
	wg        sync.WaitGroup

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	done      chan struct{}
	readDone  chan struct{}
	err       error
}

// Open starts a channel over t and announces it to the peer.
func Open(t transport.Transport, opts Options) (*Channel, error) {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.TombstoneSize <= 0 {
		opts.TombstoneSize = export.DefaultTombstones
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		id:        uuid.New(),
		name:      opts.Name,
		opts:      opts,
		t:         t,
		exports:   export.NewTable(opts.TombstoneSize),
		cache:     opts.JarCache,
		ready:     make(chan struct{}),
		pending:   cmap.NewMap[uuid.UUID, *pendingFetch](),
		abandoned: lru.New[uuid.UUID, struct{}](abandonedFetches),
		workers:   make(chan struct{}, opts.Workers),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		readDone:  make(chan struct{}),
	}

	if opts.Provider != nil {
		// the provider outlives the channel, so hide any Close it has
		h, err := c.exports.Export(providerExport{opts.Provider}, model.CaptureTrace("archive provider", 0))
		if err != nil {
			cancel()
			return nil, err
		}
		c.provider = h
	}

	go c.readLoop()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.send(command.NewHello(c.name, c.id, c.provider, nil)); err != nil {
			c.shutdown(err)
		}
	}()

	log.Infow("open", "channel", c.id, "name", c.name, "provider", c.provider)
	return c, nil
}

func (c *Channel) ID() uuid.UUID {
	return c.id
}

func (c *Channel) Name() string {
	return c.name
}

// Peer returns what the peer announced, once it has.
func (c *Channel) Peer() (Peer, bool) {
	select {
	case <-c.ready:
	default:
		return Peer{}, false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peer, true
}

// WaitPeer blocks until the peer's Hello arrived.
func (c *Channel) WaitPeer(ctx context.Context) (Peer, error) {
	select {
	case <-c.ready:
	case <-c.done:
		return Peer{}, ErrChannelClosed
	case <-ctx.Done():
		return Peer{}, ctx.Err()
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.peer, nil
}

// Export makes obj addressable by the peer.
func (c *Channel) Export(obj any) (model.Handle, error) {
	return c.exports.Export(obj, model.CaptureTrace("export", 1))
}

func (c *Channel) Pin(h model.Handle) error {
	return c.exports.Pin(h)
}

// Unexport drops one local reference to h.
func (c *Channel) Unexport(h model.Handle) error {
	return c.exports.Unexport(h, model.CaptureTrace("unexport", 1))
}

func (c *Channel) Lookup(h model.Handle) (any, error) {
	return c.exports.Lookup(h)
}

// Exports is the number of live exported objects.
func (c *Channel) Exports() int {
	return c.exports.Len()
}

// ReleaseRemote tells the peer to drop one reference to an object it
// exported.
func (c *Channel) ReleaseRemote(h model.Handle) error {
	return c.send(command.NewUnexport(h, model.CaptureTrace("unexport", 1)))
}

func (c *Channel) SetJarCache(cache jarcache.JarCache) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache = cache
}

func (c *Channel) JarCache() jarcache.JarCache {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cache
}

// Resolve returns the local path of the archive with fingerprint fp,
// fetching it from the peer on first use.
func (c *Channel) Resolve(ctx context.Context, fp checksum.Fingerprint) (string, error) {
	cache := c.JarCache()
	if cache == nil {
		return "", jarcache.ErrCacheDisabled
	}

	return cache.Resolve(ctx, c, fp)
}

// Resources builds a resolver over the peer's class path that reports
// archives as local once this channel's cache holds them.
func (c *Channel) Resources(archives ...resource.Archive) *resource.Resolver {
	peer := c.id.String()
	if p, ok := c.Peer(); ok {
		peer = p.ChannelID.String()
		if p.Name != "" {
			peer = p.Name
		}
	}

	cache := c.JarCache()
	if cache == nil {
		return resource.NewResolver(peer, nil, archives...)
	}

	return resource.NewResolver(peer, cache, archives...)
}

func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Err is the reason the channel closed, nil while open or after a clean
// close.
func (c *Channel) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close stops the channel, fails pending fetches and releases every
// exported object.
func (c *Channel) Close() error {
	c.shutdown(nil)
	<-c.readDone
	c.wg.Wait()
	return nil
}

func (c *Channel) shutdown(cause error) {
	c.closeOnce.Do(func() {
		if errors.Is(cause, io.EOF) || errors.Is(cause, io.ErrClosedPipe) || errors.Is(cause, transport.ErrClosed) {
			cause = nil
		}

		c.err = cause
		close(c.done)
		c.cancel()

		if err := c.t.Close(); err != nil {
			log.Warnw("close", "channel", c.id, "error", err)
		}

		c.pending.Range(func(id uuid.UUID, _ *pendingFetch) bool {
			if p, ok := c.pending.GetAndDelete(id); ok {
				p.finish(ErrChannelClosed)
			}
			return true
		})

		c.exports.Close(&model.Trace{Message: "channel closed"})

		if cause != nil {
			log.Errorw("close", "channel", c.id, "error", cause)
			return
		}
		log.Infow("close", "channel", c.id)
	})
}

func (c *Channel) send(cmd command.Command) error {
	frame, err := command.Encode(cmd)
	if err != nil {
		return err
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	select {
	case <-c.done:
		return ErrChannelClosed
	default:
	}

	if err := c.t.Send(frame); err != nil {
		return fmt.Errorf("send %s: %w", cmd, err)
	}

	return nil
}

func (c *Channel) anomaly(err error) {
	if nf, ok := export.AsHandleNotFound(err); ok {
		log.Warnw("anomaly", "channel", c.id, "handle", nf.Handle,
			"exportedAt", nf.ExportedAt.Summary(), "releasedAt", nf.ReleasedAt.Summary(),
			"requestedAt", nf.RequestedAt.Summary())
	} else {
		log.Warnw("anomaly", "channel", c.id, "error", err)
	}

	if c.opts.OnAnomaly != nil {
		c.opts.OnAnomaly(err)
	}
}
