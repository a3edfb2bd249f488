package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pyropy/remoting/core/archive"
	"github.com/pyropy/remoting/core/channel"
	"github.com/pyropy/remoting/core/jarcache"
	"github.com/pyropy/remoting/core/transport"
	"github.com/pyropy/remoting/lib/checksum"
	"github.com/pyropy/remoting/lib/cmap"
	"github.com/pyropy/remoting/lib/logger"
)

var log, _ = logger.New("node")

var (
	ErrChannelNotFound = errors.New("channel not found")
)

// Node serves its archive catalog to every attached peer and caches the
// archives it fetches from them.
type Node struct {
	*archive.Catalog

	Cfg      *Config
	Cache    *jarcache.Cache
	Channels *cmap.Map[uuid.UUID, *channel.Channel]

	wg sync.WaitGroup
}

type Stats struct {
	Channels int
	Archives int
	Cache    jarcache.Stats
}

func NewNode(cfg *Config) (*Node, error) {
	catalog, err := archive.Open(cfg.Catalog.Path, cfg.Catalog.LRUSize)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}

	n := &Node{
		Catalog:  catalog,
		Cfg:      cfg,
		Channels: cmap.NewMap[uuid.UUID, *channel.Channel](),
	}

	if !cfg.Cache.Disabled {
		n.Cache, err = jarcache.NewFileCache(cfg.Cache.Path, cfg.Cache.Quiet)
		if err != nil {
			_ = catalog.Close()
			return nil, fmt.Errorf("open jar cache: %w", err)
		}
	}

	return n, nil
}

// Attach opens a channel over t and tracks it until it closes.
func (n *Node) Attach(t transport.Transport) (*channel.Channel, error) {
	opts := channel.Options{
		Name:          n.Cfg.Channel.Name,
		Workers:       n.Cfg.Channel.Workers,
		ChunkSize:     n.Cfg.Channel.ChunkSize,
		TombstoneSize: n.Cfg.Channel.TombstoneSize,
		Provider:      n.Catalog,
	}
	if n.Cache != nil {
		opts.JarCache = n.Cache
	}

	ch, err := channel.Open(t, opts)
	if err != nil {
		return nil, err
	}

	n.Channels.Set(ch.ID(), ch)
	log.Infow("attach", "channel", ch.ID())

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		<-ch.Done()
		n.Channels.Delete(ch.ID())
		log.Infow("detach", "channel", ch.ID(), "error", ch.Err())
	}()

	return ch, nil
}

func (n *Node) Channel(id uuid.UUID) (*channel.Channel, error) {
	ch, ok := n.Channels.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, id)
	}

	return ch, nil
}

// Resolve resolves fp through the channel with the given id.
func (n *Node) Resolve(ctx context.Context, id uuid.UUID, fp checksum.Fingerprint) (string, error) {
	ch, err := n.Channel(id)
	if err != nil {
		return "", err
	}

	return ch.Resolve(ctx, fp)
}

func (n *Node) Stats(ctx context.Context) (Stats, error) {
	archives, err := n.Catalog.All(ctx)
	if err != nil {
		return Stats{}, err
	}

	s := Stats{Channels: n.Channels.Len(), Archives: len(archives)}
	if n.Cache != nil {
		s.Cache = n.Cache.Stats()
	}

	return s, nil
}

// Close closes every channel, then the catalog.
func (n *Node) Close() error {
	n.Channels.Range(func(_ uuid.UUID, ch *channel.Channel) bool {
		_ = ch.Close()
		return true
	})
	n.wg.Wait()

	return n.Catalog.Close()
}
