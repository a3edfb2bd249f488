package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pyropy/remoting/core/channel"
	"github.com/pyropy/remoting/core/model"
	"github.com/pyropy/remoting/core/node"
	"github.com/pyropy/remoting/lib/checksum"
	rpc "github.com/pyropy/remoting/rpc/admin"
)

type AdminAPI struct {
	Node *node.Node
}

func NewAdminAPI(n *node.Node) *AdminAPI {
	return &AdminAPI{
		Node: n,
	}
}

func (a *AdminAPI) Stats(args *rpc.StatsArgs, reply *rpc.StatsReply) error {
	log.Infow("rpc", "event", "AdminAPI.Stats")
	stats, err := a.Node.Stats(context.Background())
	if err != nil {
		return err
	}

	reply.Channels = stats.Channels
	reply.Archives = stats.Archives
	reply.CacheHits = stats.Cache.Hits
	reply.CacheMisses = stats.Cache.Misses
	reply.CacheShared = stats.Cache.Shared
	reply.CacheFetches = stats.Cache.Fetches
	reply.CacheFailures = stats.Cache.Failures

	return nil
}

func (a *AdminAPI) Register(args *rpc.RegisterArgs, reply *rpc.RegisterReply) error {
	log.Infow("rpc", "event", "AdminAPI.Register", "args", args)
	record, err := a.Node.Register(context.Background(), args.Path)
	if err != nil {
		return err
	}

	reply.Archive = toArchive(record)
	return nil
}

func (a *AdminAPI) Archives(args *rpc.ArchivesArgs, reply *rpc.ArchivesReply) error {
	log.Infow("rpc", "event", "AdminAPI.Archives")
	records, err := a.Node.All(context.Background())
	if err != nil {
		return err
	}

	for _, r := range records {
		reply.Archives = append(reply.Archives, toArchive(r))
	}

	return nil
}

func (a *AdminAPI) Channels(args *rpc.ChannelsArgs, reply *rpc.ChannelsReply) error {
	log.Infow("rpc", "event", "AdminAPI.Channels")
	a.Node.Channels.Range(func(id uuid.UUID, ch *channel.Channel) bool {
		c := rpc.Channel{ID: id, Name: ch.Name(), Exports: ch.Exports()}
		if peer, ok := ch.Peer(); ok {
			c.PeerName = peer.Name
			c.PeerID = peer.ChannelID
		}
		reply.Channels = append(reply.Channels, c)
		return true
	})

	return nil
}

func (a *AdminAPI) Resolve(args *rpc.ResolveArgs, reply *rpc.ResolveReply) error {
	log.Infow("rpc", "event", "AdminAPI.Resolve", "args", args)
	fp, err := checksum.Parse(args.Fingerprint)
	if err != nil {
		return err
	}
	if fp.IsZero() {
		return fmt.Errorf("%w: zero fingerprint", checksum.ErrInvalidFingerprint)
	}

	path, err := a.Node.Resolve(context.Background(), args.ChannelID, fp)
	if err != nil {
		return err
	}

	reply.Path = path
	return nil
}

func toArchive(r *model.ArchiveRecord) rpc.Archive {
	return rpc.Archive{
		Fingerprint: r.Fingerprint.String(),
		Name:        r.Name,
		Path:        r.Path,
		Size:        r.Size,
	}
}
