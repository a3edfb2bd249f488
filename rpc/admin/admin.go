package admin

import (
	"github.com/google/uuid"
)

type Admin interface {
	// Stats reports channel, catalog and cache counters.
	Stats(args StatsArgs, reply StatsReply) error
	// Register adds an archive file to the catalog served to peers.
	Register(args RegisterArgs, reply RegisterReply) error
	// Archives lists the catalog.
	Archives(args ArchivesArgs, reply ArchivesReply) error
	// Channels lists open channels.
	Channels(args ChannelsArgs, reply ChannelsReply) error
	// Resolve resolves a fingerprint through an open channel.
	Resolve(args ResolveArgs, reply ResolveReply) error
}

type StatsArgs struct {
}

type StatsReply struct {
	Channels int
	Archives int

	CacheHits     uint64
	CacheMisses   uint64
	CacheShared   uint64
	CacheFetches  uint64
	CacheFailures uint64
}

type RegisterArgs struct {
	Path string
}

type Archive struct {
	Fingerprint string
	Name        string
	Path        string
	Size        int64
}

type RegisterReply struct {
	Archive Archive
}

type ArchivesArgs struct {
}

type ArchivesReply struct {
	Archives []Archive
}

type Channel struct {
	ID       uuid.UUID
	Name     string
	PeerName string
	PeerID   uuid.UUID
	Exports  int
}

type ChannelsArgs struct {
}

type ChannelsReply struct {
	Channels []Channel
}

type ResolveArgs struct {
	ChannelID   uuid.UUID
	Fingerprint string
}

type ResolveReply struct {
	Path string
}
