package model

import (
	"time"

	"github.com/pyropy/remoting/lib/checksum"
)

// ArchiveRecord describes a code archive this node can serve to its peers.
type ArchiveRecord struct {
	Fingerprint  checksum.Fingerprint
	Name         string
	Path         string // archive path on disk
	Size         int64
	RegisteredAt time.Time
}

func NewArchiveRecord(fp checksum.Fingerprint, name, path string, size int64) ArchiveRecord {
	return ArchiveRecord{
		Fingerprint:  fp,
		Name:         name,
		Path:         path,
		Size:         size,
		RegisteredAt: time.Now().UTC(),
	}
}
