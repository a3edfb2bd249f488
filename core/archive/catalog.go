package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	ds "github.com/ipfs/go-datastore"
	dsq "github.com/ipfs/go-datastore/query"
	dslvl "github.com/ipfs/go-ds-leveldb"
	"github.com/pyropy/remoting/core/model"
	"github.com/pyropy/remoting/lib/checksum"
	"github.com/pyropy/remoting/lib/logger"
	"github.com/pyropy/remoting/lib/lru"
)

var log, _ = logger.New("archive-catalog")

var (
	ErrArchiveNotFound = errors.New("archive not found")
	ErrArchiveChanged  = errors.New("archive changed on disk since it was registered")
)

// MaxCachedSize is the largest archive kept in memory after being served.
const MaxCachedSize = 1 << 20

// Catalog records the archives this node serves, keyed by fingerprint.
type Catalog struct {
	Archives *dslvl.Datastore
	LRU      *lru.Cache[checksum.Fingerprint, []byte]
}

// Open opens or creates the catalog under dsPath. lruSize is the number of
// small archives kept in memory.
func Open(dsPath string, lruSize int) (*Catalog, error) {
	p := fmt.Sprintf("%s/archives", dsPath)
	store, err := dslvl.NewDatastore(p, nil)
	if err != nil {
		return nil, err
	}

	cache := lru.New[checksum.Fingerprint, []byte](lruSize)
	cache.OnEvict = func(fp checksum.Fingerprint, data []byte) {
		log.Debugw("evict", "fingerprint", fp, "size", len(data))
	}

	return &Catalog{
		Archives: store,
		LRU:      cache,
	}, nil
}

func (c *Catalog) Close() error {
	return c.Archives.Close()
}

// Register fingerprints the file at path and records it.
func (c *Catalog) Register(ctx context.Context, path string) (*model.ArchiveRecord, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fp, size, err := checksum.CalculateReader(f)
	if err != nil {
		return nil, err
	}

	record := model.NewArchiveRecord(fp, filepath.Base(abs), abs, size)
	b, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}

	if err := c.Archives.Put(ctx, key(fp), b); err != nil {
		return nil, err
	}

	log.Infow("register", "fingerprint", fp, "path", abs, "size", size)
	return &record, nil
}

func (c *Catalog) Get(ctx context.Context, fp checksum.Fingerprint) (*model.ArchiveRecord, error) {
	b, err := c.Archives.Get(ctx, key(fp))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrArchiveNotFound, fp)
	}
	if err != nil {
		return nil, err
	}

	var record model.ArchiveRecord
	if err := json.Unmarshal(b, &record); err != nil {
		return nil, err
	}

	return &record, nil
}

func (c *Catalog) Remove(ctx context.Context, fp checksum.Fingerprint) error {
	c.LRU.Remove(fp)
	return c.Archives.Delete(ctx, key(fp))
}

func (c *Catalog) All(ctx context.Context) ([]*model.ArchiveRecord, error) {
	q := dsq.Query{}
	records := make([]*model.ArchiveRecord, 0)

	res, err := c.Archives.Query(ctx, q)
	if err != nil {
		return records, err
	}
	defer res.Close()

	for {
		r, hasNext := res.NextSync()
		if !hasNext {
			break
		}
		if r.Error != nil {
			return records, r.Error
		}

		var record model.ArchiveRecord
		if err := json.Unmarshal(r.Value, &record); err != nil {
			return records, err
		}
		records = append(records, &record)
	}

	return records, nil
}

// WriteArchive streams the archive with fingerprint fp into w. Small archives
// are verified and kept in memory; larger ones are verified after streaming.
func (c *Catalog) WriteArchive(ctx context.Context, fp checksum.Fingerprint, w io.Writer) error {
	if data, ok := c.LRU.Get(fp); ok {
		_, err := w.Write(data)
		return err
	}

	record, err := c.Get(ctx, fp)
	if err != nil {
		return err
	}

	if record.Size <= MaxCachedSize {
		data, err := os.ReadFile(record.Path)
		if err != nil {
			return err
		}
		if checksum.Calculate(data) != fp {
			return fmt.Errorf("%w: %s", ErrArchiveChanged, record.Path)
		}

		c.LRU.Put(fp, data)
		_, err = io.Copy(w, bytes.NewReader(data))
		return err
	}

	f, err := os.Open(record.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := checksum.NewHasher()
	if _, err := io.Copy(io.MultiWriter(w, h), f); err != nil {
		return err
	}
	if h.Fingerprint() != fp {
		return fmt.Errorf("%w: %s", ErrArchiveChanged, record.Path)
	}

	return nil
}

func key(fp checksum.Fingerprint) ds.Key {
	return ds.NewKey(fp.String())
}
