package cachestore

import (
	"context"
	"fmt"
	"path/filepath"
)

// Drivers accepted by Open.
const (
	DriverMemory  = "memory"
	DriverLevelDB = "leveldb"
	DriverSQLite  = "sqlite"
)

// Options selects and tunes a storage backend.
type Options struct {
	Driver string
	// Path is the leveldb directory or the sqlite file; ignored for memory.
	Path string
	// MaxEntryBytes rejects larger bodies with ErrQuotaExceeded. Zero disables the check.
	MaxEntryBytes int64
}

// Open builds the storage backend described by opts.
func Open(opts Options) (Storage, error) {
	var (
		st  Storage
		err error
	)
	switch opts.Driver {
	case "", DriverMemory:
		st = NewMemory()
	case DriverLevelDB:
		path := opts.Path
		if path == "" {
			path = "./data/leveldb"
		}
		st, err = NewLevelDB(path)
	case DriverSQLite:
		path := opts.Path
		if path == "" {
			path = filepath.Join(".", "data", "offcache.db")
		}
		st, err = NewSQLite(path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", opts.Driver)
	}
	if err != nil {
		return nil, err
	}
	if opts.MaxEntryBytes > 0 {
		st = WithQuota(st, opts.MaxEntryBytes)
	}
	return st, nil
}

// WithQuota wraps st so that Put rejects bodies larger than maxBytes.
func WithQuota(st Storage, maxBytes int64) Storage {
	return &quotaStorage{Storage: st, max: maxBytes}
}

type quotaStorage struct {
	Storage
	max int64
}

func (q *quotaStorage) Open(ctx context.Context, name string) (Cache, error) {
	c, err := q.Storage.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &quotaCache{Cache: c, max: q.max}, nil
}

type quotaCache struct {
	Cache
	max int64
}

func (q *quotaCache) Put(ctx context.Context, key string, snap Snapshot) error {
	if int64(len(snap.Body)) > q.max {
		return fmt.Errorf("%s: %d bytes over %d: %w", key, len(snap.Body), q.max, ErrQuotaExceeded)
	}
	return q.Cache.Put(ctx, key, snap)
}
