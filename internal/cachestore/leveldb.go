package cachestore

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	g:<generation>           -> gob(genMeta)
//	e:<generation>\x00<key>  -> gob(Snapshot)
const (
	genPrefix   = "g:"
	entryPrefix = "e:"
	keySep      = "\x00"
)

type genMeta struct {
	Seq       uint64
	CreatedAt int64
}

// LevelDB persists generations in a goleveldb database on disk.
type LevelDB struct {
	db *leveldb.DB

	// mu serializes generation create/delete with entry writes.
	mu  sync.Mutex
	seq uint64
}

// NewLevelDB opens (or creates) the database at path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb %q: %w", path, err)
	}
	l := &LevelDB{db: db}
	if err := l.loadSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *LevelDB) loadSeq() error {
	it := l.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	defer it.Release()
	for it.Next() {
		var meta genMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		if meta.Seq > l.seq {
			l.seq = meta.Seq
		}
	}
	return it.Error()
}

func (l *LevelDB) Open(_ context.Context, name string) (Cache, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	gk := []byte(genPrefix + name)
	ok, err := l.db.Has(gk, nil)
	if err != nil {
		return nil, wrapLevelDBErr(err)
	}
	if !ok {
		l.seq++
		b, err := encodeGob(genMeta{Seq: l.seq, CreatedAt: time.Now().Unix()})
		if err != nil {
			return nil, err
		}
		if err := l.db.Put(gk, b, nil); err != nil {
			return nil, wrapLevelDBErr(err)
		}
	}
	return &levelCache{l: l, db: l.db, name: name}, nil
}

func (l *LevelDB) Has(_ context.Context, name string) (bool, error) {
	ok, err := l.db.Has([]byte(genPrefix+name), nil)
	return ok, wrapLevelDBErr(err)
}

func (l *LevelDB) Names(_ context.Context) ([]string, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(genPrefix)), nil)
	defer it.Release()

	type gen struct {
		name string
		seq  uint64
	}
	var gens []gen
	for it.Next() {
		var meta genMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		gens = append(gens, gen{
			name: string(bytes.TrimPrefix(it.Key(), []byte(genPrefix))),
			seq:  meta.Seq,
		})
	}
	if err := it.Error(); err != nil {
		return nil, wrapLevelDBErr(err)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i].seq < gens[j].seq })
	out := make([]string, len(gens))
	for i, g := range gens {
		out[i] = g.name
	}
	return out, nil
}

// Delete drops the generation marker first so a partially deleted
// generation is no longer reported by Has/Names, then sweeps its entries.
func (l *LevelDB) Delete(_ context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	gk := []byte(genPrefix + name)
	ok, err := l.db.Has(gk, nil)
	if err != nil {
		return false, wrapLevelDBErr(err)
	}
	if err := l.db.Delete(gk, nil); err != nil {
		return false, wrapLevelDBErr(err)
	}

	it := l.db.NewIterator(util.BytesPrefix([]byte(entryPrefix+name+keySep)), nil)
	defer it.Release()
	batch := new(leveldb.Batch)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	if err := it.Error(); err != nil {
		return ok, wrapLevelDBErr(err)
	}
	if err := l.db.Write(batch, nil); err != nil {
		return ok, wrapLevelDBErr(err)
	}
	return ok || batch.Len() > 0, nil
}

func (l *LevelDB) Close() error {
	return l.db.Close()
}

type levelCache struct {
	l    *LevelDB
	db   *leveldb.DB
	name string
}

func (c *levelCache) entryKey(key string) []byte {
	return []byte(entryPrefix + c.name + keySep + key)
}

func (c *levelCache) Match(_ context.Context, key string) (Snapshot, bool, error) {
	b, err := c.db.Get(c.entryKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, wrapLevelDBErr(err)
	}
	var snap Snapshot
	if err := decodeGob(b, &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode %q: %w", key, err)
	}
	return snap, true, nil
}

func (c *levelCache) Put(_ context.Context, key string, snap Snapshot) error {
	b, err := encodeGob(snap)
	if err != nil {
		return err
	}

	// The marker check and the write must not interleave with Delete.
	c.l.mu.Lock()
	defer c.l.mu.Unlock()
	ok, err := c.db.Has([]byte(genPrefix+c.name), nil)
	if err != nil {
		return wrapLevelDBErr(err)
	}
	if !ok {
		return fmt.Errorf("generation %q: %w", c.name, ErrClosed)
	}
	return wrapLevelDBErr(c.db.Put(c.entryKey(key), b, nil))
}

func (c *levelCache) Delete(_ context.Context, key string) (bool, error) {
	ek := c.entryKey(key)
	ok, err := c.db.Has(ek, nil)
	if err != nil || !ok {
		return false, wrapLevelDBErr(err)
	}
	return true, wrapLevelDBErr(c.db.Delete(ek, nil))
}

func (c *levelCache) Keys(_ context.Context) ([]string, error) {
	prefix := []byte(entryPrefix + c.name + keySep)
	it := c.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return out, wrapLevelDBErr(it.Error())
}

func wrapLevelDBErr(err error) error {
	if errors.Is(err, leveldb.ErrClosed) {
		return ErrClosed
	}
	return err
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
