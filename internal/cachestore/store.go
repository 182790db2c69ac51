// Package cachestore holds named cache generations of captured HTTP responses.
package cachestore

import (
	"context"
	"errors"
	"net/http"
)

var (
	// ErrQuotaExceeded is returned by Put when a snapshot is larger than the
	// store accepts.
	ErrQuotaExceeded = errors.New("cachestore: quota exceeded")
	// ErrClosed is returned by operations on a closed store or a deleted generation.
	ErrClosed = errors.New("cachestore: closed")
)

// Response types, mirroring what a fetch reports for the response it got.
const (
	TypeBasic  = "basic"
	TypeCORS   = "cors"
	TypeOpaque = "opaque"
)

// Snapshot is an immutable captured copy of one HTTP response.
type Snapshot struct {
	URL    string
	Status int
	Header http.Header
	Body   []byte
	Type   string

	// Vary holds the request header values named by the response's Vary
	// header, captured from the request that produced it.
	Vary map[string]string

	StoredAt int64 // unix seconds
	Hash32   uint32
}

// Clone returns a deep copy, so callers can hand out snapshots without
// sharing header maps or body slices with the store.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Header = s.Header.Clone()
	if s.Body != nil {
		out.Body = append([]byte(nil), s.Body...)
	}
	if s.Vary != nil {
		out.Vary = make(map[string]string, len(s.Vary))
		for k, v := range s.Vary {
			out.Vary[k] = v
		}
	}
	return out
}

// Cache is one generation: a key -> snapshot map.
type Cache interface {
	Match(ctx context.Context, key string) (Snapshot, bool, error)
	// Put overwrites any entry with the same key.
	Put(ctx context.Context, key string, snap Snapshot) error
	Delete(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
}

// Storage is the registry of named generations.
type Storage interface {
	// Open returns the named generation, creating it if absent.
	Open(ctx context.Context, name string) (Cache, error)
	Has(ctx context.Context, name string) (bool, error)
	// Names lists generations in creation order.
	Names(ctx context.Context) ([]string, error)
	// Delete removes the generation and all its entries. It reports whether
	// the generation existed.
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
}
