package offcache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"offcache/internal/cachestore"
)

var (
	// ErrInstallFailed wraps the first manifest asset that could not be fetched or stored.
	ErrInstallFailed = errors.New("install failed")
	// ErrNoFallback is returned when the network failed and nothing in the
	// cache could stand in for the response.
	ErrNoFallback = errors.New("network failed and no cached fallback")
	// ErrBadState is returned by lifecycle calls made out of order.
	ErrBadState = errors.New("invalid lifecycle state")
	// ErrNotActive is reported while no version is serving requests.
	ErrNotActive = errors.New("no active version")
)

// StrategyKind names how a request is resolved.
type StrategyKind string

const (
	CacheFirst   StrategyKind = "cache-first"
	NetworkFirst StrategyKind = "network-first"
	// Bypass sends the request to the network and never touches the cache.
	Bypass StrategyKind = "bypass"
)

func parseStrategy(s string) (StrategyKind, error) {
	switch k := StrategyKind(s); k {
	case CacheFirst, NetworkFirst, Bypass:
		return k, nil
	}
	return "", fmt.Errorf("unknown strategy %q", s)
}

// State is the lifecycle position of one Proxy version.
type State int

const (
	StateUninstalled State = iota
	StateInstalling
	StateInstalled // waiting to activate
	StateActivating
	StateActive
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateUninstalled:
		return "uninstalled"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

// Source reports where a response came from. The values double as the
// X-Offcache response header.
type Source string

const (
	SourceHit      Source = "hit"      // cache, no network call
	SourceMiss     Source = "miss"     // cache miss, fetched from network
	SourceNetwork  Source = "network"  // network-first, network answered
	SourceFallback Source = "fallback" // network-first, exact cached copy
	SourceShell    Source = "shell"    // network-first, page shell for an HTML request
	SourceBypass   Source = "bypass"
)

// Result is one resolved request.
type Result struct {
	Snapshot cachestore.Snapshot
	Source   Source
	// Route is the strategy label that handled the request: a StrategyKind or "default".
	Route string
}

// Response builds an *http.Response for req from the snapshot.
func (r Result) Response(req *http.Request) *http.Response {
	body := r.Snapshot.Body
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", r.Snapshot.Status, http.StatusText(r.Snapshot.Status)),
		StatusCode:    r.Snapshot.Status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        r.Snapshot.Header.Clone(),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// RequestKey is the cache identity of a GET request: the method and the
// absolute URL without its fragment. Header-dependent identity is checked
// against the stored snapshot's Vary values on match.
func RequestKey(u *url.URL) string {
	cp := *u
	cp.Fragment = ""
	cp.RawFragment = ""
	return http.MethodGet + " " + cp.String()
}

// Intercepts reports whether req is eligible for the proxy at all: GET over
// http or https. Everything else passes through untouched.
func Intercepts(req *http.Request) bool {
	if req.Method != http.MethodGet && req.Method != "" {
		return false
	}
	if req.URL == nil {
		return false
	}
	return req.URL.Scheme == "http" || req.URL.Scheme == "https"
}
