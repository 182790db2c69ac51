// Offcache is a caching reverse proxy that keeps a site usable offline:
// static assets are served cache-first, pages network-first with a cached
// fallback, and every release gets a fresh cache generation.
package main

import (
	"flag"
	"fmt"
	"os"

	"offcache/internal/offcache"
)

var (
	version = "dev"
	// cacheVersion is stamped by release builds with -ldflags "-X main.cacheVersion=...".
	cacheVersion = ""
)

func main() {
	configPath := flag.String("config", getenvDefault("OFFCACHE_CONFIG", "configs/offcache.yaml"), "path to config file")
	genVersion := flag.String("cache-version", cacheVersion, "cache generation name; overrides cache.version")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("offcache", version)
		os.Exit(0)
	}
	if err := run(*configPath, offcache.WithCacheVersion(*genVersion)); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
