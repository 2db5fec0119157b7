// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 RDMA Exporter Contributors

// Package geoip resolves RoCEv2 source addresses to ISO country codes for
// the country metric label.
package geoip

import (
	"log/slog"
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"

	"github.com/rdma-exporter-ebpf/internal/types"
)

const (
	defaultCacheSize = 4096
	Unknown          = "UNKNOWN"
)

type countryReader interface {
	Country(ip net.IP) (*geoip2.Country, error)
	Close() error
}

// Lookup provides GeoIP country lookup with LRU cache.
// Uses MaxMind GeoLite2-Country; unknown/private → "UNKNOWN".
// A nil *Lookup is valid and answers "UNKNOWN" for everything.
type Lookup struct {
	mu    sync.RWMutex
	db    countryReader
	cache *lruCache[types.SourceKey, string]
}

// NewWithCacheSize opens the MaxMind GeoLite2-Country database at path.
// If cacheSize <= 0, defaultCacheSize is used.
func NewWithCacheSize(path string, cacheSize int) (*Lookup, error) {
	slog.Debug("opening GeoIP database", "path", path, "cache_size", cacheSize)
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	slog.Info("GeoIP database opened", "path", path)
	return newLookup(db, cacheSize), nil
}

func newLookup(db countryReader, cacheSize int) *Lookup {
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	return &Lookup{
		db:    db,
		cache: newLRUCache[types.SourceKey, string](cacheSize),
	}
}

func (l *Lookup) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	if err != nil {
		slog.Error("GeoIP database close failed", "err", err)
		return err
	}
	slog.Info("GeoIP database closed")
	return nil
}

// Country returns the ISO country code of a source address.
func (l *Lookup) Country(key types.SourceKey) string {
	if l == nil {
		return Unknown
	}
	if cc, ok := l.cache.get(key); ok {
		return cc
	}
	l.mu.RLock()
	db := l.db
	l.mu.RUnlock()
	if db == nil {
		slog.Warn("GeoIP lookup after close", "ip", key.String())
		return Unknown
	}

	b := key.Bytes()
	record, err := db.Country(net.IP(b[:]))
	if err != nil {
		slog.Warn("GeoIP country lookup failed", "ip", key.String(), "err", err)
		l.cache.put(key, Unknown)
		return Unknown
	}
	cc := Unknown
	if record.Country.IsoCode != "" {
		cc = record.Country.IsoCode
	}
	slog.Debug("GeoIP cache miss", "ip", key.String(), "country", cc)
	l.cache.put(key, cc)
	return cc
}
