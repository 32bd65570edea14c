/*
   Keychain - OpenPGP keyring storage
   Copyright (C) 2014  The Keychain Developers

   This program is free software: you can redistribute it and/or modify
   it under the terms of the GNU Affero General Public License as published by
   the Free Software Foundation, version 3.

   This program is distributed in the hope that it will be useful,
   but WITHOUT ANY WARRANTY; without even the implied warranty of
   MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
   GNU Affero General Public License for more details.

   You should have received a copy of the GNU Affero General Public License
   along with this program.  If not, see <http://www.gnu.org/licenses/>.
*/

// Package provider implements keyring persistence on top of a
// storage.Store. It owns the save and lookup semantics: replace-in-place
// public saves that preserve a stored secret keyring, batched writes of
// the rows derived from keyring material, locator-based master key ID
// resolution, armored export, and the settings kept for registered API
// apps and their accounts.
package provider

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"

	"keychain/storage"
)

const defaultCacheSize = 64

// Config carries provider construction parameters.
type Config struct {
	// Version is reported in armored export headers.
	Version string

	// CacheSize bounds the decoded keyring cache. Zero selects the
	// default.
	CacheSize int
}

// Provider mediates access to stored keyrings.
type Provider struct {
	st      storage.Store
	version string

	mu    sync.Mutex
	cache *lru.Cache
}

// New builds a Provider on the given store.
func New(st storage.Store, cfg Config) (*Provider, error) {
	size := cfg.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	registerMetrics()
	return &Provider{
		st:      st,
		version: cfg.Version,
		cache:   cache,
	}, nil
}

// Close releases the underlying store.
func (p *Provider) Close() error {
	return p.st.Close()
}

// Subscribe registers a callback for keyring mutation events.
func (p *Provider) Subscribe(f func(storage.KeyringChange) error) {
	p.st.Subscribe(f)
}

type cacheKey struct {
	masterKeyID int64
	secret      bool
}

func (p *Provider) cacheGet(masterKeyID int64, secret bool) (interface{}, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	v, ok := p.cache.Get(cacheKey{masterKeyID, secret})
	if ok {
		metrics.cacheHits.Inc()
	} else {
		metrics.cacheMisses.Inc()
	}
	return v, ok
}

func (p *Provider) cacheAdd(masterKeyID int64, secret bool, key interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Add(cacheKey{masterKeyID, secret}, key)
}

func (p *Provider) cacheInvalidate(masterKeyID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Remove(cacheKey{masterKeyID, false})
	p.cache.Remove(cacheKey{masterKeyID, true})
}

func (p *Provider) versionHeader() string {
	if p.version == "" {
		return "Keychain"
	}
	return fmt.Sprintf("Keychain v%s", p.version)
}
