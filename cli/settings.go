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

// Package cli holds the configuration and setup shared by the keychain
// command line tools.
package cli

import (
	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"

	"keychain/metrics"
)

const (
	DefaultDBDriver = "postgres"
	DefaultDBDSN    = "database=keychain host=/var/run/postgresql port=5432 sslmode=disable"
)

type DBConfig struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

const (
	DefaultLogLevel  = "INFO"
	DefaultCacheSize = 64
)

type Settings struct {
	DB DBConfig `toml:"db"`

	Metrics *metrics.Settings `toml:"metrics"`

	// CacheSize bounds the decoded keyring cache.
	CacheSize int `toml:"cacheSize"`

	LogFile  string `toml:"logfile"`
	LogLevel string `toml:"loglevel"`

	Software string `toml:"software"`
	Version  string `toml:"version"`
}

func DefaultSettings() Settings {
	return Settings{
		DB: DBConfig{
			Driver: DefaultDBDriver,
			DSN:    DefaultDBDSN,
		},
		Metrics:   metrics.DefaultSettings(),
		CacheSize: DefaultCacheSize,
		LogLevel:  DefaultLogLevel,
		Software:  "Keychain",
		Version:   "~unreleased",
	}
}

func ParseSettings(data string) (*Settings, error) {
	var doc struct {
		Keychain Settings `toml:"keychain"`
	}
	doc.Keychain = DefaultSettings()
	_, err := toml.Decode(data, &doc)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &doc.Keychain, nil
}
