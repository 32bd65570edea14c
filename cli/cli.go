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

package cli

import (
	"fmt"
	"io/ioutil"
	"os"
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"keychain/pgstore"
	"keychain/provider"
	"keychain/storage"
)

// Die prints err and exits. A nil err exits cleanly.
func Die(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%+v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// LoadSettings reads the settings file at path. An empty path yields the
// defaults.
func LoadSettings(path string) (*Settings, error) {
	if path == "" {
		settings := DefaultSettings()
		return &settings, nil
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read settings %q", path)
	}
	return ParseSettings(string(data))
}

// OpenLog configures logging per the settings: level and an optional
// log file.
func OpenLog(settings *Settings) {
	level, err := log.ParseLevel(strings.ToLower(settings.LogLevel))
	if err != nil {
		log.Warningf("invalid LogLevel=%q: %v", settings.LogLevel, err)
	} else {
		log.SetLevel(level)
	}

	if settings.LogFile != "" {
		f, err := os.OpenFile(settings.LogFile, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
		if err != nil {
			log.Errorf("failed to open LogFile=%q: %v", settings.LogFile, err)
			return
		}
		log.SetOutput(f)
	}
	log.Debug("log opened")
}

// DialStorage connects the configured storage backend.
func DialStorage(settings *Settings) (storage.Store, error) {
	switch settings.DB.Driver {
	case "postgres":
		return pgstore.Dial(settings.DB.DSN)
	}
	return nil, errors.Errorf("storage driver %q not supported", settings.DB.Driver)
}

// NewProvider connects storage and builds the provider on it.
func NewProvider(settings *Settings) (*provider.Provider, error) {
	st, err := DialStorage(settings)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot connect %q", settings.DB.Driver)
	}
	p, err := provider.New(st, provider.Config{
		Version:   settings.Version,
		CacheSize: settings.CacheSize,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	return p, nil
}
