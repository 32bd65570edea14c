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

package main

import (
	"flag"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"keychain/cli"
	"keychain/metrics"
	"keychain/openpgp"
	"keychain/provider"
	"keychain/storage"
)

var (
	configFile   = flag.String("config", "", "config file")
	armored      = flag.Bool("armor", false, "input files are ASCII armored")
	serveMetrics = flag.Bool("metrics", false, "serve metrics while importing")
)

func main() {
	flag.Parse()

	settings, err := cli.LoadSettings(*configFile)
	if err != nil {
		cli.Die(err)
	}
	cli.OpenLog(settings)

	args := flag.Args()
	if len(args) == 0 {
		log.Errorf("usage: %s [flags] <file1> [file2 .. fileN]", os.Args[0])
		cli.Die(errors.Errorf("missing keyring file arguments"))
	}

	if *serveMetrics {
		m := metrics.NewMetrics(settings.Metrics)
		m.Start()
		defer m.Stop()
	}

	err = load(settings, args)
	cli.Die(err)
}

func load(settings *cli.Settings, args []string) error {
	p, err := cli.NewProvider(settings)
	if err != nil {
		return err
	}
	defer p.Close()

	p.Subscribe(func(change storage.KeyringChange) error {
		log.Infof("%s", change)
		return nil
	})

	for _, arg := range args {
		matches, err := filepath.Glob(arg)
		if err != nil {
			log.Errorf("failed to match %q: %v", arg, err)
			continue
		}
		for _, file := range matches {
			err = loadFile(p, file)
			if err != nil {
				log.Errorf("failed to load %q: %v", file, err)
			}
		}
	}
	return nil
}

func loadFile(p *provider.Provider, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	log.Infof("loading %q", path)
	keys, err := readKeyRings(f)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if key.Secret {
			err = p.SaveSecretKeyRing(key)
		} else {
			err = p.SaveKeyRing(key)
		}
		if err != nil {
			log.Errorf("failed to save keyring %q: %v", key.Fingerprint(), err)
		}
	}
	return nil
}

func readKeyRings(r io.Reader) ([]*openpgp.PrimaryKey, error) {
	if *armored {
		return openpgp.ReadArmoredKeyRings(r)
	}
	return openpgp.ReadKeyRings(r)
}
