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
	"strconv"

	"github.com/pkg/errors"

	"keychain/cli"
)

var (
	configFile = flag.String("config", "", "config file")
	outputFile = flag.String("output", "", "output file, stdout if empty")
)

func main() {
	flag.Parse()

	settings, err := cli.LoadSettings(*configFile)
	if err != nil {
		cli.Die(err)
	}
	cli.OpenLog(settings)

	var masterKeyIDs []int64
	for _, arg := range flag.Args() {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			cli.Die(errors.Wrapf(err, "invalid master key id %q", arg))
		}
		masterKeyIDs = append(masterKeyIDs, id)
	}

	err = export(settings, masterKeyIDs)
	cli.Die(err)
}

func export(settings *cli.Settings, masterKeyIDs []int64) error {
	p, err := cli.NewProvider(settings)
	if err != nil {
		return err
	}
	defer p.Close()

	var w io.Writer = os.Stdout
	if *outputFile != "" {
		f, err := os.Create(*outputFile)
		if err != nil {
			return errors.WithStack(err)
		}
		defer f.Close()
		w = f
	}
	return p.KeyRingsAsArmored(w, masterKeyIDs)
}
