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

package provider

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"keychain/openpgp"
	"keychain/storage"
)

// exportableKeyRings loads and decodes the stored public keyrings for
// the given master key IDs, in stored order. A nil masterKeyIDs selects
// every stored public keyring; an explicitly empty set selects nothing.
// Keyrings that fail to decode are skipped with a warning; if nothing
// decodes, storage.ErrKeyringNotFound is returned.
func (p *Provider) exportableKeyRings(masterKeyIDs []int64) ([]*openpgp.PrimaryKey, error) {
	if masterKeyIDs != nil && len(masterKeyIDs) == 0 {
		return nil, errors.Wrapf(storage.ErrKeyringNotFound, "no keyrings requested")
	}
	rows, err := p.st.Query(storage.AllPublicKeyRingData(),
		[]string{storage.ColMasterKeyID, storage.ColKeyRingData},
		storage.InInts(storage.ColMasterKeyID, masterKeyIDs))
	if err != nil {
		return nil, errors.Wrapf(err, "cannot query keyrings for export")
	}

	var keys []*openpgp.PrimaryKey
	for _, row := range rows {
		blob, err := row[storage.ColKeyRingData].Bytes()
		if err != nil {
			log.Warningf("skipping corrupt keyring row: %v", err)
			continue
		}
		key, err := openpgp.ReadKeyRing(bytes.NewReader(blob))
		if err != nil {
			log.Warningf("skipping unreadable keyring: %v", err)
			continue
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, errors.WithStack(storage.ErrKeyringNotFound)
	}
	return keys, nil
}

// KeyRingsAsArmored writes the stored public keyrings for the given
// master key IDs to w as one armored block, with a Version header naming
// this provider. A nil masterKeyIDs exports every stored public keyring.
func (p *Provider) KeyRingsAsArmored(w io.Writer, masterKeyIDs []int64) error {
	keys, err := p.exportableKeyRings(masterKeyIDs)
	if err != nil {
		return err
	}
	err = openpgp.WriteArmored(w, keys, map[string]string{
		"Version": p.versionHeader(),
	})
	if err != nil {
		return errors.Wrapf(err, "cannot armor keyrings")
	}
	metrics.keyringsArmored.Add(float64(len(keys)))
	return nil
}

// KeyRingsAsArmoredString is KeyRingsAsArmored into a string.
func (p *Provider) KeyRingsAsArmoredString(masterKeyIDs []int64) (string, error) {
	var buf bytes.Buffer
	err := p.KeyRingsAsArmored(&buf, masterKeyIDs)
	if err != nil {
		return "", err
	}
	return buf.String(), nil
}

// KeyRingsAsArmoredStrings armors each selected keyring separately and
// returns the blocks in stored order, one string per keyring, each with
// its own Version header.
func (p *Provider) KeyRingsAsArmoredStrings(masterKeyIDs []int64) ([]string, error) {
	keys, err := p.exportableKeyRings(masterKeyIDs)
	if err != nil {
		return nil, err
	}
	headers := map[string]string{"Version": p.versionHeader()}
	armored := make([]string, 0, len(keys))
	for _, key := range keys {
		var buf bytes.Buffer
		err = openpgp.WriteArmored(&buf, []*openpgp.PrimaryKey{key}, headers)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot armor keyring %d", key.KeyID)
		}
		armored = append(armored, buf.String())
	}
	metrics.keyringsArmored.Add(float64(len(armored)))
	return armored, nil
}
