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

	"github.com/pkg/errors"

	"keychain/openpgp"
	"keychain/storage"
)

// PublicKeyRing returns the decoded public keyring stored under the
// master key ID.
func (p *Provider) PublicKeyRing(masterKeyID int64) (*openpgp.PrimaryKey, error) {
	return p.keyRing(false, masterKeyID)
}

// SecretKeyRing returns the decoded secret keyring stored under the
// master key ID.
func (p *Provider) SecretKeyRing(masterKeyID int64) (*openpgp.PrimaryKey, error) {
	return p.keyRing(true, masterKeyID)
}

func (p *Provider) keyRing(secret bool, masterKeyID int64) (*openpgp.PrimaryKey, error) {
	if cached, ok := p.cacheGet(masterKeyID, secret); ok {
		return cached.(*openpgp.PrimaryKey), nil
	}
	blob, err := p.storedBlob(secret, masterKeyID)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, errors.Wrapf(storage.ErrKeyringNotFound, "keyring %d", masterKeyID)
	}
	key, err := openpgp.ReadKeyRing(bytes.NewReader(blob))
	if err != nil {
		return nil, errors.Wrapf(err, "corrupt keyring %d", masterKeyID)
	}
	p.cacheAdd(masterKeyID, secret, key)
	return key, nil
}

// PublicKeyRingByKeyID returns the public keyring owning the given key
// ID, master key or subkey.
func (p *Provider) PublicKeyRingByKeyID(keyID int64) (*openpgp.PrimaryKey, error) {
	masterKeyID, err := p.masterKeyIDForKeyID(keyID)
	if err != nil {
		return nil, err
	}
	return p.PublicKeyRing(masterKeyID)
}

// SecretKeyRingByKeyID returns the secret keyring owning the given key
// ID, master key or subkey.
func (p *Provider) SecretKeyRingByKeyID(keyID int64) (*openpgp.PrimaryKey, error) {
	masterKeyID, err := p.masterKeyIDForKeyID(keyID)
	if err != nil {
		return nil, err
	}
	return p.SecretKeyRing(masterKeyID)
}

func (p *Provider) masterKeyIDForKeyID(keyID int64) (int64, error) {
	masterKeyID, err := p.MasterKeyID(storage.FindSubKey(keyID))
	if err != nil {
		return MasterKeyIDAbsent, err
	}
	if masterKeyID == MasterKeyIDAbsent {
		return MasterKeyIDAbsent, errors.Wrapf(storage.ErrKeyringNotFound, "no keyring owns key %d", keyID)
	}
	return masterKeyID, nil
}
