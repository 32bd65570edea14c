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
	"github.com/pkg/errors"

	"keychain/storage"
)

// MasterKeyIDAbsent is returned by MasterKeyID when the locator resolves
// to no stored keyring.
const MasterKeyIDAbsent int64 = 0

// MasterKeyID resolves a locator to the master key ID of the keyring it
// addresses. Locators embedding a numeric ID resolve without touching
// the store; find locators and blob locators are resolved by querying
// the addressed rows. A locator that matches nothing resolves to
// MasterKeyIDAbsent rather than an error.
func (p *Provider) MasterKeyID(l storage.Locator) (int64, error) {
	if id, ok := l.EmbeddedMasterKeyID(); ok {
		return id, nil
	}
	rows, err := p.st.Query(l, []string{storage.ColMasterKeyID}, storage.NoFilter)
	if err != nil {
		return MasterKeyIDAbsent, errors.Wrapf(err, "cannot resolve %q", l)
	}
	if len(rows) == 0 {
		return MasterKeyIDAbsent, nil
	}
	id, err := rows[0][storage.ColMasterKeyID].Int64()
	if err != nil {
		// A non-integer value resolves to absent, like no row at all.
		return MasterKeyIDAbsent, nil
	}
	return id, nil
}

// GenericData returns the first row matching the locator, restricted to
// the projected columns. storage.ErrNotFound is returned when no row
// matches.
func (p *Provider) GenericData(l storage.Locator, projection []string) (storage.Row, error) {
	rows, err := p.st.Query(l, projection, storage.NoFilter)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot query %q", l)
	}
	if len(rows) == 0 {
		return nil, errors.Wrapf(storage.ErrNotFound, "no row at %q", l)
	}
	return rows[0], nil
}

// GenericDatum returns a single column of the first row matching the
// locator.
func (p *Provider) GenericDatum(l storage.Locator, column string) (storage.Value, error) {
	row, err := p.GenericData(l, []string{column})
	if err != nil {
		return storage.NullValue, err
	}
	v, ok := row[column]
	if !ok {
		return storage.NullValue, errors.Wrapf(storage.ErrNotFound, "no column %q at %q", column, l)
	}
	return v, nil
}

// UnifiedData returns the unified summary row for a keyring: master key
// ID and key ID, primary user ID and secret key availability.
func (p *Provider) UnifiedData(masterKeyID int64) (storage.Row, error) {
	return p.GenericData(storage.KeyRingUnified(masterKeyID), nil)
}

// HasSecretKey reports whether a secret keyring blob is stored for the
// master key ID.
func (p *Provider) HasSecretKey(masterKeyID int64) (bool, error) {
	id, err := p.MasterKeyID(storage.KeyRingData(true, masterKeyID))
	if err != nil {
		return false, err
	}
	return id != MasterKeyIDAbsent, nil
}
