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

// ApiApp is a registered client application, identified by package name
// and pinned to a package signature.
type ApiApp struct {
	PackageName      string
	PackageSignature []byte
}

// ApiAccount carries the per-account settings of a registered app.
type ApiAccount struct {
	PackageName         string
	AccountName         string
	KeyID               int64
	Compression         int64
	EncryptionAlgorithm int64
	HashAlgorithm       int64
}

func apiAppRow(app ApiApp) storage.Row {
	return storage.Row{
		storage.ColPackageName:      storage.TextValue(app.PackageName),
		storage.ColPackageSignature: storage.BytesValue(app.PackageSignature),
	}
}

func apiAppFromRow(row storage.Row) (ApiApp, error) {
	var app ApiApp
	var err error
	app.PackageName, err = row[storage.ColPackageName].Text()
	if err != nil {
		return app, errors.Wrapf(err, "corrupt api app row")
	}
	app.PackageSignature, err = row[storage.ColPackageSignature].Bytes()
	if err != nil {
		return app, errors.Wrapf(err, "corrupt api app row")
	}
	return app, nil
}

func apiAccountRow(account ApiAccount) storage.Row {
	return storage.Row{
		storage.ColAccountName:    storage.TextValue(account.AccountName),
		storage.ColKeyID:          storage.IntValue(account.KeyID),
		storage.ColCompression:    storage.IntValue(account.Compression),
		storage.ColEncryptionAlgo: storage.IntValue(account.EncryptionAlgorithm),
		storage.ColHashAlgo:       storage.IntValue(account.HashAlgorithm),
	}
}

func apiAccountFromRow(row storage.Row) (ApiAccount, error) {
	var account ApiAccount
	var err error
	if account.PackageName, err = row[storage.ColPackageName].Text(); err != nil {
		return account, errors.Wrapf(err, "corrupt api account row")
	}
	if account.AccountName, err = row[storage.ColAccountName].Text(); err != nil {
		return account, errors.Wrapf(err, "corrupt api account row")
	}
	if account.KeyID, err = row[storage.ColKeyID].Int64(); err != nil {
		return account, errors.Wrapf(err, "corrupt api account row")
	}
	if account.Compression, err = row[storage.ColCompression].Int64(); err != nil {
		return account, errors.Wrapf(err, "corrupt api account row")
	}
	if account.EncryptionAlgorithm, err = row[storage.ColEncryptionAlgo].Int64(); err != nil {
		return account, errors.Wrapf(err, "corrupt api account row")
	}
	if account.HashAlgorithm, err = row[storage.ColHashAlgo].Int64(); err != nil {
		return account, errors.Wrapf(err, "corrupt api account row")
	}
	return account, nil
}

// InsertApiApp registers a client application.
func (p *Provider) InsertApiApp(app ApiApp) error {
	_, err := p.st.Insert(storage.ApiApps(), apiAppRow(app))
	return errors.Wrapf(err, "cannot register app %q", app.PackageName)
}

// UpdateApiApp rewrites the settings of a registered app. Updating an
// unregistered app returns storage.ErrNoRowsAffected.
func (p *Provider) UpdateApiApp(app ApiApp) error {
	n, err := p.st.Update(storage.ApiApp(app.PackageName), apiAppRow(app), storage.NoFilter)
	if err != nil {
		return errors.Wrapf(err, "cannot update app %q", app.PackageName)
	}
	if n == 0 {
		return errors.Wrapf(storage.ErrNoRowsAffected, "app %q", app.PackageName)
	}
	return nil
}

// DeleteApiApp unregisters an app and removes its accounts.
func (p *Provider) DeleteApiApp(packageName string) error {
	_, err := p.st.Delete(storage.ApiApp(packageName), storage.NoFilter)
	return errors.Wrapf(err, "cannot delete app %q", packageName)
}

// ApiAppSettings returns the settings of a registered app, or
// storage.ErrNotFound.
func (p *Provider) ApiAppSettings(packageName string) (ApiApp, error) {
	row, err := p.GenericData(storage.ApiApp(packageName), nil)
	if err != nil {
		return ApiApp{}, err
	}
	return apiAppFromRow(row)
}

// ApiAppSignature returns the pinned package signature of a registered
// app.
func (p *Provider) ApiAppSignature(packageName string) ([]byte, error) {
	v, err := p.GenericDatum(storage.ApiApp(packageName), storage.ColPackageSignature)
	if err != nil {
		return nil, err
	}
	sig, err := v.Bytes()
	if err != nil {
		return nil, errors.Wrapf(err, "corrupt signature for app %q", packageName)
	}
	return sig, nil
}

// RegisteredApiApps returns all registered apps.
func (p *Provider) RegisteredApiApps() ([]ApiApp, error) {
	rows, err := p.st.Query(storage.ApiApps(), nil, storage.NoFilter)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot list registered apps")
	}
	var apps []ApiApp
	for _, row := range rows {
		app, err := apiAppFromRow(row)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, nil
}

// InsertApiAccount stores the settings of a new account under a
// registered app.
func (p *Provider) InsertApiAccount(account ApiAccount) error {
	_, err := p.st.Insert(storage.ApiAccounts(account.PackageName), apiAccountRow(account))
	return errors.Wrapf(err, "cannot add account %q/%q", account.PackageName, account.AccountName)
}

// UpdateApiAccount rewrites the settings of an existing account.
// Updating a missing account returns storage.ErrNoRowsAffected.
func (p *Provider) UpdateApiAccount(account ApiAccount) error {
	n, err := p.st.Update(storage.ApiAccount(account.PackageName, account.AccountName),
		apiAccountRow(account), storage.NoFilter)
	if err != nil {
		return errors.Wrapf(err, "cannot update account %q/%q", account.PackageName, account.AccountName)
	}
	if n == 0 {
		return errors.Wrapf(storage.ErrNoRowsAffected, "account %q/%q", account.PackageName, account.AccountName)
	}
	return nil
}

// DeleteApiAccount removes one account of a registered app.
func (p *Provider) DeleteApiAccount(packageName, accountName string) error {
	_, err := p.st.Delete(storage.ApiAccount(packageName, accountName), storage.NoFilter)
	return errors.Wrapf(err, "cannot delete account %q/%q", packageName, accountName)
}

// ApiAccountSettings returns the settings of one account, or
// storage.ErrNotFound.
func (p *Provider) ApiAccountSettings(packageName, accountName string) (ApiAccount, error) {
	row, err := p.GenericData(storage.ApiAccount(packageName, accountName), nil)
	if err != nil {
		return ApiAccount{}, err
	}
	return apiAccountFromRow(row)
}

// AllKeyIDsForApp returns the key IDs configured across all accounts of
// an app.
func (p *Provider) AllKeyIDsForApp(packageName string) ([]int64, error) {
	rows, err := p.st.Query(storage.ApiAccounts(packageName), []string{storage.ColKeyID}, storage.NoFilter)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot list key ids for app %q", packageName)
	}
	var keyIDs []int64
	for _, row := range rows {
		keyID, err := row[storage.ColKeyID].Int64()
		if err != nil {
			return nil, errors.Wrapf(err, "corrupt api account row for app %q", packageName)
		}
		keyIDs = append(keyIDs, keyID)
	}
	return keyIDs, nil
}
