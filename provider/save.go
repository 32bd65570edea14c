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
	log "github.com/sirupsen/logrus"

	"keychain/openpgp"
	"keychain/storage"
)

// SaveKeyRing stores a public keyring, replacing any stored keyring with
// the same master key ID. A stored secret keyring blob survives the
// replacement. The rows derived from the keyring material are written as
// one atomic batch after the blob itself; a batch failure leaves the
// blob stored, still restores the secret blob, and is surfaced both as
// an error and as a KeyringBatchFailed event.
func (p *Provider) SaveKeyRing(key *openpgp.PrimaryKey) error {
	if key.Secret {
		return errors.Errorf("expected public keyring, got secret")
	}
	masterKeyID := key.KeyID
	p.cacheInvalidate(masterKeyID)

	// Capture any stored secret blob before the replacement removes it.
	secretBlob, err := p.storedBlob(true, masterKeyID)
	if err != nil {
		return err
	}

	removed, err := p.st.Delete(storage.KeyRingData(false, masterKeyID), storage.NoFilter)
	if err != nil {
		if errors.Cause(err) != storage.ErrUnsupportedOperation {
			return errors.Wrapf(err, "cannot remove keyring %d", masterKeyID)
		}
		log.Debugf("delete not supported for keyring %d, inserting fresh", masterKeyID)
	}

	blob, err := key.Encode()
	if err != nil {
		return errors.Wrapf(err, "cannot encode keyring %d", masterKeyID)
	}
	_, err = p.st.Insert(storage.KeyRingData(false, masterKeyID), storage.Row{
		storage.ColMasterKeyID: storage.IntValue(masterKeyID),
		storage.ColKeyRingData: storage.BytesValue(blob),
	})
	if err != nil {
		return errors.Wrapf(err, "cannot store keyring %d", masterKeyID)
	}

	batchErr := p.st.ApplyBatch(derivedRowOps(key))
	if batchErr != nil {
		metrics.batchFailures.Inc()
		log.Warningf("derived rows for keyring %d not stored: %v", masterKeyID, batchErr)
		p.st.Notify(storage.KeyringBatchFailed{MasterKeyID: masterKeyID, Err: batchErr})
	}

	// The replacement removed the secret blob along with the public row.
	// Put it back whether or not the batch succeeded.
	if secretBlob != nil {
		_, err = p.st.Insert(storage.KeyRingData(true, masterKeyID), storage.Row{
			storage.ColMasterKeyID: storage.IntValue(masterKeyID),
			storage.ColKeyRingData: storage.BytesValue(secretBlob),
		})
		if err != nil {
			return errors.Wrapf(err, "cannot restore secret keyring %d", masterKeyID)
		}
	}
	if batchErr != nil {
		return errors.Wrapf(batchErr, "cannot store derived rows for keyring %d", masterKeyID)
	}

	metrics.keyringsSaved.WithLabelValues("public").Inc()
	if removed > 0 {
		p.st.Notify(storage.KeyringReplaced{MasterKeyID: masterKeyID})
	} else {
		p.st.Notify(storage.KeyringAdded{MasterKeyID: masterKeyID})
	}
	return nil
}

// SaveSecretKeyRing stores a secret keyring blob, replacing any stored
// secret blob for the same master key ID. Derived rows come from the
// public keyring only.
func (p *Provider) SaveSecretKeyRing(key *openpgp.PrimaryKey) error {
	if !key.Secret {
		return errors.Errorf("expected secret keyring, got public")
	}
	masterKeyID := key.KeyID
	p.cacheInvalidate(masterKeyID)

	_, err := p.st.Delete(storage.KeyRingData(true, masterKeyID), storage.NoFilter)
	if err != nil && errors.Cause(err) != storage.ErrUnsupportedOperation {
		return errors.Wrapf(err, "cannot remove secret keyring %d", masterKeyID)
	}

	blob, err := key.Encode()
	if err != nil {
		return errors.Wrapf(err, "cannot encode secret keyring %d", masterKeyID)
	}
	_, err = p.st.Insert(storage.KeyRingData(true, masterKeyID), storage.Row{
		storage.ColMasterKeyID: storage.IntValue(masterKeyID),
		storage.ColKeyRingData: storage.BytesValue(blob),
	})
	if err != nil {
		return errors.Wrapf(err, "cannot store secret keyring %d", masterKeyID)
	}

	metrics.keyringsSaved.WithLabelValues("secret").Inc()
	p.st.Notify(storage.KeyringAdded{MasterKeyID: masterKeyID, Secret: true})
	return nil
}

// SaveKeyRingPair stores a public and secret keyring of the same master
// key. The stale secret blob is removed first so the public save does
// not carry it across the replacement.
func (p *Provider) SaveKeyRingPair(public, secret *openpgp.PrimaryKey) error {
	if public.KeyID != secret.KeyID {
		return errors.Errorf("keyring pair mismatch: %d != %d", public.KeyID, secret.KeyID)
	}
	_, err := p.st.Delete(storage.KeyRingData(true, secret.KeyID), storage.NoFilter)
	if err != nil && errors.Cause(err) != storage.ErrUnsupportedOperation {
		return errors.Wrapf(err, "cannot remove secret keyring %d", secret.KeyID)
	}
	err = p.SaveKeyRing(public)
	if err != nil {
		return err
	}
	return p.SaveSecretKeyRing(secret)
}

// DeleteKeyRing removes a stored keyring: its public blob, derived rows
// and any secret blob.
func (p *Provider) DeleteKeyRing(masterKeyID int64) error {
	p.cacheInvalidate(masterKeyID)
	n, err := p.st.Delete(storage.KeyRingData(false, masterKeyID), storage.NoFilter)
	if err != nil {
		return errors.Wrapf(err, "cannot delete keyring %d", masterKeyID)
	}
	if n == 0 {
		return errors.Wrapf(storage.ErrKeyringNotFound, "keyring %d", masterKeyID)
	}
	metrics.keyringsRemoved.Inc()
	p.st.Notify(storage.KeyringRemoved{MasterKeyID: masterKeyID})
	return nil
}

func (p *Provider) storedBlob(secret bool, masterKeyID int64) ([]byte, error) {
	rows, err := p.st.Query(storage.KeyRingData(secret, masterKeyID),
		[]string{storage.ColKeyRingData}, storage.NoFilter)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot query keyring %d", masterKeyID)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	blob, err := rows[0][storage.ColKeyRingData].Bytes()
	if err != nil {
		return nil, errors.Wrapf(err, "corrupt keyring %d", masterKeyID)
	}
	return blob, nil
}

// derivedRowOps builds the atomic batch that refreshes the key and user
// ID rows derived from keyring material. Each batch clears the old rows
// and writes the new ones with their declaration rank.
func derivedRowOps(key *openpgp.PrimaryKey) []storage.Operation {
	masterKeyID := key.KeyID
	ops := []storage.Operation{
		storage.DeleteOp(storage.KeyRingKeys(masterKeyID), storage.NoFilter),
	}
	for rank, info := range key.KeyInfos() {
		ops = append(ops, storage.InsertOp(storage.KeyRingKeys(masterKeyID), keyRow(masterKeyID, rank, info)))
	}
	ops = append(ops, storage.DeleteOp(storage.KeyRingUserIDs(masterKeyID), storage.NoFilter))
	for rank, uid := range key.UserIDs {
		ops = append(ops, storage.InsertOp(storage.KeyRingUserIDs(masterKeyID), storage.Row{
			storage.ColMasterKeyID: storage.IntValue(masterKeyID),
			storage.ColUserID:      storage.TextValue(uid.Keywords),
			storage.ColRank:        storage.IntValue(int64(rank)),
		}))
	}
	return ops
}

func keyRow(masterKeyID int64, rank int, info openpgp.KeyInfo) storage.Row {
	row := storage.Row{
		storage.ColMasterKeyID: storage.IntValue(masterKeyID),
		storage.ColKeyID:       storage.IntValue(info.KeyID),
		storage.ColRank:        storage.IntValue(int64(rank)),
		storage.ColKeySize:     storage.IntValue(int64(info.BitLen)),
		storage.ColAlgorithm:   storage.IntValue(int64(info.Algorithm)),
		storage.ColFingerprint: storage.BytesValue(info.Fingerprint),
		storage.ColIsMasterKey: storage.BoolValue(info.IsMasterKey),
		storage.ColCanCertify:  storage.BoolValue(info.Capabilities.CanCertify),
		storage.ColCanSign:     storage.BoolValue(info.Capabilities.CanSign),
		storage.ColCanEncrypt:  storage.BoolValue(info.Capabilities.CanEncrypt),
		storage.ColIsRevoked:   storage.BoolValue(info.IsRevoked),
		storage.ColCreation:    storage.IntValue(info.Creation.Unix()),
		storage.ColExpiry:      storage.NullValue,
	}
	if !info.Expiration.IsZero() {
		row[storage.ColExpiry] = storage.IntValue(info.Expiration.Unix())
	}
	return row
}
