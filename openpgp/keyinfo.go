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

package openpgp

import "time"

// Capabilities describes what a key may be used for. Derived from the key
// flags subpacket on the latest self-certification when one is present,
// otherwise from the conventional uses of the key's algorithm.
type Capabilities struct {
	CanCertify bool
	CanSign    bool
	CanEncrypt bool
}

func algorithmCapabilities(algorithm int) Capabilities {
	switch algorithm {
	case 1: // RSA
		return Capabilities{CanCertify: true, CanSign: true, CanEncrypt: true}
	case 2, 16, 18: // RSA encrypt-only, ElGamal, ECDH
		return Capabilities{CanEncrypt: true}
	case 3: // RSA sign-only
		return Capabilities{CanCertify: true, CanSign: true}
	case 17, 19, 22: // DSA, ECDSA, EdDSA
		return Capabilities{CanCertify: true, CanSign: true}
	}
	return Capabilities{}
}

func capabilities(selfSigs *SelfSigs, algorithm int) Capabilities {
	certify, sign, encrypt, ok := selfSigs.KeyFlags()
	if !ok {
		return algorithmCapabilities(algorithm)
	}
	return Capabilities{CanCertify: certify, CanSign: sign, CanEncrypt: encrypt}
}

// KeyInfo summarizes a single public key for presentation and storage.
type KeyInfo struct {
	KeyID        int64
	Fingerprint  []byte
	Algorithm    int
	BitLen       int
	Creation     time.Time
	Expiration   time.Time
	IsMasterKey  bool
	IsRevoked    bool
	Capabilities Capabilities
}

// MasterKeyInfo summarizes the primary key, resolving revocation, expiry
// and capabilities across direct signatures and user ID certifications.
func (pubkey *PrimaryKey) MasterKeyInfo() KeyInfo {
	selfSigs := pubkey.PrimarySelfSigs()
	info := KeyInfo{
		KeyID:        pubkey.KeyID,
		Fingerprint:  pubkey.FingerprintBytes(),
		Algorithm:    pubkey.Algorithm,
		BitLen:       pubkey.BitLen,
		Creation:     pubkey.Creation,
		IsMasterKey:  true,
		Capabilities: capabilities(selfSigs, pubkey.Algorithm),
	}
	if _, ok := selfSigs.RevokedSince(); ok {
		info.IsRevoked = true
	}
	if at, ok := selfSigs.ExpiresAt(); ok {
		info.Expiration = at
	} else if !pubkey.Expiration.IsZero() {
		info.Expiration = pubkey.Expiration
	}
	return info
}

// SubKeyInfo summarizes a subkey using its binding and revocation
// self-signatures.
func (subkey *SubKey) SubKeyInfo(pubkey *PrimaryKey) KeyInfo {
	selfSigs, _ := subkey.SigInfo(pubkey)
	info := KeyInfo{
		KeyID:        subkey.KeyID,
		Fingerprint:  subkey.FingerprintBytes(),
		Algorithm:    subkey.Algorithm,
		BitLen:       subkey.BitLen,
		Creation:     subkey.Creation,
		Capabilities: capabilities(selfSigs, subkey.Algorithm),
	}
	if _, ok := selfSigs.RevokedSince(); ok {
		info.IsRevoked = true
	}
	if at, ok := selfSigs.ExpiresAt(); ok {
		info.Expiration = at
	} else if !subkey.Expiration.IsZero() {
		info.Expiration = subkey.Expiration
	}
	return info
}

// KeyInfos returns summaries for the master key and each subkey in the
// order they appear in the keyring.
func (pubkey *PrimaryKey) KeyInfos() []KeyInfo {
	infos := []KeyInfo{pubkey.MasterKeyInfo()}
	for _, subkey := range pubkey.SubKeys {
		infos = append(infos, subkey.SubKeyInfo(pubkey))
	}
	return infos
}
