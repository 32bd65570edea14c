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

import (
	"bytes"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/pkg/errors"
)

type SubKey struct {
	PublicKey
}

// contents implements the packetNode interface for sub-keys.
func (subkey *SubKey) contents() []packetNode {
	result := []packetNode{subkey}
	for _, sig := range subkey.Signatures {
		result = append(result, sig.contents()...)
	}
	for _, p := range subkey.Others {
		result = append(result, p.contents()...)
	}
	return result
}

func ParseSubKey(op *packet.OpaquePacket) (*SubKey, error) {
	var buf bytes.Buffer
	var err error

	if err = op.Serialize(&buf); err != nil {
		return nil, errors.WithStack(err)
	}
	subkey := &SubKey{
		PublicKey: PublicKey{
			Packet: Packet{
				Tag:    op.Tag,
				Packet: buf.Bytes(),
			},
		},
	}

	// Attempt to parse the opaque packet into a public key type.
	parseErr := subkey.parse(op, true)
	if parseErr != nil {
		err = subkey.setUnsupported(op)
		if err != nil {
			return nil, errors.WithStack(err)
		}
	} else {
		subkey.Parsed = true
	}

	return subkey, nil
}

// SigInfo resolves the subkey's binding and revocation self-signatures.
func (subkey *SubKey) SigInfo(pubkey *PrimaryKey) (*SelfSigs, []*Signature) {
	selfSigs := &SelfSigs{target: subkey}
	var otherSigs []*Signature
	for _, sig := range subkey.Signatures {
		// Skip non-self-certifications.
		if !strings.HasPrefix(pubkey.UUID, sig.RIssuerKeyID) {
			otherSigs = append(otherSigs, sig)
			continue
		}
		checkSig := &CheckSig{
			PrimaryKey: pubkey,
			Signature:  sig,
		}
		switch sig.SigType {
		case 0x28: // packet.SigTypeSubKeyRevocation
			selfSigs.Revocations = append(selfSigs.Revocations, checkSig)
		case 0x18: // packet.SigTypeSubKeyBinding
			selfSigs.Certifications = append(selfSigs.Certifications, checkSig)
			if !sig.Expiration.IsZero() {
				selfSigs.Expirations = append(selfSigs.Expirations, checkSig)
			}
		}
	}
	selfSigs.resolve()
	return selfSigs, otherSigs
}
