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
	"encoding/binary"
	"encoding/hex"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/pkg/errors"
)

type Signature struct {
	Packet

	SigType      int
	RIssuerKeyID string
	Creation     time.Time
	Expiration   time.Time
	Primary      bool

	// FlagsValid indicates the signature carried a key flags subpacket;
	// the capability flags below are only meaningful when set.
	FlagsValid  bool
	FlagCertify bool
	FlagSign    bool
	FlagEncrypt bool
}

const sigTag = "{sig}"

// contents implements the packetNode interface for default unclassified packets.
func (sig *Signature) contents() []packetNode {
	return []packetNode{sig}
}

func ParseSignature(op *packet.OpaquePacket, keyCreationTime time.Time, pubkeyUUID, scopedUUID string) (*Signature, error) {
	var buf bytes.Buffer
	var err error

	if err = op.Serialize(&buf); err != nil {
		return nil, errors.WithStack(err)
	}
	sig := &Signature{
		Packet: Packet{
			UUID:   scopedDigest([]string{pubkeyUUID, scopedUUID}, sigTag, buf.Bytes()),
			Tag:    op.Tag,
			Packet: buf.Bytes(),
		},
	}

	err = sig.parse(op, keyCreationTime)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	sig.Parsed = true
	return sig, nil
}

func (sig *Signature) parse(op *packet.OpaquePacket, keyCreationTime time.Time) error {
	p, err := op.Parse()
	if err != nil {
		return errors.WithStack(err)
	}

	switch s := p.(type) {
	case *packet.Signature:
		return sig.setSignature(s, keyCreationTime)
	case *packet.SignatureV3:
		return sig.setSignatureV3(s)
	}
	return errors.WithStack(ErrInvalidPacketType)
}

func (sig *Signature) setSignature(s *packet.Signature, keyCreationTime time.Time) error {
	if s.IssuerKeyId == nil {
		return errors.New("missing issuer key ID")
	}
	sig.Creation = s.CreationTime
	sig.SigType = int(s.SigType)

	// Extract the issuer key id
	var issuerKeyId [8]byte
	binary.BigEndian.PutUint64(issuerKeyId[:], *s.IssuerKeyId)
	sigKeyId := hex.EncodeToString(issuerKeyId[:])
	sig.RIssuerKeyID = Reverse(sigKeyId)

	// Expiration time
	if s.SigLifetimeSecs != nil {
		sig.Expiration = s.CreationTime.Add(
			time.Duration(*s.SigLifetimeSecs) * time.Second)
	} else if s.KeyLifetimeSecs != nil {
		sig.Expiration = keyCreationTime.Add(
			time.Duration(*s.KeyLifetimeSecs) * time.Second)
	}

	// Primary indicator
	sig.Primary = s.IsPrimaryId != nil && *s.IsPrimaryId

	// Key usage flags
	sig.FlagsValid = s.FlagsValid
	if s.FlagsValid {
		sig.FlagCertify = s.FlagCertify
		sig.FlagSign = s.FlagSign
		sig.FlagEncrypt = s.FlagEncryptCommunications || s.FlagEncryptStorage
	}

	return nil
}

func (sig *Signature) setSignatureV3(s *packet.SignatureV3) error {
	sig.Creation = s.CreationTime
	// V3 packets do not have an expiration time
	sig.SigType = int(s.SigType)
	// Extract the issuer key id
	var issuerKeyId [8]byte
	binary.BigEndian.PutUint64(issuerKeyId[:], s.IssuerKeyId)
	sigKeyId := hex.EncodeToString(issuerKeyId[:])
	sig.RIssuerKeyID = Reverse(sigKeyId)
	return nil
}

func (sig *Signature) IssuerKeyID() string {
	return Reverse(sig.RIssuerKeyID)
}
