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
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/pkg/errors"
)

type PublicKey struct {
	Packet

	RFingerprint string
	RKeyID       string
	RShortID     string

	// KeyID is the numeric OpenPGP key ID in the signed form the
	// storage layer indexes on.
	KeyID int64

	// Creation stores the timestamp when the public key was created.
	Creation time.Time

	// Expiration stores the timestamp when the public key expires, as
	// declared on the key packet itself (V3 keys only). V4 expiration
	// is carried on self-signatures, see SelfSigs.ExpiresAt.
	Expiration time.Time

	// Algorithm stores the algorithm type of the public key.
	Algorithm int

	// BitLen stores the bit length of the public key.
	BitLen int

	Signatures []*Signature
	Others     []*Packet
}

func AlgorithmName(code int) string {
	switch code {
	case 1:
		return "rsa"
	case 2:
		return "rsaE"
	case 3:
		return "rsaS"
	case 16:
		return "elgE"
	case 17:
		return "dsa"
	case 18:
		return "ecdh"
	case 19:
		return "ecdsa"
	case 22:
		return "eddsa"
	default:
		return fmt.Sprintf("unk(#%d)", code)
	}
}

func (pk *PublicKey) QualifiedFingerprint() string {
	return fmt.Sprintf("%s%d/%s", AlgorithmName(pk.Algorithm), pk.BitLen, Reverse(pk.RFingerprint))
}

func (pk *PublicKey) ShortID() string {
	return Reverse(pk.RShortID)
}

func (pk *PublicKey) Fingerprint() string {
	return Reverse(pk.RFingerprint)
}

// FingerprintBytes returns the binary form of the key fingerprint.
func (pk *PublicKey) FingerprintBytes() []byte {
	buf, err := hex.DecodeString(pk.Fingerprint())
	if err != nil {
		return nil
	}
	return buf
}

// appendSignature implements signable.
func (pk *PublicKey) appendSignature(sig *Signature) {
	pk.Signatures = append(pk.Signatures, sig)
}

func (pkp *PublicKey) parse(op *packet.OpaquePacket, subkey bool) error {
	p, err := op.Parse()
	if err != nil {
		return errors.WithStack(err)
	}

	switch pk := p.(type) {
	case *packet.PublicKey:
		if pk.IsSubkey != subkey {
			return ErrInvalidPacketType
		}
		return pkp.setPublicKey(pk)
	case *packet.PublicKeyV3:
		if pk.IsSubkey != subkey {
			return ErrInvalidPacketType
		}
		return pkp.setPublicKeyV3(pk)
	case *packet.PrivateKey:
		if pk.IsSubkey != subkey {
			return ErrInvalidPacketType
		}
		return pkp.setPublicKey(&pk.PublicKey)
	default:
	}

	return errors.WithStack(ErrInvalidPacketType)
}

func (pkp *PublicKey) setUnsupported(op *packet.OpaquePacket) error {
	// Calculate opaque fingerprint on unsupported public key packet
	h := sha1.New()
	h.Write([]byte{0x99, byte(len(op.Contents) >> 8), byte(len(op.Contents))})
	h.Write(op.Contents)
	fpr := hex.EncodeToString(h.Sum(nil))
	pkp.RFingerprint = Reverse(fpr)
	pkp.UUID = pkp.RFingerprint
	err := pkp.setV4IDs(pkp.UUID)
	if err != nil {
		return err
	}
	// The low 64 bits of the fingerprint stand in for a key ID here.
	keyID, err := strconv.ParseUint(fpr[len(fpr)-16:], 16, 64)
	if err != nil {
		return errors.WithStack(err)
	}
	pkp.KeyID = int64(keyID)
	return nil
}

func (pkp *PublicKey) setPublicKey(pk *packet.PublicKey) error {
	fingerprint := hex.EncodeToString(pk.Fingerprint[:])
	bitLen, err := pk.BitLength()
	if err != nil {
		return errors.WithStack(err)
	}
	pkp.RFingerprint = Reverse(fingerprint)
	pkp.UUID = pkp.RFingerprint
	err = pkp.setV4IDs(pkp.UUID)
	if err != nil {
		return errors.WithStack(err)
	}
	pkp.KeyID = int64(pk.KeyId)
	pkp.Creation = pk.CreationTime
	pkp.Algorithm = int(pk.PubKeyAlgo)
	pkp.BitLen = int(bitLen)
	pkp.Parsed = true
	return nil
}

func (pkp *PublicKey) setV4IDs(rfp string) error {
	if len(rfp) < 8 {
		return errors.Errorf("invalid fingerprint %q", rfp)
	}
	pkp.RShortID = rfp[:8]
	if len(rfp) < 16 {
		return errors.Errorf("invalid fingerprint %q", rfp)
	}
	pkp.RKeyID = rfp[:16]
	return nil
}

func (pkp *PublicKey) setPublicKeyV3(pk *packet.PublicKeyV3) error {
	fingerprint := hex.EncodeToString(pk.Fingerprint[:])
	bitLen, err := pk.BitLength()
	if err != nil {
		return errors.WithStack(err)
	}
	pkp.RFingerprint = Reverse(fingerprint)
	pkp.UUID = pkp.RFingerprint
	pkp.RShortID = Reverse(fmt.Sprintf("%08x", uint32(pk.KeyId)))
	pkp.RKeyID = Reverse(fmt.Sprintf("%016x", pk.KeyId))
	pkp.KeyID = int64(pk.KeyId)
	pkp.Creation = pk.CreationTime
	if pk.DaysToExpire > 0 {
		pkp.Expiration = pkp.Creation.Add(time.Duration(pk.DaysToExpire) * time.Hour * 24)
	}
	pkp.Algorithm = int(pk.PubKeyAlgo)
	pkp.BitLen = int(bitLen)
	pkp.Parsed = true
	return nil
}

// PrimaryKey is a keyring: the master key with its subkeys, user IDs and
// attached certifications. Secret keyrings parse into the same shape with
// Secret set; their raw packets carry the secret key material.
type PrimaryKey struct {
	PublicKey

	// Secret indicates a secret keyring (tag 5 master key packet).
	Secret bool

	Length int

	SubKeys []*SubKey
	UserIDs []*UserID
}

// contents implements the packetNode interface for top-level keys.
func (pubkey *PrimaryKey) contents() []packetNode {
	result := []packetNode{pubkey}
	for _, sig := range pubkey.Signatures {
		result = append(result, sig.contents()...)
	}
	for _, uid := range pubkey.UserIDs {
		result = append(result, uid.contents()...)
	}
	for _, subkey := range pubkey.SubKeys {
		result = append(result, subkey.contents()...)
	}
	for _, other := range pubkey.Others {
		result = append(result, other.contents()...)
	}
	return result
}

// Keys returns the master key and subkeys in keyring declaration order.
func (pubkey *PrimaryKey) Keys() []*PublicKey {
	result := []*PublicKey{&pubkey.PublicKey}
	for _, subkey := range pubkey.SubKeys {
		result = append(result, &subkey.PublicKey)
	}
	return result
}

func ParsePrimaryKey(op *packet.OpaquePacket) (*PrimaryKey, error) {
	var buf bytes.Buffer
	var err error

	if err = op.Serialize(&buf); err != nil {
		return nil, errors.WithStack(err)
	}
	pubkey := &PrimaryKey{
		PublicKey: PublicKey{
			Packet: Packet{
				Tag:    op.Tag,
				Packet: buf.Bytes(),
			},
		},
		Secret: op.Tag == 5,
	}

	// Attempt to parse the opaque packet into a public key type.
	parseErr := pubkey.parse(op, false)
	if parseErr != nil {
		err = pubkey.setUnsupported(op)
		if err != nil {
			return nil, errors.WithStack(err)
		}
	} else {
		pubkey.Parsed = true
	}

	return pubkey, nil
}

func (pubkey *PrimaryKey) setPublicKey(pk *packet.PublicKey) error {
	if pk.IsSubkey {
		return errors.Wrap(ErrInvalidPacketType, "expected primary public key packet, got sub-key")
	}
	return pubkey.PublicKey.setPublicKey(pk)
}

func (pubkey *PrimaryKey) setPublicKeyV3(pk *packet.PublicKeyV3) error {
	if pk.IsSubkey {
		return errors.Wrap(ErrInvalidPacketType, "expected primary public key packet, got sub-key")
	}
	return pubkey.PublicKey.setPublicKeyV3(pk)
}

// SigInfo resolves the self-signatures attached directly to the master
// key. Key flags and expirations for V4 primaries are usually declared on
// user ID certifications instead, see PrimarySelfSigs.
func (pubkey *PrimaryKey) SigInfo() (*SelfSigs, []*Signature) {
	selfSigs := &SelfSigs{target: pubkey}
	var otherSigs []*Signature
	for _, sig := range pubkey.Signatures {
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
		case 0x20: // packet.SigTypeKeyRevocation
			selfSigs.Revocations = append(selfSigs.Revocations, checkSig)
		case 0x1F: // packet.SigTypeDirectSignature
			selfSigs.Certifications = append(selfSigs.Certifications, checkSig)
			if !sig.Expiration.IsZero() {
				selfSigs.Expirations = append(selfSigs.Expirations, checkSig)
			}
		}
	}
	selfSigs.resolve()
	return selfSigs, otherSigs
}

// PrimarySelfSigs resolves self-signatures for the master key across both
// direct key signatures and user ID certifications.
func (pubkey *PrimaryKey) PrimarySelfSigs() *SelfSigs {
	selfSigs, _ := pubkey.SigInfo()
	for _, uid := range pubkey.UserIDs {
		uidSigs, _ := uid.SigInfo(pubkey)
		selfSigs.Certifications = append(selfSigs.Certifications, uidSigs.Certifications...)
		selfSigs.Expirations = append(selfSigs.Expirations, uidSigs.Expirations...)
	}
	selfSigs.resolve()
	return selfSigs
}
