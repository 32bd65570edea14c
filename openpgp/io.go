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
	"io"

	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/armor"
)

// OpaqueKeyring is a raw packet segmentation of a single keyring: one
// master key packet and everything up to the next master key packet.
type OpaqueKeyring struct {
	Packets []*packet.OpaquePacket
}

// Parse builds the object model for an opaque keyring. Unreadable
// non-key packets are retained as opaque contents so the keyring
// round-trips, but a keyring without a readable master key packet is
// rejected.
func (okr *OpaqueKeyring) Parse() (*PrimaryKey, error) {
	var err error
	var pubkey *PrimaryKey
	var signablePacket signable
	var sigCreation func() *PublicKey
	for _, opkt := range okr.Packets {
		var badPacket *packet.OpaquePacket
		if opkt.Tag == 5 || opkt.Tag == 6 {
			if pubkey != nil {
				return nil, errors.Errorf("multiple master keys in keyring")
			}
			pubkey, err = ParsePrimaryKey(opkt)
			if err != nil {
				return nil, errors.Wrapf(err, "invalid master key packet")
			}
			signablePacket = pubkey
			sigCreation = func() *PublicKey { return &pubkey.PublicKey }
		} else if pubkey != nil {
			switch opkt.Tag {
			case 7, 14:
				signablePacket = nil
				subkey, err := ParseSubKey(opkt)
				if err != nil {
					log.Debugf("unreadable subkey packet: %v", err)
					badPacket = opkt
				} else {
					pubkey.SubKeys = append(pubkey.SubKeys, subkey)
					signablePacket = subkey
					sigCreation = func() *PublicKey { return &subkey.PublicKey }
				}
			case 13:
				signablePacket = nil
				uid, err := ParseUserID(opkt, pubkey.UUID)
				if err != nil {
					log.Debugf("unreadable user id packet: %v", err)
					badPacket = opkt
				} else {
					pubkey.UserIDs = append(pubkey.UserIDs, uid)
					signablePacket = uid
					sigCreation = func() *PublicKey { return &pubkey.PublicKey }
				}
			case 2:
				if signablePacket == nil {
					log.Debugf("signature out of context")
					badPacket = opkt
				} else {
					sig, err := ParseSignature(opkt, sigCreation().Creation, pubkey.UUID, signablePacket.uuid())
					if err != nil {
						log.Debugf("unreadable signature packet: %v", err)
						badPacket = opkt
					} else {
						signablePacket.appendSignature(sig)
					}
				}
			default:
				badPacket = opkt
			}

			if badPacket != nil {
				var badParent string
				if signablePacket != nil {
					badParent = signablePacket.uuid()
				} else {
					badParent = pubkey.uuid()
				}
				other, err := ParseOther(badPacket, badParent)
				if err != nil {
					return nil, errors.WithStack(err)
				}
				pubkey.Others = append(pubkey.Others, other)
			}
		}
	}
	if pubkey == nil {
		return nil, errors.Errorf("master key not found")
	}
	pubkey.Length = pubkey.packetLength()
	return pubkey, nil
}

func (pubkey *PrimaryKey) packetLength() int {
	var n int
	for _, node := range pubkey.contents() {
		n += len(node.packet().Packet)
	}
	return n
}

// ReadOpaqueKeyrings segments a binary packet stream into keyrings. The
// stream is read to EOF; a keyring begins at each master key packet.
func ReadOpaqueKeyrings(r io.Reader) ([]*OpaqueKeyring, error) {
	var result []*OpaqueKeyring
	var current *OpaqueKeyring
	or := packet.NewOpaqueReader(r)
	var op *packet.OpaquePacket
	var err error
	for op, err = or.Next(); err == nil; op, err = or.Next() {
		switch op.Tag {
		case 5, 6:
			current = &OpaqueKeyring{}
			result = append(result, current)
			current.Packets = append(current.Packets, op)
		default:
			if current != nil {
				current.Packets = append(current.Packets, op)
			}
		}
	}
	if err != io.EOF {
		return nil, errors.WithStack(err)
	}
	return result, nil
}

// ReadKeyRings reads all keyrings from a binary packet stream.
func ReadKeyRings(r io.Reader) ([]*PrimaryKey, error) {
	opaque, err := ReadOpaqueKeyrings(r)
	if err != nil {
		return nil, err
	}
	var result []*PrimaryKey
	for _, okr := range opaque {
		pubkey, err := okr.Parse()
		if err != nil {
			return nil, err
		}
		result = append(result, pubkey)
	}
	return result, nil
}

// ReadKeyRing reads exactly one keyring from a binary packet stream.
func ReadKeyRing(r io.Reader) (*PrimaryKey, error) {
	keys, err := ReadKeyRings(r)
	if err != nil {
		return nil, err
	}
	if len(keys) != 1 {
		return nil, errors.Errorf("expected one keyring, got %d", len(keys))
	}
	return keys[0], nil
}

// ReadArmoredKeyRings reads keyrings from an ASCII armored stream.
func ReadArmoredKeyRings(r io.Reader) ([]*PrimaryKey, error) {
	block, err := armor.Decode(r)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return ReadKeyRings(block.Body)
}

// WritePackets writes the keyring's packets to w in declaration order.
func WritePackets(w io.Writer, key *PrimaryKey) error {
	for _, node := range key.contents() {
		_, err := w.Write(node.packet().Packet)
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// Encode returns the canonical binary encoding of the keyring.
func (pubkey *PrimaryKey) Encode() ([]byte, error) {
	var buf bytes.Buffer
	err := WritePackets(&buf, pubkey)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteArmored writes keyrings to w in an ASCII armored block. The armor
// type follows the first keyring; all keyrings in one block are expected
// to be of the same kind.
func WriteArmored(w io.Writer, keys []*PrimaryKey, headers map[string]string) error {
	if len(keys) == 0 {
		return errors.Errorf("no keyrings to armor")
	}
	blockType := openpgp.PublicKeyType
	if keys[0].Secret {
		blockType = openpgp.PrivateKeyType
	}
	armw, err := armor.Encode(w, blockType, headers)
	if err != nil {
		return errors.WithStack(err)
	}
	for _, key := range keys {
		err = WritePackets(armw, key)
		if err != nil {
			armw.Close()
			return err
		}
	}
	return errors.WithStack(armw.Close())
}
