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
	"encoding/hex"
	"strings"
	stdtesting "testing"
	"time"

	pgpcrypto "github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	gc "gopkg.in/check.v1"
)

func Test(t *stdtesting.T) { gc.TestingT(t) }

type KeyRingSuite struct{}

var _ = gc.Suite(&KeyRingSuite{})

func mustEntity(c *gc.C, name, email string, config *packet.Config) *pgpcrypto.Entity {
	if config == nil {
		config = &packet.Config{
			Algorithm: packet.PubKeyAlgoRSA,
			RSABits:   1024,
		}
	}
	entity, err := pgpcrypto.NewEntity(name, "", email, config)
	c.Assert(err, gc.IsNil)
	return entity
}

func mustPublicBytes(c *gc.C, entity *pgpcrypto.Entity) []byte {
	var buf bytes.Buffer
	err := entity.Serialize(&buf)
	c.Assert(err, gc.IsNil)
	return buf.Bytes()
}

func mustSecretBytes(c *gc.C, entity *pgpcrypto.Entity) []byte {
	var buf bytes.Buffer
	err := entity.SerializePrivate(&buf, nil)
	c.Assert(err, gc.IsNil)
	return buf.Bytes()
}

func (s *KeyRingSuite) TestReadPublicKeyRing(c *gc.C) {
	entity := mustEntity(c, "alice", "alice@example.com", nil)
	key, err := ReadKeyRing(bytes.NewReader(mustPublicBytes(c, entity)))
	c.Assert(err, gc.IsNil)

	c.Check(key.Secret, gc.Equals, false)
	c.Check(key.Parsed, gc.Equals, true)
	c.Check(key.KeyID, gc.Equals, int64(entity.PrimaryKey.KeyId))
	c.Check(key.Fingerprint(), gc.Equals, hex.EncodeToString(entity.PrimaryKey.Fingerprint))
	c.Assert(key.UserIDs, gc.HasLen, 1)
	c.Check(key.UserIDs[0].Keywords, gc.Matches, ".*alice@example.com.*")
	c.Assert(key.SubKeys, gc.HasLen, 1)
	c.Check(key.SubKeys[0].KeyID, gc.Equals, int64(entity.Subkeys[0].PublicKey.KeyId))
}

func (s *KeyRingSuite) TestReadSecretKeyRing(c *gc.C) {
	entity := mustEntity(c, "bob", "bob@example.com", nil)
	key, err := ReadKeyRing(bytes.NewReader(mustSecretBytes(c, entity)))
	c.Assert(err, gc.IsNil)

	c.Check(key.Secret, gc.Equals, true)
	c.Check(key.Parsed, gc.Equals, true)
	c.Check(key.KeyID, gc.Equals, int64(entity.PrimaryKey.KeyId))
	c.Assert(key.SubKeys, gc.HasLen, 1)
}

func (s *KeyRingSuite) TestEncodeRoundTrip(c *gc.C) {
	entity := mustEntity(c, "carol", "carol@example.com", nil)
	key, err := ReadKeyRing(bytes.NewReader(mustPublicBytes(c, entity)))
	c.Assert(err, gc.IsNil)

	encoded, err := key.Encode()
	c.Assert(err, gc.IsNil)
	again, err := ReadKeyRing(bytes.NewReader(encoded))
	c.Assert(err, gc.IsNil)

	c.Check(again.Fingerprint(), gc.Equals, key.Fingerprint())
	c.Check(again.Secret, gc.Equals, key.Secret)
	c.Check(again.UserIDs, gc.HasLen, len(key.UserIDs))
	c.Check(again.SubKeys, gc.HasLen, len(key.SubKeys))

	// Encoding is canonical, a second pass must be byte-identical.
	encodedAgain, err := again.Encode()
	c.Assert(err, gc.IsNil)
	c.Check(bytes.Equal(encoded, encodedAgain), gc.Equals, true)
}

func (s *KeyRingSuite) TestReadMultipleKeyRings(c *gc.C) {
	var buf bytes.Buffer
	first := mustEntity(c, "dave", "dave@example.com", nil)
	second := mustEntity(c, "erin", "erin@example.com", nil)
	buf.Write(mustPublicBytes(c, first))
	buf.Write(mustPublicBytes(c, second))

	keys, err := ReadKeyRings(&buf)
	c.Assert(err, gc.IsNil)
	c.Assert(keys, gc.HasLen, 2)
	c.Check(keys[0].KeyID, gc.Equals, int64(first.PrimaryKey.KeyId))
	c.Check(keys[1].KeyID, gc.Equals, int64(second.PrimaryKey.KeyId))
}

func (s *KeyRingSuite) TestUserIDOrderPreserved(c *gc.C) {
	entity := mustEntity(c, "frank", "frank@example.com", nil)
	var buf bytes.Buffer
	err := entity.PrimaryKey.Serialize(&buf)
	c.Assert(err, gc.IsNil)
	for _, email := range []string{"one@example.com", "two@example.com", "three@example.com"} {
		uid := packet.NewUserId("", "", email)
		c.Assert(uid, gc.NotNil)
		err = uid.Serialize(&buf)
		c.Assert(err, gc.IsNil)
	}

	key, err := ReadKeyRing(&buf)
	c.Assert(err, gc.IsNil)
	c.Assert(key.UserIDs, gc.HasLen, 3)
	c.Check(key.UserIDs[0].Keywords, gc.Matches, ".*one@example.com.*")
	c.Check(key.UserIDs[1].Keywords, gc.Matches, ".*two@example.com.*")
	c.Check(key.UserIDs[2].Keywords, gc.Matches, ".*three@example.com.*")
}

func (s *KeyRingSuite) TestCapabilitiesFromKeyFlags(c *gc.C) {
	entity := mustEntity(c, "grace", "grace@example.com", nil)
	key, err := ReadKeyRing(bytes.NewReader(mustPublicBytes(c, entity)))
	c.Assert(err, gc.IsNil)

	master := key.MasterKeyInfo()
	c.Check(master.IsMasterKey, gc.Equals, true)
	c.Check(master.Capabilities.CanCertify, gc.Equals, true)
	c.Check(master.Capabilities.CanSign, gc.Equals, true)
	c.Check(master.Capabilities.CanEncrypt, gc.Equals, false)
	c.Check(master.IsRevoked, gc.Equals, false)

	c.Assert(key.SubKeys, gc.HasLen, 1)
	sub := key.SubKeys[0].SubKeyInfo(key)
	c.Check(sub.IsMasterKey, gc.Equals, false)
	c.Check(sub.Capabilities.CanEncrypt, gc.Equals, true)
	c.Check(sub.Capabilities.CanSign, gc.Equals, false)
}

func (s *KeyRingSuite) TestAlgorithmDefaultCapabilities(c *gc.C) {
	c.Check(algorithmCapabilities(1), gc.Equals, Capabilities{CanCertify: true, CanSign: true, CanEncrypt: true})
	c.Check(algorithmCapabilities(2), gc.Equals, Capabilities{CanEncrypt: true})
	c.Check(algorithmCapabilities(3), gc.Equals, Capabilities{CanCertify: true, CanSign: true})
	c.Check(algorithmCapabilities(16), gc.Equals, Capabilities{CanEncrypt: true})
	c.Check(algorithmCapabilities(17), gc.Equals, Capabilities{CanCertify: true, CanSign: true})
	c.Check(algorithmCapabilities(18), gc.Equals, Capabilities{CanEncrypt: true})
	c.Check(algorithmCapabilities(99), gc.Equals, Capabilities{})
}

func (s *KeyRingSuite) TestExpirationFromSelfSig(c *gc.C) {
	lifetime := uint32(86400 * 30)
	entity := mustEntity(c, "heidi", "heidi@example.com", &packet.Config{
		Algorithm:       packet.PubKeyAlgoRSA,
		RSABits:         1024,
		KeyLifetimeSecs: lifetime,
	})
	key, err := ReadKeyRing(bytes.NewReader(mustPublicBytes(c, entity)))
	c.Assert(err, gc.IsNil)

	master := key.MasterKeyInfo()
	c.Assert(master.Expiration.IsZero(), gc.Equals, false)
	want := key.Creation.Add(time.Duration(lifetime) * time.Second)
	c.Check(master.Expiration.Unix(), gc.Equals, want.Unix())
}

func (s *KeyRingSuite) TestWriteArmored(c *gc.C) {
	entity := mustEntity(c, "ivan", "ivan@example.com", nil)
	key, err := ReadKeyRing(bytes.NewReader(mustPublicBytes(c, entity)))
	c.Assert(err, gc.IsNil)

	var buf bytes.Buffer
	err = WriteArmored(&buf, []*PrimaryKey{key}, map[string]string{"Version": "keychain/1.0"})
	c.Assert(err, gc.IsNil)
	armored := buf.String()
	c.Check(strings.Contains(armored, "BEGIN PGP PUBLIC KEY BLOCK"), gc.Equals, true)
	c.Check(strings.Contains(armored, "Version: keychain/1.0"), gc.Equals, true)

	keys, err := ReadArmoredKeyRings(&buf)
	c.Assert(err, gc.IsNil)
	c.Assert(keys, gc.HasLen, 1)
	c.Check(keys[0].Fingerprint(), gc.Equals, key.Fingerprint())
}

func (s *KeyRingSuite) TestWriteArmoredSecret(c *gc.C) {
	entity := mustEntity(c, "judy", "judy@example.com", nil)
	key, err := ReadKeyRing(bytes.NewReader(mustSecretBytes(c, entity)))
	c.Assert(err, gc.IsNil)

	var buf bytes.Buffer
	err = WriteArmored(&buf, []*PrimaryKey{key}, nil)
	c.Assert(err, gc.IsNil)
	c.Check(strings.Contains(buf.String(), "BEGIN PGP PRIVATE KEY BLOCK"), gc.Equals, true)
}

func (s *KeyRingSuite) TestWriteArmoredEmpty(c *gc.C) {
	var buf bytes.Buffer
	err := WriteArmored(&buf, nil, nil)
	c.Check(err, gc.NotNil)
}

func (s *KeyRingSuite) TestReverse(c *gc.C) {
	c.Check(Reverse(""), gc.Equals, "")
	c.Check(Reverse("abcd"), gc.Equals, "dcba")
	c.Check(Reverse(Reverse("0123456789abcdef")), gc.Equals, "0123456789abcdef")
}

func (s *KeyRingSuite) TestKeysDeclarationOrder(c *gc.C) {
	entity := mustEntity(c, "mallory", "mallory@example.com", nil)
	key, err := ReadKeyRing(bytes.NewReader(mustPublicBytes(c, entity)))
	c.Assert(err, gc.IsNil)

	keys := key.Keys()
	c.Assert(keys, gc.HasLen, 1+len(key.SubKeys))
	c.Check(keys[0].KeyID, gc.Equals, key.KeyID)
	for i, subkey := range key.SubKeys {
		c.Check(keys[i+1].KeyID, gc.Equals, subkey.KeyID)
	}
}
