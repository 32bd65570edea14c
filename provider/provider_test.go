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
	"strings"
	stdtesting "testing"

	pgpcrypto "github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/pkg/errors"
	gc "gopkg.in/check.v1"

	"keychain/openpgp"
	"keychain/storage"
	"keychain/storage/mock"
)

func Test(t *stdtesting.T) { gc.TestingT(t) }

type ProviderSuite struct {
	st *mock.Store
	p  *Provider
}

var _ = gc.Suite(&ProviderSuite{})

func (s *ProviderSuite) SetUpTest(c *gc.C) {
	s.st = mock.NewStore()
	var err error
	s.p, err = New(s.st, Config{Version: "1.0-test"})
	c.Assert(err, gc.IsNil)
}

func mustKeyPair(c *gc.C, email string) (*openpgp.PrimaryKey, *openpgp.PrimaryKey) {
	entity, err := pgpcrypto.NewEntity("test", "", email, &packet.Config{
		Algorithm: packet.PubKeyAlgoRSA,
		RSABits:   1024,
	})
	c.Assert(err, gc.IsNil)

	var pubBuf, secBuf bytes.Buffer
	c.Assert(entity.Serialize(&pubBuf), gc.IsNil)
	c.Assert(entity.SerializePrivate(&secBuf, nil), gc.IsNil)

	public, err := openpgp.ReadKeyRing(&pubBuf)
	c.Assert(err, gc.IsNil)
	secret, err := openpgp.ReadKeyRing(&secBuf)
	c.Assert(err, gc.IsNil)
	return public, secret
}

func (s *ProviderSuite) TestSaveAndGetPublic(c *gc.C) {
	public, _ := mustKeyPair(c, "alice@example.com")
	c.Assert(s.p.SaveKeyRing(public), gc.IsNil)

	got, err := s.p.PublicKeyRing(public.KeyID)
	c.Assert(err, gc.IsNil)
	c.Check(got.Fingerprint(), gc.Equals, public.Fingerprint())
	c.Check(got.Secret, gc.Equals, false)
}

func (s *ProviderSuite) TestGetMissing(c *gc.C) {
	_, err := s.p.PublicKeyRing(12345)
	c.Assert(err, gc.NotNil)
	c.Check(errors.Cause(err), gc.Equals, storage.ErrKeyringNotFound)
}

func (s *ProviderSuite) TestSaveRejectsWrongKind(c *gc.C) {
	public, secret := mustKeyPair(c, "alice@example.com")
	c.Check(s.p.SaveKeyRing(secret), gc.NotNil)
	c.Check(s.p.SaveSecretKeyRing(public), gc.NotNil)
}

func (s *ProviderSuite) TestReplacePreservesSecret(c *gc.C) {
	public, secret := mustKeyPair(c, "alice@example.com")
	c.Assert(s.p.SaveKeyRing(public), gc.IsNil)
	c.Assert(s.p.SaveSecretKeyRing(secret), gc.IsNil)

	// Replacing the public keyring must not lose the secret blob.
	c.Assert(s.p.SaveKeyRing(public), gc.IsNil)

	has, err := s.p.HasSecretKey(public.KeyID)
	c.Assert(err, gc.IsNil)
	c.Check(has, gc.Equals, true)

	got, err := s.p.SecretKeyRing(public.KeyID)
	c.Assert(err, gc.IsNil)
	c.Check(got.Secret, gc.Equals, true)
}

func (s *ProviderSuite) TestReplaceEmitsReplacedEvent(c *gc.C) {
	var changes []storage.KeyringChange
	s.p.Subscribe(func(change storage.KeyringChange) error {
		changes = append(changes, change)
		return nil
	})
	public, _ := mustKeyPair(c, "alice@example.com")
	c.Assert(s.p.SaveKeyRing(public), gc.IsNil)
	c.Assert(s.p.SaveKeyRing(public), gc.IsNil)

	c.Assert(changes, gc.HasLen, 2)
	c.Check(changes[0], gc.Equals, storage.KeyringChange(storage.KeyringAdded{MasterKeyID: public.KeyID}))
	c.Check(changes[1], gc.Equals, storage.KeyringChange(storage.KeyringReplaced{MasterKeyID: public.KeyID}))
}

func (s *ProviderSuite) TestSaveIdempotent(c *gc.C) {
	public, _ := mustKeyPair(c, "alice@example.com")
	c.Assert(s.p.SaveKeyRing(public), gc.IsNil)
	c.Assert(s.p.SaveKeyRing(public), gc.IsNil)

	blobRows, err := s.st.Query(storage.KeyRingData(false, public.KeyID), nil, storage.NoFilter)
	c.Assert(err, gc.IsNil)
	c.Check(blobRows, gc.HasLen, 1)

	keyRows, err := s.st.Query(storage.KeyRingKeys(public.KeyID), nil, storage.NoFilter)
	c.Assert(err, gc.IsNil)
	c.Check(keyRows, gc.HasLen, 1+len(public.SubKeys))

	uidRows, err := s.st.Query(storage.KeyRingUserIDs(public.KeyID), nil, storage.NoFilter)
	c.Assert(err, gc.IsNil)
	c.Check(uidRows, gc.HasLen, len(public.UserIDs))
}

func (s *ProviderSuite) TestSavePair(c *gc.C) {
	public, secret := mustKeyPair(c, "alice@example.com")
	c.Assert(s.p.SaveKeyRingPair(public, secret), gc.IsNil)

	has, err := s.p.HasSecretKey(public.KeyID)
	c.Assert(err, gc.IsNil)
	c.Check(has, gc.Equals, true)
}

func (s *ProviderSuite) TestSavePairMismatch(c *gc.C) {
	public, _ := mustKeyPair(c, "alice@example.com")
	_, secret := mustKeyPair(c, "bob@example.com")
	c.Check(s.p.SaveKeyRingPair(public, secret), gc.NotNil)
}

func (s *ProviderSuite) TestBatchFailureKeepsBlobAndNotifies(c *gc.C) {
	var failures []storage.KeyringBatchFailed
	s.p.Subscribe(func(change storage.KeyringChange) error {
		if failed, ok := change.(storage.KeyringBatchFailed); ok {
			failures = append(failures, failed)
		}
		return nil
	})

	public, _ := mustKeyPair(c, "alice@example.com")
	s.st.FailBatch = true
	err := s.p.SaveKeyRing(public)
	c.Assert(err, gc.NotNil)
	c.Assert(failures, gc.HasLen, 1)
	c.Check(failures[0].MasterKeyID, gc.Equals, public.KeyID)

	// The blob write precedes the batch, so the keyring is stored even
	// though its derived rows are not.
	got, err := s.p.PublicKeyRing(public.KeyID)
	c.Assert(err, gc.IsNil)
	c.Check(got.Fingerprint(), gc.Equals, public.Fingerprint())

	rows, err := s.st.Query(storage.KeyRingKeys(public.KeyID), nil, storage.NoFilter)
	c.Assert(err, gc.IsNil)
	c.Check(rows, gc.HasLen, 0)
}

func (s *ProviderSuite) TestBatchFailurePreservesSecret(c *gc.C) {
	public, secret := mustKeyPair(c, "alice@example.com")
	c.Assert(s.p.SaveKeyRing(public), gc.IsNil)
	c.Assert(s.p.SaveSecretKeyRing(secret), gc.IsNil)

	// Re-saving the public keyring cascades the secret blob away with
	// the old public row. A failed batch must not lose it.
	s.st.FailBatch = true
	err := s.p.SaveKeyRing(public)
	c.Assert(err, gc.NotNil)

	has, err := s.p.HasSecretKey(public.KeyID)
	c.Assert(err, gc.IsNil)
	c.Check(has, gc.Equals, true)

	got, err := s.p.SecretKeyRing(public.KeyID)
	c.Assert(err, gc.IsNil)
	c.Check(got.Secret, gc.Equals, true)
	c.Check(got.Fingerprint(), gc.Equals, secret.Fingerprint())
}

func (s *ProviderSuite) TestDerivedRowsRankOrder(c *gc.C) {
	public, _ := mustKeyPair(c, "alice@example.com")
	c.Assert(s.p.SaveKeyRing(public), gc.IsNil)

	rows, err := s.st.Query(storage.KeyRingKeys(public.KeyID), nil, storage.NoFilter)
	c.Assert(err, gc.IsNil)
	c.Assert(rows, gc.HasLen, 1+len(public.SubKeys))

	rank, err := rows[0][storage.ColRank].Int64()
	c.Assert(err, gc.IsNil)
	c.Check(rank, gc.Equals, int64(0))
	isMaster, err := rows[0][storage.ColIsMasterKey].Bool()
	c.Assert(err, gc.IsNil)
	c.Check(isMaster, gc.Equals, true)
	keyID, err := rows[0][storage.ColKeyID].Int64()
	c.Assert(err, gc.IsNil)
	c.Check(keyID, gc.Equals, public.KeyID)

	for i, subkey := range public.SubKeys {
		rank, err := rows[i+1][storage.ColRank].Int64()
		c.Assert(err, gc.IsNil)
		c.Check(rank, gc.Equals, int64(i+1))
		keyID, err := rows[i+1][storage.ColKeyID].Int64()
		c.Assert(err, gc.IsNil)
		c.Check(keyID, gc.Equals, subkey.KeyID)
	}

	uidRows, err := s.st.Query(storage.KeyRingUserIDs(public.KeyID), nil, storage.NoFilter)
	c.Assert(err, gc.IsNil)
	c.Assert(uidRows, gc.HasLen, len(public.UserIDs))
	uid, err := uidRows[0][storage.ColUserID].Text()
	c.Assert(err, gc.IsNil)
	c.Check(uid, gc.Equals, public.UserIDs[0].Keywords)
}

func (s *ProviderSuite) TestMasterKeyIDFastPath(c *gc.C) {
	before := s.st.MethodCount("Query")
	id, err := s.p.MasterKeyID(storage.KeyRingUnified(4242))
	c.Assert(err, gc.IsNil)
	c.Check(id, gc.Equals, int64(4242))
	c.Check(s.st.MethodCount("Query"), gc.Equals, before, gc.Commentf("embedded IDs must resolve without a store query"))
}

func (s *ProviderSuite) TestMasterKeyIDFindPath(c *gc.C) {
	public, _ := mustKeyPair(c, "alice@example.com")
	c.Assert(s.p.SaveKeyRing(public), gc.IsNil)
	c.Assert(public.SubKeys, gc.Not(gc.HasLen), 0)

	subKeyID := public.SubKeys[0].KeyID
	id, err := s.p.MasterKeyID(storage.FindSubKey(subKeyID))
	c.Assert(err, gc.IsNil)
	c.Check(id, gc.Equals, public.KeyID)
}

func (s *ProviderSuite) TestMasterKeyIDAbsent(c *gc.C) {
	id, err := s.p.MasterKeyID(storage.FindSubKey(999999))
	c.Assert(err, gc.IsNil)
	c.Check(id, gc.Equals, MasterKeyIDAbsent)
}

func (s *ProviderSuite) TestMasterKeyIDNonNumeric(c *gc.C) {
	// A resolved value that is not an integer counts as absent.
	_, err := s.st.Insert(storage.KeyRingKeys(777), storage.Row{
		storage.ColMasterKeyID: storage.TextValue("garbled"),
		storage.ColKeyID:       storage.IntValue(777),
		storage.ColRank:        storage.IntValue(0),
	})
	c.Assert(err, gc.IsNil)

	id, err := s.p.MasterKeyID(storage.FindSubKey(777))
	c.Assert(err, gc.IsNil)
	c.Check(id, gc.Equals, MasterKeyIDAbsent)
}

func (s *ProviderSuite) TestHasSecretKeyFalse(c *gc.C) {
	public, _ := mustKeyPair(c, "alice@example.com")
	c.Assert(s.p.SaveKeyRing(public), gc.IsNil)

	has, err := s.p.HasSecretKey(public.KeyID)
	c.Assert(err, gc.IsNil)
	c.Check(has, gc.Equals, false)
}

func (s *ProviderSuite) TestKeyRingByKeyID(c *gc.C) {
	public, secret := mustKeyPair(c, "alice@example.com")
	c.Assert(s.p.SaveKeyRingPair(public, secret), gc.IsNil)

	got, err := s.p.PublicKeyRingByKeyID(public.SubKeys[0].KeyID)
	c.Assert(err, gc.IsNil)
	c.Check(got.KeyID, gc.Equals, public.KeyID)

	gotSecret, err := s.p.SecretKeyRingByKeyID(public.SubKeys[0].KeyID)
	c.Assert(err, gc.IsNil)
	c.Check(gotSecret.Secret, gc.Equals, true)

	_, err = s.p.PublicKeyRingByKeyID(999999)
	c.Assert(err, gc.NotNil)
	c.Check(errors.Cause(err), gc.Equals, storage.ErrKeyringNotFound)
}

func (s *ProviderSuite) TestDeleteKeyRing(c *gc.C) {
	public, secret := mustKeyPair(c, "alice@example.com")
	c.Assert(s.p.SaveKeyRingPair(public, secret), gc.IsNil)
	c.Assert(s.p.DeleteKeyRing(public.KeyID), gc.IsNil)

	_, err := s.p.PublicKeyRing(public.KeyID)
	c.Check(errors.Cause(err), gc.Equals, storage.ErrKeyringNotFound)
	has, err := s.p.HasSecretKey(public.KeyID)
	c.Assert(err, gc.IsNil)
	c.Check(has, gc.Equals, false)

	err = s.p.DeleteKeyRing(public.KeyID)
	c.Check(errors.Cause(err), gc.Equals, storage.ErrKeyringNotFound)
}

func (s *ProviderSuite) TestCacheInvalidatedOnSave(c *gc.C) {
	public, secret := mustKeyPair(c, "alice@example.com")
	c.Assert(s.p.SaveKeyRing(public), gc.IsNil)

	_, err := s.p.PublicKeyRing(public.KeyID)
	c.Assert(err, gc.IsNil)

	// A save of the secret keyring must not leave a stale cached miss
	// or hit behind.
	c.Assert(s.p.SaveSecretKeyRing(secret), gc.IsNil)
	got, err := s.p.SecretKeyRing(public.KeyID)
	c.Assert(err, gc.IsNil)
	c.Check(got.Secret, gc.Equals, true)
}

func (s *ProviderSuite) TestUnifiedData(c *gc.C) {
	public, secret := mustKeyPair(c, "alice@example.com")
	c.Assert(s.p.SaveKeyRingPair(public, secret), gc.IsNil)

	row, err := s.p.UnifiedData(public.KeyID)
	c.Assert(err, gc.IsNil)

	id, err := row[storage.ColMasterKeyID].Int64()
	c.Assert(err, gc.IsNil)
	c.Check(id, gc.Equals, public.KeyID)
	uid, err := row[storage.ColUserID].Text()
	c.Assert(err, gc.IsNil)
	c.Check(uid, gc.Equals, public.UserIDs[0].Keywords)
	hasSecret, err := row["has_secret"].Bool()
	c.Assert(err, gc.IsNil)
	c.Check(hasSecret, gc.Equals, true)
}

func (s *ProviderSuite) TestUnifiedDataMissing(c *gc.C) {
	_, err := s.p.UnifiedData(424242)
	c.Assert(err, gc.NotNil)
	c.Check(storage.IsNotFound(err), gc.Equals, true)
}

func (s *ProviderSuite) TestArmoredExport(c *gc.C) {
	first, _ := mustKeyPair(c, "alice@example.com")
	second, _ := mustKeyPair(c, "bob@example.com")
	c.Assert(s.p.SaveKeyRing(first), gc.IsNil)
	c.Assert(s.p.SaveKeyRing(second), gc.IsNil)

	armored, err := s.p.KeyRingsAsArmoredString(nil)
	c.Assert(err, gc.IsNil)
	c.Check(strings.Contains(armored, "BEGIN PGP PUBLIC KEY BLOCK"), gc.Equals, true)
	c.Check(strings.Contains(armored, "Version: Keychain v1.0-test"), gc.Equals, true)

	keys, err := openpgp.ReadArmoredKeyRings(strings.NewReader(armored))
	c.Assert(err, gc.IsNil)
	c.Check(keys, gc.HasLen, 2)
}

func (s *ProviderSuite) TestArmoredExportFiltered(c *gc.C) {
	first, _ := mustKeyPair(c, "alice@example.com")
	second, _ := mustKeyPair(c, "bob@example.com")
	c.Assert(s.p.SaveKeyRing(first), gc.IsNil)
	c.Assert(s.p.SaveKeyRing(second), gc.IsNil)

	armored, err := s.p.KeyRingsAsArmoredString([]int64{first.KeyID})
	c.Assert(err, gc.IsNil)
	keys, err := openpgp.ReadArmoredKeyRings(strings.NewReader(armored))
	c.Assert(err, gc.IsNil)
	c.Assert(keys, gc.HasLen, 1)
	c.Check(keys[0].KeyID, gc.Equals, first.KeyID)
}

func (s *ProviderSuite) TestArmoredExportSkipsCorrupt(c *gc.C) {
	good, _ := mustKeyPair(c, "alice@example.com")
	c.Assert(s.p.SaveKeyRing(good), gc.IsNil)
	_, err := s.st.Insert(storage.KeyRingData(false, 31337), storage.Row{
		storage.ColMasterKeyID: storage.IntValue(31337),
		storage.ColKeyRingData: storage.BytesValue([]byte("not a keyring")),
	})
	c.Assert(err, gc.IsNil)

	armored, err := s.p.KeyRingsAsArmoredString(nil)
	c.Assert(err, gc.IsNil)
	keys, err := openpgp.ReadArmoredKeyRings(strings.NewReader(armored))
	c.Assert(err, gc.IsNil)
	c.Assert(keys, gc.HasLen, 1)
	c.Check(keys[0].KeyID, gc.Equals, good.KeyID)
}

func (s *ProviderSuite) TestArmoredExportEmpty(c *gc.C) {
	_, err := s.p.KeyRingsAsArmoredString(nil)
	c.Assert(err, gc.NotNil)
	c.Check(errors.Cause(err), gc.Equals, storage.ErrKeyringNotFound)
}

func (s *ProviderSuite) TestArmoredExportEmptyIDSet(c *gc.C) {
	public, _ := mustKeyPair(c, "alice@example.com")
	c.Assert(s.p.SaveKeyRing(public), gc.IsNil)

	// An explicitly empty ID set selects nothing, unlike nil.
	_, err := s.p.KeyRingsAsArmoredString([]int64{})
	c.Assert(err, gc.NotNil)
	c.Check(errors.Cause(err), gc.Equals, storage.ErrKeyringNotFound)
}

func (s *ProviderSuite) TestArmoredExportStrings(c *gc.C) {
	first, _ := mustKeyPair(c, "alice@example.com")
	second, _ := mustKeyPair(c, "bob@example.com")
	c.Assert(s.p.SaveKeyRing(first), gc.IsNil)
	c.Assert(s.p.SaveKeyRing(second), gc.IsNil)

	armored, err := s.p.KeyRingsAsArmoredStrings(nil)
	c.Assert(err, gc.IsNil)
	c.Assert(armored, gc.HasLen, 2)

	seen := make(map[int64]bool)
	for _, block := range armored {
		c.Check(strings.Contains(block, "BEGIN PGP PUBLIC KEY BLOCK"), gc.Equals, true)
		c.Check(strings.Contains(block, "Version: Keychain v1.0-test"), gc.Equals, true)
		keys, err := openpgp.ReadArmoredKeyRings(strings.NewReader(block))
		c.Assert(err, gc.IsNil)
		c.Assert(keys, gc.HasLen, 1)
		seen[keys[0].KeyID] = true
	}
	c.Check(seen[first.KeyID], gc.Equals, true)
	c.Check(seen[second.KeyID], gc.Equals, true)
}

func (s *ProviderSuite) TestApiAppLifecycle(c *gc.C) {
	app := ApiApp{PackageName: "org.example.mail", PackageSignature: []byte{0xde, 0xad}}
	c.Assert(s.p.InsertApiApp(app), gc.IsNil)

	got, err := s.p.ApiAppSettings("org.example.mail")
	c.Assert(err, gc.IsNil)
	c.Check(got, gc.DeepEquals, app)

	sig, err := s.p.ApiAppSignature("org.example.mail")
	c.Assert(err, gc.IsNil)
	c.Check(sig, gc.DeepEquals, []byte{0xde, 0xad})

	apps, err := s.p.RegisteredApiApps()
	c.Assert(err, gc.IsNil)
	c.Check(apps, gc.HasLen, 1)

	app.PackageSignature = []byte{0xbe, 0xef}
	c.Assert(s.p.UpdateApiApp(app), gc.IsNil)
	got, err = s.p.ApiAppSettings("org.example.mail")
	c.Assert(err, gc.IsNil)
	c.Check(got.PackageSignature, gc.DeepEquals, []byte{0xbe, 0xef})

	c.Assert(s.p.DeleteApiApp("org.example.mail"), gc.IsNil)
	_, err = s.p.ApiAppSettings("org.example.mail")
	c.Check(storage.IsNotFound(err), gc.Equals, true)
}

func (s *ProviderSuite) TestUpdateMissingApp(c *gc.C) {
	err := s.p.UpdateApiApp(ApiApp{PackageName: "org.missing"})
	c.Assert(err, gc.NotNil)
	c.Check(errors.Cause(err), gc.Equals, storage.ErrNoRowsAffected)
}

func (s *ProviderSuite) TestApiAccountLifecycle(c *gc.C) {
	c.Assert(s.p.InsertApiApp(ApiApp{PackageName: "org.example.mail"}), gc.IsNil)

	account := ApiAccount{
		PackageName:         "org.example.mail",
		AccountName:         "work",
		KeyID:               4242,
		Compression:         1,
		EncryptionAlgorithm: 9,
		HashAlgorithm:       8,
	}
	c.Assert(s.p.InsertApiAccount(account), gc.IsNil)

	got, err := s.p.ApiAccountSettings("org.example.mail", "work")
	c.Assert(err, gc.IsNil)
	c.Check(got, gc.DeepEquals, account)

	account.KeyID = 5353
	c.Assert(s.p.UpdateApiAccount(account), gc.IsNil)
	got, err = s.p.ApiAccountSettings("org.example.mail", "work")
	c.Assert(err, gc.IsNil)
	c.Check(got.KeyID, gc.Equals, int64(5353))

	c.Assert(s.p.InsertApiAccount(ApiAccount{
		PackageName: "org.example.mail",
		AccountName: "home",
		KeyID:       6464,
	}), gc.IsNil)
	keyIDs, err := s.p.AllKeyIDsForApp("org.example.mail")
	c.Assert(err, gc.IsNil)
	c.Check(keyIDs, gc.DeepEquals, []int64{5353, 6464})

	c.Assert(s.p.DeleteApiAccount("org.example.mail", "work"), gc.IsNil)
	_, err = s.p.ApiAccountSettings("org.example.mail", "work")
	c.Check(storage.IsNotFound(err), gc.Equals, true)
}

func (s *ProviderSuite) TestUpdateMissingAccount(c *gc.C) {
	err := s.p.UpdateApiAccount(ApiAccount{PackageName: "org.x", AccountName: "nope"})
	c.Assert(err, gc.NotNil)
	c.Check(errors.Cause(err), gc.Equals, storage.ErrNoRowsAffected)
}
