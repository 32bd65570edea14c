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

package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// Locator addresses stored rows without exposing the backend layout.
// It is a slash-separated path; the first segment names a row family and
// later segments narrow the addressed rows.
type Locator string

// Row family names, the first locator segment.
const (
	FamilyKeyRings    = "key_rings"
	FamilyKeyRingData = "key_ring_data"
	FamilyApiApps     = "api_apps"
)

// Locator path markers.
const (
	PathUnified  = "unified"
	PathKeys     = "keys"
	PathUserIDs  = "user_ids"
	PathFind     = "find"
	PathSubKey   = "subkey"
	PathPublic   = "public"
	PathSecret   = "secret"
	PathAccounts = "accounts"
)

func (l Locator) String() string {
	return string(l)
}

// Segments splits the locator into its path segments.
func (l Locator) Segments() []string {
	return strings.Split(string(l), "/")
}

// Segment returns the i'th path segment, or "" when out of range.
func (l Locator) Segment(i int) string {
	segments := l.Segments()
	if i < 0 || i >= len(segments) {
		return ""
	}
	return segments[i]
}

// Family returns the row family the locator addresses.
func (l Locator) Family() string {
	return l.Segment(0)
}

// EmbeddedMasterKeyID returns the master key ID when the locator's
// second segment is numeric. Locators of this shape resolve without
// touching the store.
func (l Locator) EmbeddedMasterKeyID() (int64, bool) {
	id, err := strconv.ParseInt(l.Segment(1), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// IsFind reports whether the locator requests a lookup rather than
// addressing rows directly.
func (l Locator) IsFind() bool {
	return l.Segment(1) == PathFind
}

// KeyRingUnified addresses the unified view of one keyring: its keys,
// user IDs and blob availability in a single result set.
func KeyRingUnified(masterKeyID int64) Locator {
	return Locator(fmt.Sprintf("%s/%d/%s", FamilyKeyRings, masterKeyID, PathUnified))
}

// KeyRingKeys addresses the key rows of one keyring, in rank order.
func KeyRingKeys(masterKeyID int64) Locator {
	return Locator(fmt.Sprintf("%s/%d/%s", FamilyKeyRings, masterKeyID, PathKeys))
}

// KeyRingUserIDs addresses the user ID rows of one keyring, in rank
// order.
func KeyRingUserIDs(masterKeyID int64) Locator {
	return Locator(fmt.Sprintf("%s/%d/%s", FamilyKeyRings, masterKeyID, PathUserIDs))
}

// FindSubKey addresses the keyring owning the given key ID, master or
// subkey. Resolution requires a store lookup.
func FindSubKey(keyID int64) Locator {
	return Locator(fmt.Sprintf("%s/%s/%s/%d", FamilyKeyRings, PathFind, PathSubKey, keyID))
}

// KeyRingData addresses one stored keyring blob. The kind precedes the
// master key ID so that resolving the locator consults the store; a
// missing blob resolves to the absent sentinel rather than echoing the
// path.
func KeyRingData(secret bool, masterKeyID int64) Locator {
	kind := PathPublic
	if secret {
		kind = PathSecret
	}
	return Locator(fmt.Sprintf("%s/%s/%d", FamilyKeyRingData, kind, masterKeyID))
}

// AllPublicKeyRingData addresses every stored public keyring blob.
func AllPublicKeyRingData() Locator {
	return Locator(fmt.Sprintf("%s/%s", FamilyKeyRingData, PathPublic))
}

// ApiApps addresses all registered API app rows.
func ApiApps() Locator {
	return Locator(FamilyApiApps)
}

// ApiApp addresses one registered API app by package name.
func ApiApp(packageName string) Locator {
	return Locator(fmt.Sprintf("%s/%s", FamilyApiApps, packageName))
}

// ApiAccounts addresses all account rows of one API app.
func ApiAccounts(packageName string) Locator {
	return Locator(fmt.Sprintf("%s/%s/%s", FamilyApiApps, packageName, PathAccounts))
}

// ApiAccount addresses one account row of one API app.
func ApiAccount(packageName, accountName string) Locator {
	return Locator(fmt.Sprintf("%s/%s/%s/%s", FamilyApiApps, packageName, PathAccounts, accountName))
}

// Column names shared by all backends.
const (
	ColMasterKeyID      = "master_key_id"
	ColType             = "type"
	ColKeyRingData      = "key_ring_data"
	ColKeyID            = "key_id"
	ColRank             = "rank"
	ColKeySize          = "key_size"
	ColAlgorithm        = "algorithm"
	ColFingerprint      = "fingerprint"
	ColCanCertify       = "can_certify"
	ColCanSign          = "can_sign"
	ColCanEncrypt       = "can_encrypt"
	ColIsRevoked        = "is_revoked"
	ColIsMasterKey      = "is_master_key"
	ColCreation         = "creation"
	ColExpiry           = "expiry"
	ColUserID           = "user_id"
	ColPackageName      = "package_name"
	ColPackageSignature = "package_signature"
	ColAccountName      = "account_name"
	ColCompression      = "compression"
	ColEncryptionAlgo   = "encryption_algorithm"
	ColHashAlgo         = "hash_algorithm"
)

// Keyring blob kinds stored in the type column.
const (
	KeyRingTypePublic int64 = 0
	KeyRingTypeSecret int64 = 1
)

// Filter is an optional row restriction in SQL syntax. Backends that are
// not SQL parse the small subset produced by the helpers below. The
// empty filter matches all rows.
type Filter string

// NoFilter matches all rows.
const NoFilter Filter = ""

// InInts restricts a column to a set of integer values.
func InInts(column string, ids []int64) Filter {
	if len(ids) == 0 {
		return NoFilter
	}
	quoted := make([]string, len(ids))
	for i := range ids {
		quoted[i] = strconv.FormatInt(ids[i], 10)
	}
	return Filter(fmt.Sprintf("%s IN (%s)", column, strings.Join(quoted, ", ")))
}

// InStrings restricts a column to a set of text values, quoted for SQL.
func InStrings(column string, values []string) Filter {
	if len(values) == 0 {
		return NoFilter
	}
	quoted := make([]string, len(values))
	for i := range values {
		quoted[i] = "'" + EscapeString(values[i]) + "'"
	}
	return Filter(fmt.Sprintf("%s IN (%s)", column, strings.Join(quoted, ", ")))
}

// EscapeString doubles embedded quotes for inclusion in a SQL literal.
func EscapeString(s string) string {
	return strings.Replace(s, "'", "''", -1)
}
