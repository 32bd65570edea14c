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
	"sort"
	"time"
)

// CheckSig associates a self-signature with the keyring it was found on.
// Signatures are classified, not cryptographically verified; see the
// package documentation.
type CheckSig struct {
	PrimaryKey *PrimaryKey
	Signature  *Signature
}

// SelfSigs holds self-signatures on OpenPGP targets, which may be keys or
// user IDs.
type SelfSigs struct {
	Revocations    []*CheckSig
	Certifications []*CheckSig
	Expirations    []*CheckSig
	Primaries      []*CheckSig

	target packetNode
}

type checkSigCreationAsc []*CheckSig

func (s checkSigCreationAsc) Len() int { return len(s) }

func (s checkSigCreationAsc) Less(i, j int) bool {
	return s[i].Signature.Creation.Unix() < s[j].Signature.Creation.Unix()
}

func (s checkSigCreationAsc) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

type checkSigCreationDesc []*CheckSig

func (s checkSigCreationDesc) Len() int { return len(s) }

func (s checkSigCreationDesc) Less(i, j int) bool {
	return s[j].Signature.Creation.Unix() < s[i].Signature.Creation.Unix()
}

func (s checkSigCreationDesc) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

type checkSigExpirationDesc []*CheckSig

func (s checkSigExpirationDesc) Len() int { return len(s) }

func (s checkSigExpirationDesc) Less(i, j int) bool {
	return s[j].Signature.Expiration.Unix() < s[i].Signature.Expiration.Unix()
}

func (s checkSigExpirationDesc) Swap(i, j int) {
	s[i], s[j] = s[j], s[i]
}

func (s *SelfSigs) resolve() {
	// Sort signatures
	sort.Sort(checkSigCreationAsc(s.Revocations))
	sort.Sort(checkSigCreationDesc(s.Certifications))
	sort.Sort(checkSigExpirationDesc(s.Expirations))
	sort.Sort(checkSigCreationDesc(s.Primaries))
}

var zeroTime time.Time

func (s *SelfSigs) RevokedSince() (time.Time, bool) {
	if len(s.Revocations) > 0 {
		return s.Revocations[0].Signature.Creation, true
	}
	return zeroTime, false
}

func (s *SelfSigs) ExpiresAt() (time.Time, bool) {
	if len(s.Expirations) > 0 {
		return s.Expirations[0].Signature.Expiration, true
	}
	return zeroTime, false
}

// KeyFlags returns the capability flags from the most recent
// certification that carries a key flags subpacket.
func (s *SelfSigs) KeyFlags() (certify, sign, encrypt, ok bool) {
	for _, checkSig := range s.Certifications {
		if checkSig.Signature.FlagsValid {
			sig := checkSig.Signature
			return sig.FlagCertify, sig.FlagSign, sig.FlagEncrypt, true
		}
	}
	return false, false, false, false
}
