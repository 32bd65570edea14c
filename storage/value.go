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

	"github.com/pkg/errors"
)

// ErrTypeMismatch is returned by typed Value accessors when the stored
// kind does not match the requested one.
var ErrTypeMismatch = fmt.Errorf("value type mismatch")

// Kind enumerates the closed set of scalar types a stored value can have.
type Kind int

const (
	KindNull Kind = iota
	KindInteger
	KindFloat
	KindText
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInteger:
		return "integer"
	case KindFloat:
		return "float"
	case KindText:
		return "text"
	case KindBytes:
		return "bytes"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Value is a scalar cell value. The zero Value is null. Accessors fail
// loudly on kind mismatch rather than coercing; schema drift should
// surface as an error, not as a silently zeroed column.
type Value struct {
	kind  Kind
	i     int64
	f     float64
	s     string
	bytes []byte
}

// NullValue is the null cell value.
var NullValue = Value{}

// IntValue returns an integer cell value.
func IntValue(i int64) Value {
	return Value{kind: KindInteger, i: i}
}

// FloatValue returns a float cell value.
func FloatValue(f float64) Value {
	return Value{kind: KindFloat, f: f}
}

// TextValue returns a text cell value.
func TextValue(s string) Value {
	return Value{kind: KindText, s: s}
}

// BytesValue returns a binary cell value.
func BytesValue(b []byte) Value {
	return Value{kind: KindBytes, bytes: b}
}

// BoolValue returns 1 or 0 as an integer cell value. The value set has
// no boolean kind; flags are stored as small integers.
func BoolValue(b bool) Value {
	if b {
		return IntValue(1)
	}
	return IntValue(0)
}

func (v Value) Kind() Kind {
	return v.kind
}

func (v Value) IsNull() bool {
	return v.kind == KindNull
}

func (v Value) Int64() (int64, error) {
	if v.kind != KindInteger {
		return 0, errors.Wrapf(ErrTypeMismatch, "have %s, want integer", v.kind)
	}
	return v.i, nil
}

func (v Value) Float64() (float64, error) {
	if v.kind != KindFloat {
		return 0, errors.Wrapf(ErrTypeMismatch, "have %s, want float", v.kind)
	}
	return v.f, nil
}

func (v Value) Text() (string, error) {
	if v.kind != KindText {
		return "", errors.Wrapf(ErrTypeMismatch, "have %s, want text", v.kind)
	}
	return v.s, nil
}

func (v Value) Bytes() ([]byte, error) {
	if v.kind != KindBytes {
		return nil, errors.Wrapf(ErrTypeMismatch, "have %s, want bytes", v.kind)
	}
	return v.bytes, nil
}

// Bool interprets an integer cell value as a flag.
func (v Value) Bool() (bool, error) {
	i, err := v.Int64()
	if err != nil {
		return false, err
	}
	return i != 0, nil
}

// Interface returns the native Go value, suitable for driver parameters.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindInteger:
		return v.i
	case KindFloat:
		return v.f
	case KindText:
		return v.s
	case KindBytes:
		return v.bytes
	}
	return nil
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindInteger:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindText:
		return fmt.Sprintf("%q", v.s)
	case KindBytes:
		return fmt.Sprintf("%d bytes", len(v.bytes))
	}
	return fmt.Sprintf("invalid kind %d", int(v.kind))
}
