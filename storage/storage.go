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

// Package storage defines the interface provided by all keychain storage
// backends. Rows are addressed by opaque locators rather than by backend
// table names, so callers stay independent of the relational layout.
package storage

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when no row matches the given locator.
var ErrNotFound = fmt.Errorf("not found")

// ErrKeyringNotFound is returned when a requested keyring does not exist
// in the store.
var ErrKeyringNotFound = fmt.Errorf("keyring not found")

// ErrUnsupportedOperation is returned when a locator does not support the
// requested operation.
var ErrUnsupportedOperation = fmt.Errorf("unsupported operation")

// ErrNoRowsAffected is returned by updates that matched no existing row.
// Callers that require the row to exist treat this as a hard fault.
var ErrNoRowsAffected = fmt.Errorf("no rows affected")

// IsNotFound returns whether err indicates a missing row or keyring.
func IsNotFound(err error) bool {
	cause := errors.Cause(err)
	return cause == ErrNotFound || cause == ErrKeyringNotFound
}

// Row is a single stored record, column name to value.
type Row map[string]Value

// Rows is a query result set in backend iteration order.
type Rows []Row

// Operation is one element of an atomic batch: an insert of Row at
// Locator when Row is non-nil, otherwise a delete of all rows matching
// Locator and Filter.
type Operation struct {
	Locator Locator
	Row     Row
	Filter  Filter
}

// InsertOp builds a batch insert operation.
func InsertOp(l Locator, row Row) Operation {
	return Operation{Locator: l, Row: row}
}

// DeleteOp builds a batch delete operation.
func DeleteOp(l Locator, filter Filter) Operation {
	return Operation{Locator: l, Filter: filter}
}

// Store is the interface provided by all keychain storage backends.
type Store interface {
	io.Closer

	// Query returns the rows matching the locator and filter. When
	// projection is non-empty only the named columns are populated.
	Query(l Locator, projection []string, filter Filter) (Rows, error)

	// Insert stores a new row at the locator and returns the locator of
	// the stored row.
	Insert(l Locator, row Row) (Locator, error)

	// Update modifies the rows matching the locator and filter and
	// returns the number of rows changed. Matching no rows is not an
	// error here; callers decide whether that is fatal.
	Update(l Locator, row Row, filter Filter) (int, error)

	// Delete removes the rows matching the locator and filter and
	// returns the number of rows removed. Deleting the public keyring
	// blob also removes the keyring's derived rows and its secret blob.
	Delete(l Locator, filter Filter) (int, error)

	// ApplyBatch applies all operations atomically. Either every
	// operation takes effect or none do.
	ApplyBatch(ops []Operation) error

	Notifier
}

// KeyringChange is a mutation event on stored keyrings.
type KeyringChange interface {
	fmt.Stringer
}

// KeyringAdded is sent when a keyring is stored for the first time.
type KeyringAdded struct {
	MasterKeyID int64
	Secret      bool
}

func (kc KeyringAdded) String() string {
	return fmt.Sprintf("keyring %d added (secret=%v)", kc.MasterKeyID, kc.Secret)
}

// KeyringReplaced is sent when a save replaced an existing keyring.
type KeyringReplaced struct {
	MasterKeyID int64
}

func (kc KeyringReplaced) String() string {
	return fmt.Sprintf("keyring %d replaced", kc.MasterKeyID)
}

// KeyringRemoved is sent when a keyring is deleted from the store.
type KeyringRemoved struct {
	MasterKeyID int64
}

func (kc KeyringRemoved) String() string {
	return fmt.Sprintf("keyring %d removed", kc.MasterKeyID)
}

// KeyringBatchFailed is sent when a keyring blob was stored but the
// batch writing its derived rows did not apply.
type KeyringBatchFailed struct {
	MasterKeyID int64
	Err         error
}

func (kc KeyringBatchFailed) String() string {
	return fmt.Sprintf("keyring %d batch failed: %v", kc.MasterKeyID, kc.Err)
}

// Notifier subscribes callbacks to keyring mutation events.
type Notifier interface {
	// Subscribe registers a callback for keyring changes.
	Subscribe(func(KeyringChange) error)

	// Notify invokes all subscribed callbacks with the change.
	Notify(change KeyringChange) error
}
