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

// Package mock provides an in-memory storage.Store for tests. It honors
// the same locator routing, cascade and batch-atomicity rules as the
// relational backends and records method calls for assertion.
package mock

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"keychain/storage"
)

// MethodCall records one Store method invocation.
type MethodCall struct {
	Name string
	Args []interface{}
}

// Recorder accumulates method calls for test assertions.
type Recorder struct {
	Calls []MethodCall
}

func (r *Recorder) record(name string, args ...interface{}) {
	r.Calls = append(r.Calls, MethodCall{Name: name, Args: args})
}

// MethodCount returns how many times the named method was called.
func (r *Recorder) MethodCount(name string) int {
	var n int
	for _, call := range r.Calls {
		if call.Name == name {
			n++
		}
	}
	return n
}

type table struct {
	rows []storage.Row
}

// Store is an in-memory storage.Store.
type Store struct {
	Recorder

	mu       sync.Mutex
	data     table
	keys     table
	userIDs  table
	apps     table
	accounts table

	subscribers []func(storage.KeyringChange) error

	// FailBatch makes the next ApplyBatch fail without applying, for
	// exercising partial-save handling.
	FailBatch bool
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{}
}

var _ storage.Store = (*Store)(nil)

func (st *Store) Close() error {
	st.record("Close")
	return nil
}

func cloneRow(row storage.Row) storage.Row {
	result := storage.Row{}
	for col, v := range row {
		result[col] = v
	}
	return result
}

func project(row storage.Row, projection []string) storage.Row {
	if len(projection) == 0 {
		return cloneRow(row)
	}
	result := storage.Row{}
	for _, col := range projection {
		if v, ok := row[col]; ok {
			result[col] = v
		}
	}
	return result
}

// parseFilter understands the restricted filter syntax produced by the
// storage package helpers: `column IN (v1, v2, ...)`.
func parseFilter(f storage.Filter) (string, []storage.Value, error) {
	s := strings.TrimSpace(string(f))
	if s == "" {
		return "", nil, nil
	}
	open := strings.Index(s, "(")
	if !strings.HasSuffix(s, ")") || open < 0 {
		return "", nil, errors.Errorf("cannot parse filter %q", s)
	}
	head := strings.Fields(s[:open])
	if len(head) != 2 || !strings.EqualFold(head[1], "IN") {
		return "", nil, errors.Errorf("cannot parse filter %q", s)
	}
	var values []storage.Value
	for _, item := range strings.Split(s[open+1:len(s)-1], ",") {
		item = strings.TrimSpace(item)
		if strings.HasPrefix(item, "'") && strings.HasSuffix(item, "'") {
			text := strings.Replace(item[1:len(item)-1], "''", "'", -1)
			values = append(values, storage.TextValue(text))
			continue
		}
		i, err := strconv.ParseInt(item, 10, 64)
		if err != nil {
			return "", nil, errors.Wrapf(err, "cannot parse filter value %q", item)
		}
		values = append(values, storage.IntValue(i))
	}
	return head[0], values, nil
}

func matchFilter(row storage.Row, column string, values []storage.Value) bool {
	if column == "" {
		return true
	}
	have, ok := row[column]
	if !ok {
		return false
	}
	for _, want := range values {
		switch want.Kind() {
		case storage.KindInteger:
			w, _ := want.Int64()
			if h, err := have.Int64(); err == nil && h == w {
				return true
			}
		case storage.KindText:
			w, _ := want.Text()
			if h, err := have.Text(); err == nil && h == w {
				return true
			}
		}
	}
	return false
}

func matchInt(row storage.Row, column string, want int64) bool {
	have, err := row[column].Int64()
	return err == nil && have == want
}

func matchText(row storage.Row, column, want string) bool {
	have, err := row[column].Text()
	return err == nil && have == want
}

func (t *table) selectRows(pred func(storage.Row) bool) []storage.Row {
	var result []storage.Row
	for _, row := range t.rows {
		if pred(row) {
			result = append(result, row)
		}
	}
	return result
}

func (t *table) deleteRows(pred func(storage.Row) bool) int {
	var kept []storage.Row
	var n int
	for _, row := range t.rows {
		if pred(row) {
			n++
		} else {
			kept = append(kept, row)
		}
	}
	t.rows = kept
	return n
}

func sortByRank(rows []storage.Row) {
	sort.SliceStable(rows, func(i, j int) bool {
		ri, _ := rows[i][storage.ColRank].Int64()
		rj, _ := rows[j][storage.ColRank].Int64()
		return ri < rj
	})
}

func (st *Store) Query(l storage.Locator, projection []string, filter storage.Filter) (storage.Rows, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.record("Query", l, projection, filter)
	return st.query(l, projection, filter)
}

func (st *Store) query(l storage.Locator, projection []string, filter storage.Filter) (storage.Rows, error) {
	column, values, err := parseFilter(filter)
	if err != nil {
		return nil, err
	}
	pred := func(row storage.Row) bool {
		return matchFilter(row, column, values)
	}

	var selected []storage.Row
	segments := l.Segments()
	switch l.Family() {
	case storage.FamilyKeyRings:
		if l.IsFind() {
			if l.Segment(2) != storage.PathSubKey || len(segments) != 4 {
				return nil, errors.Wrapf(storage.ErrUnsupportedOperation, "query %q", l)
			}
			keyID, err := strconv.ParseInt(l.Segment(3), 10, 64)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			selected = st.keys.selectRows(func(row storage.Row) bool {
				return matchInt(row, storage.ColKeyID, keyID) && pred(row)
			})
			break
		}
		masterKeyID, ok := l.EmbeddedMasterKeyID()
		if !ok || len(segments) != 3 {
			return nil, errors.Wrapf(storage.ErrUnsupportedOperation, "query %q", l)
		}
		owned := func(row storage.Row) bool {
			return matchInt(row, storage.ColMasterKeyID, masterKeyID) && pred(row)
		}
		switch l.Segment(2) {
		case storage.PathKeys:
			selected = st.keys.selectRows(owned)
			sortByRank(selected)
		case storage.PathUserIDs:
			selected = st.userIDs.selectRows(owned)
			sortByRank(selected)
		case storage.PathUnified:
			selected = st.unifiedRows(masterKeyID)
		default:
			return nil, errors.Wrapf(storage.ErrUnsupportedOperation, "query %q", l)
		}
	case storage.FamilyKeyRingData:
		kind, err := keyRingKind(l.Segment(1))
		if err != nil {
			return nil, err
		}
		owned := func(row storage.Row) bool {
			return matchInt(row, storage.ColType, kind) && pred(row)
		}
		switch len(segments) {
		case 2:
			selected = st.data.selectRows(owned)
		case 3:
			masterKeyID, err := strconv.ParseInt(l.Segment(2), 10, 64)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			selected = st.data.selectRows(func(row storage.Row) bool {
				return matchInt(row, storage.ColMasterKeyID, masterKeyID) && owned(row)
			})
		default:
			return nil, errors.Wrapf(storage.ErrUnsupportedOperation, "query %q", l)
		}
	case storage.FamilyApiApps:
		switch len(segments) {
		case 1:
			selected = st.apps.selectRows(pred)
		case 2:
			selected = st.apps.selectRows(func(row storage.Row) bool {
				return matchText(row, storage.ColPackageName, l.Segment(1)) && pred(row)
			})
		case 3, 4:
			if l.Segment(2) != storage.PathAccounts {
				return nil, errors.Wrapf(storage.ErrUnsupportedOperation, "query %q", l)
			}
			selected = st.accounts.selectRows(func(row storage.Row) bool {
				if !matchText(row, storage.ColPackageName, l.Segment(1)) {
					return false
				}
				if len(segments) == 4 && !matchText(row, storage.ColAccountName, l.Segment(3)) {
					return false
				}
				return pred(row)
			})
		default:
			return nil, errors.Wrapf(storage.ErrUnsupportedOperation, "query %q", l)
		}
	default:
		return nil, errors.Wrapf(storage.ErrUnsupportedOperation, "query %q", l)
	}

	result := make(storage.Rows, 0, len(selected))
	for _, row := range selected {
		result = append(result, project(row, projection))
	}
	return result, nil
}

// unifiedRows builds the one-row summary of a keyring: master key ID and
// key ID, the first user ID, and whether a secret blob is stored.
func (st *Store) unifiedRows(masterKeyID int64) []storage.Row {
	blobs := st.data.selectRows(func(row storage.Row) bool {
		return matchInt(row, storage.ColMasterKeyID, masterKeyID) &&
			matchInt(row, storage.ColType, storage.KeyRingTypePublic)
	})
	if len(blobs) == 0 {
		return nil
	}
	row := storage.Row{
		storage.ColMasterKeyID: storage.IntValue(masterKeyID),
		storage.ColUserID:      storage.NullValue,
	}
	masters := st.keys.selectRows(func(r storage.Row) bool {
		return matchInt(r, storage.ColMasterKeyID, masterKeyID) && matchInt(r, storage.ColRank, 0)
	})
	if len(masters) > 0 {
		row[storage.ColKeyID] = masters[0][storage.ColKeyID]
		row[storage.ColFingerprint] = masters[0][storage.ColFingerprint]
	}
	uids := st.userIDs.selectRows(func(r storage.Row) bool {
		return matchInt(r, storage.ColMasterKeyID, masterKeyID)
	})
	sortByRank(uids)
	if len(uids) > 0 {
		row[storage.ColUserID] = uids[0][storage.ColUserID]
	}
	secrets := st.data.selectRows(func(r storage.Row) bool {
		return matchInt(r, storage.ColMasterKeyID, masterKeyID) &&
			matchInt(r, storage.ColType, storage.KeyRingTypeSecret)
	})
	row["has_secret"] = storage.BoolValue(len(secrets) > 0)
	return []storage.Row{row}
}

func keyRingKind(segment string) (int64, error) {
	switch segment {
	case storage.PathPublic:
		return storage.KeyRingTypePublic, nil
	case storage.PathSecret:
		return storage.KeyRingTypeSecret, nil
	}
	return 0, errors.Errorf("invalid keyring data kind %q", segment)
}

func (st *Store) Insert(l storage.Locator, row storage.Row) (storage.Locator, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.record("Insert", l, row)
	return st.insert(l, row)
}

func (st *Store) insert(l storage.Locator, row storage.Row) (storage.Locator, error) {
	row = cloneRow(row)
	segments := l.Segments()
	switch l.Family() {
	case storage.FamilyKeyRingData:
		kind, err := keyRingKind(l.Segment(1))
		if err != nil {
			return "", err
		}
		row[storage.ColType] = storage.IntValue(kind)
		masterKeyID, err := row[storage.ColMasterKeyID].Int64()
		if err != nil {
			return "", err
		}
		existing := st.data.selectRows(func(r storage.Row) bool {
			return matchInt(r, storage.ColMasterKeyID, masterKeyID) && matchInt(r, storage.ColType, kind)
		})
		if len(existing) > 0 {
			return "", errors.Errorf("duplicate keyring data row %d/%d", masterKeyID, kind)
		}
		st.data.rows = append(st.data.rows, row)
		return storage.KeyRingData(kind == storage.KeyRingTypeSecret, masterKeyID), nil
	case storage.FamilyKeyRings:
		if len(segments) != 3 {
			return "", errors.Wrapf(storage.ErrUnsupportedOperation, "insert %q", l)
		}
		switch l.Segment(2) {
		case storage.PathKeys:
			st.keys.rows = append(st.keys.rows, row)
		case storage.PathUserIDs:
			st.userIDs.rows = append(st.userIDs.rows, row)
		default:
			return "", errors.Wrapf(storage.ErrUnsupportedOperation, "insert %q", l)
		}
		return l, nil
	case storage.FamilyApiApps:
		switch len(segments) {
		case 1:
			packageName, err := row[storage.ColPackageName].Text()
			if err != nil {
				return "", err
			}
			existing := st.apps.selectRows(func(r storage.Row) bool {
				return matchText(r, storage.ColPackageName, packageName)
			})
			if len(existing) > 0 {
				return "", errors.Errorf("duplicate api app %q", packageName)
			}
			st.apps.rows = append(st.apps.rows, row)
			return storage.ApiApp(packageName), nil
		case 3:
			if l.Segment(2) != storage.PathAccounts {
				return "", errors.Wrapf(storage.ErrUnsupportedOperation, "insert %q", l)
			}
			packageName := l.Segment(1)
			row[storage.ColPackageName] = storage.TextValue(packageName)
			accountName, err := row[storage.ColAccountName].Text()
			if err != nil {
				return "", err
			}
			existing := st.accounts.selectRows(func(r storage.Row) bool {
				return matchText(r, storage.ColPackageName, packageName) &&
					matchText(r, storage.ColAccountName, accountName)
			})
			if len(existing) > 0 {
				return "", errors.Errorf("duplicate api account %q/%q", packageName, accountName)
			}
			st.accounts.rows = append(st.accounts.rows, row)
			return storage.ApiAccount(packageName, accountName), nil
		}
	}
	return "", errors.Wrapf(storage.ErrUnsupportedOperation, "insert %q", l)
}

func (st *Store) Update(l storage.Locator, row storage.Row, filter storage.Filter) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.record("Update", l, row, filter)

	column, values, err := parseFilter(filter)
	if err != nil {
		return 0, err
	}
	segments := l.Segments()
	if l.Family() != storage.FamilyApiApps {
		return 0, errors.Wrapf(storage.ErrUnsupportedOperation, "update %q", l)
	}
	var target *table
	var pred func(storage.Row) bool
	switch len(segments) {
	case 2:
		target = &st.apps
		pred = func(r storage.Row) bool {
			return matchText(r, storage.ColPackageName, l.Segment(1)) && matchFilter(r, column, values)
		}
	case 4:
		if l.Segment(2) != storage.PathAccounts {
			return 0, errors.Wrapf(storage.ErrUnsupportedOperation, "update %q", l)
		}
		target = &st.accounts
		pred = func(r storage.Row) bool {
			return matchText(r, storage.ColPackageName, l.Segment(1)) &&
				matchText(r, storage.ColAccountName, l.Segment(3)) &&
				matchFilter(r, column, values)
		}
	default:
		return 0, errors.Wrapf(storage.ErrUnsupportedOperation, "update %q", l)
	}
	var n int
	for _, existing := range target.rows {
		if pred(existing) {
			for col, v := range row {
				existing[col] = v
			}
			n++
		}
	}
	return n, nil
}

func (st *Store) Delete(l storage.Locator, filter storage.Filter) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.record("Delete", l, filter)
	return st.delete(l, filter)
}

func (st *Store) delete(l storage.Locator, filter storage.Filter) (int, error) {
	column, values, err := parseFilter(filter)
	if err != nil {
		return 0, err
	}
	pred := func(row storage.Row) bool {
		return matchFilter(row, column, values)
	}
	segments := l.Segments()
	switch l.Family() {
	case storage.FamilyKeyRingData:
		if len(segments) != 3 {
			return 0, errors.Wrapf(storage.ErrUnsupportedOperation, "delete %q", l)
		}
		kind, err := keyRingKind(l.Segment(1))
		if err != nil {
			return 0, err
		}
		masterKeyID, err := strconv.ParseInt(l.Segment(2), 10, 64)
		if err != nil {
			return 0, errors.WithStack(err)
		}
		n := st.data.deleteRows(func(row storage.Row) bool {
			return matchInt(row, storage.ColMasterKeyID, masterKeyID) &&
				matchInt(row, storage.ColType, kind) && pred(row)
		})
		if kind == storage.KeyRingTypePublic && n > 0 {
			// Deleting the public blob cascades to the keyring's
			// derived rows and its secret blob.
			owned := func(row storage.Row) bool {
				return matchInt(row, storage.ColMasterKeyID, masterKeyID)
			}
			st.keys.deleteRows(owned)
			st.userIDs.deleteRows(owned)
			st.data.deleteRows(func(row storage.Row) bool {
				return owned(row) && matchInt(row, storage.ColType, storage.KeyRingTypeSecret)
			})
		}
		return n, nil
	case storage.FamilyKeyRings:
		masterKeyID, ok := l.EmbeddedMasterKeyID()
		if !ok || len(segments) != 3 {
			return 0, errors.Wrapf(storage.ErrUnsupportedOperation, "delete %q", l)
		}
		owned := func(row storage.Row) bool {
			return matchInt(row, storage.ColMasterKeyID, masterKeyID) && pred(row)
		}
		switch l.Segment(2) {
		case storage.PathKeys:
			return st.keys.deleteRows(owned), nil
		case storage.PathUserIDs:
			return st.userIDs.deleteRows(owned), nil
		}
		return 0, errors.Wrapf(storage.ErrUnsupportedOperation, "delete %q", l)
	case storage.FamilyApiApps:
		switch len(segments) {
		case 2:
			packageName := l.Segment(1)
			n := st.apps.deleteRows(func(row storage.Row) bool {
				return matchText(row, storage.ColPackageName, packageName) && pred(row)
			})
			if n > 0 {
				st.accounts.deleteRows(func(row storage.Row) bool {
					return matchText(row, storage.ColPackageName, packageName)
				})
			}
			return n, nil
		case 4:
			if l.Segment(2) != storage.PathAccounts {
				return 0, errors.Wrapf(storage.ErrUnsupportedOperation, "delete %q", l)
			}
			return st.accounts.deleteRows(func(row storage.Row) bool {
				return matchText(row, storage.ColPackageName, l.Segment(1)) &&
					matchText(row, storage.ColAccountName, l.Segment(3)) && pred(row)
			}), nil
		}
	}
	return 0, errors.Wrapf(storage.ErrUnsupportedOperation, "delete %q", l)
}

func (st *Store) ApplyBatch(ops []storage.Operation) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.record("ApplyBatch", ops)

	if st.FailBatch {
		st.FailBatch = false
		return errors.Errorf("batch failed")
	}

	// Apply against copies so a failing operation leaves no trace.
	snapshot := func(t table) table {
		rows := make([]storage.Row, len(t.rows))
		for i := range t.rows {
			rows[i] = cloneRow(t.rows[i])
		}
		return table{rows: rows}
	}
	backup := []table{
		snapshot(st.data), snapshot(st.keys), snapshot(st.userIDs),
		snapshot(st.apps), snapshot(st.accounts),
	}
	restore := func() {
		st.data, st.keys, st.userIDs, st.apps, st.accounts =
			backup[0], backup[1], backup[2], backup[3], backup[4]
	}

	for _, op := range ops {
		if op.Row != nil {
			if _, err := st.insert(op.Locator, op.Row); err != nil {
				restore()
				return err
			}
		} else {
			if _, err := st.delete(op.Locator, op.Filter); err != nil {
				restore()
				return err
			}
		}
	}
	return nil
}

func (st *Store) Subscribe(f func(storage.KeyringChange) error) {
	st.subscribers = append(st.subscribers, f)
}

func (st *Store) Notify(change storage.KeyringChange) error {
	st.record("Notify", change)
	for _, f := range st.subscribers {
		if err := f(change); err != nil {
			return err
		}
	}
	return nil
}
