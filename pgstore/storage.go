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

// Package pgstore provides a PostgreSQL storage.Store.
package pgstore

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"keychain/storage"
)

const (
	tableKeyRingData = "keyring_data"
	tableKeys        = "keys"
	tableUserIDs     = "user_ids"
	tableApiApps     = "api_apps"
	tableApiAccounts = "api_accounts"
)

var crTables = []string{
	`CREATE TABLE IF NOT EXISTS keyring_data (
master_key_id BIGINT NOT NULL,
type SMALLINT NOT NULL,
key_ring_data BYTEA NOT NULL,
PRIMARY KEY (master_key_id, type)
)`,
	`CREATE TABLE IF NOT EXISTS keys (
master_key_id BIGINT NOT NULL,
rank INT NOT NULL,
key_id BIGINT NOT NULL,
key_size INT,
algorithm INT,
fingerprint BYTEA,
is_master_key SMALLINT NOT NULL DEFAULT 0,
can_certify SMALLINT NOT NULL DEFAULT 0,
can_sign SMALLINT NOT NULL DEFAULT 0,
can_encrypt SMALLINT NOT NULL DEFAULT 0,
is_revoked SMALLINT NOT NULL DEFAULT 0,
creation BIGINT,
expiry BIGINT,
PRIMARY KEY (master_key_id, rank)
)`,
	`CREATE TABLE IF NOT EXISTS user_ids (
master_key_id BIGINT NOT NULL,
rank INT NOT NULL,
user_id TEXT NOT NULL,
PRIMARY KEY (master_key_id, rank)
)`,
	`CREATE TABLE IF NOT EXISTS api_apps (
package_name TEXT NOT NULL PRIMARY KEY,
package_signature BYTEA
)`,
	`CREATE TABLE IF NOT EXISTS api_accounts (
package_name TEXT NOT NULL REFERENCES api_apps (package_name) ON DELETE CASCADE,
account_name TEXT NOT NULL,
key_id BIGINT,
compression BIGINT,
encryption_algorithm BIGINT,
hash_algorithm BIGINT,
PRIMARY KEY (package_name, account_name)
)`,
}

var crIndexes = []string{
	`CREATE INDEX IF NOT EXISTS keys_key_id_idx ON keys (key_id)`,
	`CREATE INDEX IF NOT EXISTS user_ids_master_idx ON user_ids (master_key_id)`,
}

// columnKinds declares the scalar kind of every column per table. Scans
// go through this table rather than driver type guessing, so a schema
// change that shifts a column's type fails loudly.
var columnKinds = map[string]map[string]storage.Kind{
	tableKeyRingData: {
		storage.ColMasterKeyID: storage.KindInteger,
		storage.ColType:        storage.KindInteger,
		storage.ColKeyRingData: storage.KindBytes,
	},
	tableKeys: {
		storage.ColMasterKeyID: storage.KindInteger,
		storage.ColRank:        storage.KindInteger,
		storage.ColKeyID:       storage.KindInteger,
		storage.ColKeySize:     storage.KindInteger,
		storage.ColAlgorithm:   storage.KindInteger,
		storage.ColFingerprint: storage.KindBytes,
		storage.ColIsMasterKey: storage.KindInteger,
		storage.ColCanCertify:  storage.KindInteger,
		storage.ColCanSign:     storage.KindInteger,
		storage.ColCanEncrypt:  storage.KindInteger,
		storage.ColIsRevoked:   storage.KindInteger,
		storage.ColCreation:    storage.KindInteger,
		storage.ColExpiry:      storage.KindInteger,
	},
	tableUserIDs: {
		storage.ColMasterKeyID: storage.KindInteger,
		storage.ColRank:        storage.KindInteger,
		storage.ColUserID:      storage.KindText,
	},
	tableApiApps: {
		storage.ColPackageName:      storage.KindText,
		storage.ColPackageSignature: storage.KindBytes,
	},
	tableApiAccounts: {
		storage.ColPackageName:    storage.KindText,
		storage.ColAccountName:    storage.KindText,
		storage.ColKeyID:          storage.KindInteger,
		storage.ColCompression:    storage.KindInteger,
		storage.ColEncryptionAlgo: storage.KindInteger,
		storage.ColHashAlgo:       storage.KindInteger,
	},
}

// unifiedKinds covers the synthetic unified view columns.
var unifiedKinds = map[string]storage.Kind{
	storage.ColMasterKeyID: storage.KindInteger,
	storage.ColKeyID:       storage.KindInteger,
	storage.ColFingerprint: storage.KindBytes,
	storage.ColUserID:      storage.KindText,
	"has_secret":           storage.KindInteger,
}

type pgStorage struct {
	*sql.DB

	mu          sync.Mutex
	subscribers []func(storage.KeyringChange) error
}

var _ storage.Store = (*pgStorage)(nil)

// Dial opens a PostgreSQL connection and prepares the schema.
func Dial(url string) (storage.Store, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return New(db)
}

// New prepares the schema on an open connection and returns the store.
func New(db *sql.DB) (storage.Store, error) {
	st := &pgStorage{DB: db}
	err := st.createTables()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create tables")
	}
	err = st.createIndexes()
	if err != nil {
		return nil, errors.Wrap(err, "failed to create indexes")
	}
	return st, nil
}

func (st *pgStorage) createTables() error {
	for _, crTable := range crTables {
		_, err := st.Exec(crTable)
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (st *pgStorage) createIndexes() error {
	for _, crIndex := range crIndexes {
		_, err := st.Exec(crIndex)
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

func (st *pgStorage) Close() error {
	return st.DB.Close()
}

// route describes a query plan for a locator: the target table, fixed
// WHERE conditions with arguments, and an implied ordering.
type route struct {
	table   string
	where   []string
	args    []interface{}
	orderBy string
}

func (r *route) and(cond string, args ...interface{}) {
	cond = strings.Replace(cond, "?", fmt.Sprintf("$%d", len(r.args)+1), 1)
	r.where = append(r.where, cond)
	r.args = append(r.args, args...)
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

// routeLocator maps a locator onto a table route. The unified view is
// handled separately.
func routeLocator(l storage.Locator) (*route, error) {
	segments := l.Segments()
	switch l.Family() {
	case storage.FamilyKeyRings:
		if l.IsFind() {
			if l.Segment(2) != storage.PathSubKey || len(segments) != 4 {
				break
			}
			keyID, ok := parseInt(l.Segment(3))
			if !ok {
				break
			}
			r := &route{table: tableKeys, orderBy: "rank"}
			r.and("key_id = ?", keyID)
			return r, nil
		}
		masterKeyID, ok := l.EmbeddedMasterKeyID()
		if !ok || len(segments) != 3 {
			break
		}
		var table string
		switch l.Segment(2) {
		case storage.PathKeys:
			table = tableKeys
		case storage.PathUserIDs:
			table = tableUserIDs
		default:
			return nil, errors.Wrapf(storage.ErrUnsupportedOperation, "locator %q", l)
		}
		r := &route{table: table, orderBy: "rank"}
		r.and("master_key_id = ?", masterKeyID)
		return r, nil
	case storage.FamilyKeyRingData:
		if len(segments) < 2 || len(segments) > 3 {
			break
		}
		kind, err := keyRingKind(l.Segment(1))
		if err != nil {
			return nil, err
		}
		r := &route{table: tableKeyRingData, orderBy: "master_key_id"}
		r.and("type = ?", kind)
		if len(segments) == 3 {
			masterKeyID, ok := parseInt(l.Segment(2))
			if !ok {
				break
			}
			r.and("master_key_id = ?", masterKeyID)
		}
		return r, nil
	case storage.FamilyApiApps:
		switch len(segments) {
		case 1:
			return &route{table: tableApiApps, orderBy: "package_name"}, nil
		case 2:
			r := &route{table: tableApiApps}
			r.and("package_name = ?", l.Segment(1))
			return r, nil
		case 3, 4:
			if l.Segment(2) != storage.PathAccounts {
				break
			}
			r := &route{table: tableApiAccounts, orderBy: "account_name"}
			r.and("package_name = ?", l.Segment(1))
			if len(segments) == 4 {
				r.and("account_name = ?", l.Segment(3))
			}
			return r, nil
		}
	}
	return nil, errors.Wrapf(storage.ErrUnsupportedOperation, "locator %q", l)
}

func parseInt(s string) (int64, bool) {
	var i int64
	_, err := fmt.Sscanf(s, "%d", &i)
	return i, err == nil
}

func tableColumns(table string, projection []string) ([]string, error) {
	kinds, ok := columnKinds[table]
	if !ok {
		return nil, errors.Errorf("unknown table %q", table)
	}
	if len(projection) == 0 {
		columns := make([]string, 0, len(kinds))
		for col := range kinds {
			columns = append(columns, col)
		}
		sort.Strings(columns)
		return columns, nil
	}
	for _, col := range projection {
		if _, ok := kinds[col]; !ok {
			return nil, errors.Errorf("unknown column %q in table %q", col, table)
		}
	}
	return projection, nil
}

// scanTargets builds driver scan destinations for the declared kinds.
func scanTargets(kinds map[string]storage.Kind, columns []string) ([]interface{}, func() (storage.Row, error)) {
	ints := make([]sql.NullInt64, len(columns))
	texts := make([]sql.NullString, len(columns))
	blobs := make([][]byte, len(columns))
	floats := make([]sql.NullFloat64, len(columns))

	targets := make([]interface{}, len(columns))
	for i, col := range columns {
		switch kinds[col] {
		case storage.KindInteger:
			targets[i] = &ints[i]
		case storage.KindFloat:
			targets[i] = &floats[i]
		case storage.KindText:
			targets[i] = &texts[i]
		case storage.KindBytes:
			targets[i] = &blobs[i]
		}
	}
	build := func() (storage.Row, error) {
		row := storage.Row{}
		for i, col := range columns {
			switch kinds[col] {
			case storage.KindInteger:
				if ints[i].Valid {
					row[col] = storage.IntValue(ints[i].Int64)
				} else {
					row[col] = storage.NullValue
				}
			case storage.KindFloat:
				if floats[i].Valid {
					row[col] = storage.FloatValue(floats[i].Float64)
				} else {
					row[col] = storage.NullValue
				}
			case storage.KindText:
				if texts[i].Valid {
					row[col] = storage.TextValue(texts[i].String)
				} else {
					row[col] = storage.NullValue
				}
			case storage.KindBytes:
				if blobs[i] != nil {
					row[col] = storage.BytesValue(blobs[i])
				} else {
					row[col] = storage.NullValue
				}
			default:
				return nil, errors.Errorf("column %q has no declared kind", col)
			}
		}
		return row, nil
	}
	return targets, build
}

func (st *pgStorage) Query(l storage.Locator, projection []string, filter storage.Filter) (storage.Rows, error) {
	if l.Family() == storage.FamilyKeyRings && l.Segment(2) == storage.PathUnified {
		return st.queryUnified(l)
	}
	r, err := routeLocator(l)
	if err != nil {
		return nil, err
	}
	columns, err := tableColumns(r.table, projection)
	if err != nil {
		return nil, err
	}

	where := r.where
	if filter != storage.NoFilter {
		where = append(where, fmt.Sprintf("(%s)", filter))
	}
	sqlStr := fmt.Sprintf("SELECT %s FROM %s", strings.Join(columns, ", "), r.table)
	if len(where) > 0 {
		sqlStr += " WHERE " + strings.Join(where, " AND ")
	}
	if r.orderBy != "" {
		sqlStr += " ORDER BY " + r.orderBy
	}

	rows, err := st.DB.Query(sqlStr, r.args...)
	if err != nil {
		return nil, errors.Wrapf(err, "query %q", l)
	}
	defer rows.Close()

	targets, build := scanTargets(columnKinds[r.table], columns)
	var result storage.Rows
	for rows.Next() {
		err = rows.Scan(targets...)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		row, err := build()
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, errors.WithStack(rows.Err())
}

const unifiedSQL = `
SELECT d.master_key_id,
       k.key_id,
       k.fingerprint,
       (SELECT user_id FROM user_ids u
          WHERE u.master_key_id = d.master_key_id
          ORDER BY u.rank LIMIT 1) AS user_id,
       (CASE WHEN EXISTS (SELECT 1 FROM keyring_data s
                            WHERE s.master_key_id = d.master_key_id
                              AND s.type = 1)
             THEN 1 ELSE 0 END) AS has_secret
FROM keyring_data d
LEFT JOIN keys k
  ON k.master_key_id = d.master_key_id AND k.rank = 0
WHERE d.master_key_id = $1 AND d.type = 0`

func (st *pgStorage) queryUnified(l storage.Locator) (storage.Rows, error) {
	masterKeyID, ok := l.EmbeddedMasterKeyID()
	if !ok {
		return nil, errors.Wrapf(storage.ErrUnsupportedOperation, "locator %q", l)
	}
	columns := []string{
		storage.ColMasterKeyID, storage.ColKeyID, storage.ColFingerprint,
		storage.ColUserID, "has_secret",
	}
	rows, err := st.DB.Query(unifiedSQL, masterKeyID)
	if err != nil {
		return nil, errors.Wrapf(err, "query %q", l)
	}
	defer rows.Close()

	targets, build := scanTargets(unifiedKinds, columns)
	var result storage.Rows
	for rows.Next() {
		err = rows.Scan(targets...)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		row, err := build()
		if err != nil {
			return nil, err
		}
		result = append(result, row)
	}
	return result, errors.WithStack(rows.Err())
}

type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// insertRow builds and executes an INSERT for a locator. Extra columns
// implied by the locator path are merged into the row first.
func (st *pgStorage) insertRow(e execer, l storage.Locator, row storage.Row) (storage.Locator, error) {
	r, err := routeLocator(l)
	if err != nil {
		return "", err
	}
	merged := storage.Row{}
	for col, v := range row {
		merged[col] = v
	}
	switch r.table {
	case tableKeyRingData:
		kind, err := keyRingKind(l.Segment(1))
		if err != nil {
			return "", err
		}
		merged[storage.ColType] = storage.IntValue(kind)
	case tableApiAccounts:
		merged[storage.ColPackageName] = storage.TextValue(l.Segment(1))
	}

	kinds := columnKinds[r.table]
	columns := make([]string, 0, len(merged))
	for col := range merged {
		if _, ok := kinds[col]; !ok {
			return "", errors.Errorf("unknown column %q in table %q", col, r.table)
		}
		columns = append(columns, col)
	}
	sort.Strings(columns)

	placeholders := make([]string, len(columns))
	args := make([]interface{}, len(columns))
	for i, col := range columns {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = merged[col].Interface()
	}
	sqlStr := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		r.table, strings.Join(columns, ", "), strings.Join(placeholders, ", "))
	_, err = e.Exec(sqlStr, args...)
	if err != nil {
		return "", errors.Wrapf(err, "insert %q", l)
	}
	return insertedLocator(r.table, l, merged)
}

func insertedLocator(table string, l storage.Locator, row storage.Row) (storage.Locator, error) {
	switch table {
	case tableKeyRingData:
		masterKeyID, err := row[storage.ColMasterKeyID].Int64()
		if err != nil {
			return "", errors.Wrap(err, "row missing master_key_id")
		}
		kind, err := row[storage.ColType].Int64()
		if err != nil {
			return "", errors.Wrap(err, "row missing type")
		}
		return storage.KeyRingData(kind == storage.KeyRingTypeSecret, masterKeyID), nil
	case tableApiApps:
		packageName, err := row[storage.ColPackageName].Text()
		if err != nil {
			return "", errors.Wrap(err, "row missing package_name")
		}
		return storage.ApiApp(packageName), nil
	case tableApiAccounts:
		accountName, err := row[storage.ColAccountName].Text()
		if err != nil {
			return "", errors.Wrap(err, "row missing account_name")
		}
		return storage.ApiAccount(l.Segment(1), accountName), nil
	}
	return l, nil
}

func (st *pgStorage) Insert(l storage.Locator, row storage.Row) (storage.Locator, error) {
	return st.insertRow(st.DB, l, row)
}

func (st *pgStorage) Update(l storage.Locator, row storage.Row, filter storage.Filter) (int, error) {
	r, err := routeLocator(l)
	if err != nil {
		return 0, err
	}
	if r.table != tableApiApps && r.table != tableApiAccounts {
		return 0, errors.Wrapf(storage.ErrUnsupportedOperation, "update %q", l)
	}
	kinds := columnKinds[r.table]
	columns := make([]string, 0, len(row))
	for col := range row {
		if _, ok := kinds[col]; !ok {
			return 0, errors.Errorf("unknown column %q in table %q", col, r.table)
		}
		columns = append(columns, col)
	}
	sort.Strings(columns)

	args := append([]interface{}{}, r.args...)
	assignments := make([]string, len(columns))
	for i, col := range columns {
		args = append(args, row[col].Interface())
		assignments[i] = fmt.Sprintf("%s = $%d", col, len(args))
	}
	where := r.where
	if filter != storage.NoFilter {
		where = append(where, fmt.Sprintf("(%s)", filter))
	}
	sqlStr := fmt.Sprintf("UPDATE %s SET %s", r.table, strings.Join(assignments, ", "))
	if len(where) > 0 {
		sqlStr += " WHERE " + strings.Join(where, " AND ")
	}
	result, err := st.DB.Exec(sqlStr, args...)
	if err != nil {
		return 0, errors.Wrapf(err, "update %q", l)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return int(n), nil
}

func (st *pgStorage) Delete(l storage.Locator, filter storage.Filter) (int, error) {
	if l.Family() == storage.FamilyKeyRingData && l.Segment(1) == storage.PathPublic && l.Segment(2) != "" {
		return st.deletePublicKeyRing(l, filter)
	}
	return st.deleteRows(st.DB, l, filter)
}

func (st *pgStorage) deleteRows(e execer, l storage.Locator, filter storage.Filter) (int, error) {
	r, err := routeLocator(l)
	if err != nil {
		return 0, err
	}
	where := r.where
	if filter != storage.NoFilter {
		where = append(where, fmt.Sprintf("(%s)", filter))
	}
	sqlStr := fmt.Sprintf("DELETE FROM %s", r.table)
	if len(where) > 0 {
		sqlStr += " WHERE " + strings.Join(where, " AND ")
	}
	result, err := e.Exec(sqlStr, r.args...)
	if err != nil {
		return 0, errors.Wrapf(err, "delete %q", l)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return int(n), nil
}

// deletePublicKeyRing removes the public blob and cascades to the
// keyring's derived rows and secret blob in one transaction.
func (st *pgStorage) deletePublicKeyRing(l storage.Locator, filter storage.Filter) (int, error) {
	masterKeyID, ok := parseInt(l.Segment(2))
	if !ok {
		return 0, errors.Wrapf(storage.ErrUnsupportedOperation, "delete %q", l)
	}
	tx, err := st.Begin()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	n, err := st.deleteRows(tx, l, filter)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if n > 0 {
		for _, sqlStr := range []string{
			"DELETE FROM keys WHERE master_key_id = $1",
			"DELETE FROM user_ids WHERE master_key_id = $1",
			"DELETE FROM keyring_data WHERE master_key_id = $1 AND type = $2",
		} {
			args := []interface{}{masterKeyID}
			if strings.Contains(sqlStr, "$2") {
				args = append(args, storage.KeyRingTypeSecret)
			}
			_, err = tx.Exec(sqlStr, args...)
			if err != nil {
				tx.Rollback()
				return 0, errors.Wrapf(err, "cascade delete keyring %d", masterKeyID)
			}
		}
	}
	err = tx.Commit()
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return n, nil
}

func (st *pgStorage) ApplyBatch(ops []storage.Operation) error {
	tx, err := st.Begin()
	if err != nil {
		return errors.WithStack(err)
	}
	for _, op := range ops {
		if op.Row != nil {
			_, err = st.insertRow(tx, op.Locator, op.Row)
		} else {
			_, err = st.deleteRows(tx, op.Locator, op.Filter)
		}
		if err != nil {
			tx.Rollback()
			return err
		}
	}
	return errors.WithStack(tx.Commit())
}

func (st *pgStorage) Subscribe(f func(storage.KeyringChange) error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.subscribers = append(st.subscribers, f)
}

func (st *pgStorage) Notify(change storage.KeyringChange) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, f := range st.subscribers {
		err := f(change)
		if err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}
