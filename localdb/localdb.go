// Package localdb is an embedded, Badger-backed implementation of the same
// store surface as dblayer.  It backs local development and the tests of the
// scheduling packages.
//
// Documents are JSON-encoded under keys of the form "<collection>/<id>".
// Queries are prefix scans filtered in memory, which is fine at development
// scale.
package localdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mediremind/dbtypes"

	"github.com/dgraph-io/badger"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"golang.org/x/xerrors"
)

// How many times a conflicting read-write transaction is retried before
// giving up.
const maxTxnAttempts = 16

type DB struct {
	kv *badger.DB
}

// Open opens (creating if needed) a store rooted at dir.
func Open(dir string) (*DB, error) {
	opts := badger.DefaultOptions(dir).WithLogger(glogLogger{})
	kv, err := badger.Open(opts)
	if err != nil {
		return nil, xerrors.Errorf("while opening badger at %s: %w", dir, err)
	}
	return &DB{kv: kv}, nil
}

func (db *DB) Close() error {
	return db.kv.Close()
}

func (db *DB) Ping(ctx context.Context) error {
	return db.kv.View(func(txn *badger.Txn) error { return nil })
}

func key(collection, id string) []byte {
	return []byte(collection + "/" + id)
}

func prefix(collection string) []byte {
	return []byte(collection + "/")
}

func newID() string {
	return uuid.NewString()
}

// update runs fn in a read-write transaction, retrying on conflicts.
func (db *DB) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := db.kv.Update(fn)
		if errors.Is(err, badger.ErrConflict) && attempt+1 < maxTxnAttempts {
			glog.V(2).Infof("Retrying conflicting transaction (attempt %d)", attempt+1)
			continue
		}
		return err
	}
}

func get(txn *badger.Txn, collection, id string, v interface{}) error {
	item, err := txn.Get(key(collection, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return fmt.Errorf("%s/%s: %w", collection, id, dbtypes.ErrNotFound)
	}
	if err != nil {
		return xerrors.Errorf("while reading %s/%s: %w", collection, id, err)
	}

	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, v); err != nil {
			return xerrors.Errorf("while unmarshaling %s/%s: %w", collection, id, err)
		}
		return nil
	})
}

func put(txn *badger.Txn, collection, id string, v interface{}) error {
	val, err := json.Marshal(v)
	if err != nil {
		return xerrors.Errorf("while marshaling %s/%s: %w", collection, id, err)
	}
	if err := txn.Set(key(collection, id), val); err != nil {
		return xerrors.Errorf("while writing %s/%s: %w", collection, id, err)
	}
	return nil
}

func del(txn *badger.Txn, collection, id string) error {
	if err := txn.Delete(key(collection, id)); err != nil {
		return xerrors.Errorf("while deleting %s/%s: %w", collection, id, err)
	}
	return nil
}

// scan decodes every document in collection for which keep returns true.  A
// nil keep matches everything.
func scan[T any](txn *badger.Txn, collection string, keep func(*T) bool) ([]*T, error) {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()

	out := []*T{}
	p := prefix(collection)
	for it.Seek(p); it.ValidForPrefix(p); it.Next() {
		item := it.Item()
		v := new(T)
		err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
		if err != nil {
			return nil, xerrors.Errorf("while decoding %s: %w", item.Key(), err)
		}
		if keep == nil || keep(v) {
			out = append(out, v)
		}
	}
	return out, nil
}

func viewScan[T any](db *DB, collection string, keep func(*T) bool) ([]*T, error) {
	var out []*T
	err := db.kv.View(func(txn *badger.Txn) error {
		var err error
		out, err = scan(txn, collection, keep)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (db *DB) GetUser(ctx context.Context, id string) (*dbtypes.User, error) {
	user := &dbtypes.User{}
	err := db.kv.View(func(txn *badger.Txn) error {
		return get(txn, dbtypes.UsersCollection, id, user)
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (db *DB) ListUsers(ctx context.Context) ([]*dbtypes.User, error) {
	return viewScan[dbtypes.User](db, dbtypes.UsersCollection, nil)
}

func (db *DB) CreateUser(ctx context.Context, user *dbtypes.User) error {
	if user.ID == "" {
		user.ID = newID()
	}
	return db.update(ctx, func(txn *badger.Txn) error {
		return put(txn, dbtypes.UsersCollection, user.ID, user)
	})
}

func (db *DB) AddNotificationLog(ctx context.Context, entry *dbtypes.NotificationLogEntry) error {
	entry.ID = newID()
	return db.update(ctx, func(txn *badger.Txn) error {
		return put(txn, dbtypes.NotificationLogCollection, entry.ID, entry)
	})
}

// NotificationLog returns every log entry.  Used by tests and medtool.
func (db *DB) NotificationLog(ctx context.Context) ([]*dbtypes.NotificationLogEntry, error) {
	return viewScan[dbtypes.NotificationLogEntry](db, dbtypes.NotificationLogCollection, nil)
}

func (db *DB) DeleteNotificationLogBefore(ctx context.Context, cutoff time.Time) (int, error) {
	n := 0
	err := db.update(ctx, func(txn *badger.Txn) error {
		n = 0
		old, err := scan(txn, dbtypes.NotificationLogCollection, func(e *dbtypes.NotificationLogEntry) bool {
			return e.SentAt.Before(cutoff)
		})
		if err != nil {
			return err
		}
		for _, e := range old {
			if err := del(txn, dbtypes.NotificationLogCollection, e.ID); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, xerrors.Errorf("while deleting notification log entries: %w", err)
	}
	return n, nil
}

// PutSnapshot replaces the named snapshot document.
func (db *DB) PutSnapshot(ctx context.Context, name string, snapshot interface{}) error {
	return db.update(ctx, func(txn *badger.Txn) error {
		return put(txn, dbtypes.AnalyticsSnapshotsCollection, name, snapshot)
	})
}

func (db *DB) GetSnapshot(ctx context.Context, name string, dst interface{}) error {
	return db.kv.View(func(txn *badger.Txn) error {
		return get(txn, dbtypes.AnalyticsSnapshotsCollection, name, dst)
	})
}

// glogLogger routes Badger's logging into glog.
type glogLogger struct{}

func (glogLogger) Errorf(format string, args ...interface{}) {
	glog.ErrorDepth(1, fmt.Sprintf("badger: "+format, args...))
}

func (glogLogger) Warningf(format string, args ...interface{}) {
	glog.WarningDepth(1, fmt.Sprintf("badger: "+format, args...))
}

func (glogLogger) Infof(format string, args ...interface{}) {
	glog.V(2).Infof("badger: "+format, args...)
}

func (glogLogger) Debugf(format string, args ...interface{}) {
	glog.V(3).Infof("badger: "+format, args...)
}
