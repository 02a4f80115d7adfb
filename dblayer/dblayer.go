// Package dblayer packages up all Firestore accesses.
package dblayer

import (
	"context"
	"fmt"
	"time"

	"mediremind/dbtypes"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Firestore caps a single write batch at 500 operations.
const maxBatchWrites = 500

type DB struct {
	firestoreClient *firestore.Client
}

func New(firestoreClient *firestore.Client) *DB {
	return &DB{
		firestoreClient: firestoreClient,
	}
}

// Ping checks that the backing project is reachable.
func (db *DB) Ping(ctx context.Context) error {
	iter := db.firestoreClient.Collection(dbtypes.UsersCollection).Limit(1).Documents(ctx)
	defer iter.Stop()
	if _, err := iter.Next(); err != nil && err != iterator.Done {
		return fmt.Errorf("while probing users collection: %w", err)
	}
	return nil
}

func isNotFound(err error) bool {
	return status.Code(err) == codes.NotFound
}

// document is a stored type whose ID is the Firestore document ID.  Records
// written by other clients don't carry an id field, so the ID always comes
// from the document reference.
type document[T any] interface {
	*T
	SetID(id string)
}

// collect drains iter, unmarshaling every document into a fresh T.
func collect[T any, PT document[T]](iter *firestore.DocumentIterator) ([]*T, error) {
	defer iter.Stop()

	out := []*T{}
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("while iterating: %w", err)
		}

		v := new(T)
		if err := snap.DataTo(v); err != nil {
			return nil, fmt.Errorf("while unmarshaling %s: %w", snap.Ref.Path, err)
		}
		PT(v).SetID(snap.Ref.ID)
		out = append(out, v)
	}
	return out, nil
}

func (db *DB) getDoc(ctx context.Context, collection, id string, v interface{}) error {
	snap, err := db.firestoreClient.Collection(collection).Doc(id).Get(ctx)
	if isNotFound(err) {
		return fmt.Errorf("%s/%s: %w", collection, id, dbtypes.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("while retrieving %s/%s: %w", collection, id, err)
	}

	if err := snap.DataTo(v); err != nil {
		return fmt.Errorf("while unmarshaling %s/%s: %w", collection, id, err)
	}
	return nil
}

// deleteQuery deletes every document matched by q, in batches.
func (db *DB) deleteQuery(ctx context.Context, q firestore.Query) (int, error) {
	refs := []*firestore.DocumentRef{}
	iter := q.Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return 0, fmt.Errorf("while iterating documents to delete: %w", err)
		}
		refs = append(refs, snap.Ref)
	}

	for start := 0; start < len(refs); start += maxBatchWrites {
		end := start + maxBatchWrites
		if end > len(refs) {
			end = len(refs)
		}

		batch := db.firestoreClient.Batch()
		for _, ref := range refs[start:end] {
			batch.Delete(ref)
		}
		if _, err := batch.Commit(ctx); err != nil {
			return start, fmt.Errorf("while committing delete batch: %w", err)
		}
	}

	return len(refs), nil
}

func (db *DB) GetUser(ctx context.Context, id string) (*dbtypes.User, error) {
	user := &dbtypes.User{}
	if err := db.getDoc(ctx, dbtypes.UsersCollection, id, user); err != nil {
		return nil, err
	}
	user.ID = id
	return user, nil
}

func (db *DB) ListUsers(ctx context.Context) ([]*dbtypes.User, error) {
	return collect[dbtypes.User](db.firestoreClient.Collection(dbtypes.UsersCollection).Documents(ctx))
}

// CreateUser stores a new user.  User records belong to the account layer;
// this exists for seeding and tests.
func (db *DB) CreateUser(ctx context.Context, user *dbtypes.User) error {
	ref := db.firestoreClient.Collection(dbtypes.UsersCollection).NewDoc()
	if user.ID != "" {
		ref = db.firestoreClient.Collection(dbtypes.UsersCollection).Doc(user.ID)
	}
	user.ID = ref.ID
	if _, err := ref.Create(ctx, user); err != nil {
		return fmt.Errorf("while creating user: %w", err)
	}
	return nil
}

func (db *DB) AddNotificationLog(ctx context.Context, entry *dbtypes.NotificationLogEntry) error {
	ref := db.firestoreClient.Collection(dbtypes.NotificationLogCollection).NewDoc()
	entry.ID = ref.ID
	if _, err := ref.Create(ctx, entry); err != nil {
		return fmt.Errorf("while writing notification log entry: %w", err)
	}
	return nil
}

func (db *DB) DeleteNotificationLogBefore(ctx context.Context, cutoff time.Time) (int, error) {
	q := db.firestoreClient.Collection(dbtypes.NotificationLogCollection).Where("sentAt", "<", cutoff)
	n, err := db.deleteQuery(ctx, q)
	if err != nil {
		return n, fmt.Errorf("while deleting notification log entries: %w", err)
	}
	return n, nil
}

// PutSnapshot overwrites the named analytics snapshot in full.
func (db *DB) PutSnapshot(ctx context.Context, name string, snapshot interface{}) error {
	ref := db.firestoreClient.Collection(dbtypes.AnalyticsSnapshotsCollection).Doc(name)
	if _, err := ref.Set(ctx, snapshot); err != nil {
		return fmt.Errorf("while writing snapshot %s: %w", name, err)
	}
	return nil
}

func (db *DB) GetSnapshot(ctx context.Context, name string, dst interface{}) error {
	return db.getDoc(ctx, dbtypes.AnalyticsSnapshotsCollection, name, dst)
}
