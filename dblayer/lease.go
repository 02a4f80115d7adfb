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

// AcquireLease takes the named job lease for holder until now+ttl, unless a
// different holder has an unexpired lease.
func (db *DB) AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error) {
	ref := db.firestoreClient.Collection(dbtypes.JobLeasesCollection).Doc(name)

	acquired := false
	err := db.firestoreClient.RunTransaction(ctx, func(ctx context.Context, txn *firestore.Transaction) error {
		acquired = false

		snap, err := txn.Get(ref)
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("while reading lease: %w", err)
		}
		if err == nil {
			cur := &dbtypes.JobLease{}
			if err := snap.DataTo(cur); err != nil {
				return fmt.Errorf("while unmarshaling lease: %w", err)
			}
			if cur.Holder != holder && now.Before(cur.ExpiresAt) {
				return nil
			}
		}

		if err := txn.Set(ref, &dbtypes.JobLease{Name: name, Holder: holder, ExpiresAt: now.Add(ttl)}); err != nil {
			return fmt.Errorf("while writing lease: %w", err)
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("while acquiring lease %s: %w", name, err)
	}
	return acquired, nil
}

// ReleaseLease drops the named lease if holder still owns it.
func (db *DB) ReleaseLease(ctx context.Context, name, holder string) error {
	ref := db.firestoreClient.Collection(dbtypes.JobLeasesCollection).Doc(name)

	err := db.firestoreClient.RunTransaction(ctx, func(ctx context.Context, txn *firestore.Transaction) error {
		snap, err := txn.Get(ref)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("while reading lease: %w", err)
		}

		cur := &dbtypes.JobLease{}
		if err := snap.DataTo(cur); err != nil {
			return fmt.Errorf("while unmarshaling lease: %w", err)
		}
		if cur.Holder != holder {
			return nil
		}
		return txn.Delete(ref)
	})
	if err != nil {
		return fmt.Errorf("while releasing lease %s: %w", name, err)
	}
	return nil
}

// DeleteExpiredLeases deletes leases and tick claims that lapsed before now.
// A lease re-acquired after it was read is left alone.
func (db *DB) DeleteExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	iter := db.firestoreClient.Collection(dbtypes.JobLeasesCollection).Where("expiresAt", "<", now).Documents(ctx)
	defer iter.Stop()

	n := 0
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return n, fmt.Errorf("while iterating expired leases: %w", err)
		}

		_, err = snap.Ref.Delete(ctx, firestore.LastUpdateTime(snap.UpdateTime))
		if status.Code(err) == codes.FailedPrecondition {
			continue
		}
		if err != nil {
			return n, fmt.Errorf("while deleting lease %s: %w", snap.Ref.ID, err)
		}
		n++
	}
	return n, nil
}
