package dblayer

import (
	"context"
	"fmt"
	"time"

	"mediremind/dbtypes"

	"cloud.google.com/go/firestore"
)

func (db *DB) medicines() *firestore.CollectionRef {
	return db.firestoreClient.Collection(dbtypes.MedicinesCollection)
}

func (db *DB) GetMedicine(ctx context.Context, id string) (*dbtypes.Medicine, error) {
	med := &dbtypes.Medicine{}
	if err := db.getDoc(ctx, dbtypes.MedicinesCollection, id, med); err != nil {
		return nil, err
	}
	med.ID = id
	return med, nil
}

func (db *DB) ListMedicines(ctx context.Context) ([]*dbtypes.Medicine, error) {
	return collect[dbtypes.Medicine](db.medicines().Documents(ctx))
}

func (db *DB) MedicinesByOwner(ctx context.Context, userID string) ([]*dbtypes.Medicine, error) {
	meds, err := collect[dbtypes.Medicine](db.medicines().Where("ownerUserId", "==", userID).Documents(ctx))
	if err != nil {
		return nil, fmt.Errorf("while querying medicines of user %s: %w", userID, err)
	}
	return meds, nil
}

// MedicinesScheduledAt returns every medicine whose scheduledTime is exactly
// clockKey.
func (db *DB) MedicinesScheduledAt(ctx context.Context, clockKey string) ([]*dbtypes.Medicine, error) {
	meds, err := collect[dbtypes.Medicine](db.medicines().Where("scheduledTime", "==", clockKey).Documents(ctx))
	if err != nil {
		return nil, fmt.Errorf("while querying medicines scheduled at %s: %w", clockKey, err)
	}
	return meds, nil
}

// CreateMedicine stores a new medicine.  Medicine CRUD belongs to the request
// layer; this exists for seeding and tests.
func (db *DB) CreateMedicine(ctx context.Context, med *dbtypes.Medicine) error {
	ref := db.medicines().NewDoc()
	med.ID = ref.ID
	if med.TakenHistory == nil {
		med.TakenHistory = map[string]bool{}
	}
	if _, err := ref.Create(ctx, med); err != nil {
		return fmt.Errorf("while creating medicine: %w", err)
	}
	return nil
}

func (db *DB) DeleteMedicine(ctx context.Context, id string) error {
	if _, err := db.medicines().Doc(id).Delete(ctx, firestore.Exists); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("medicine %s: %w", id, dbtypes.ErrNotFound)
		}
		return fmt.Errorf("while deleting medicine %s: %w", id, err)
	}
	return nil
}

// MarkTaken sets takenHistory.<dateKey> and lastTakenAt in one field-path
// update, without reading the document.
func (db *DB) MarkTaken(ctx context.Context, medicineID, dateKey string, at time.Time) error {
	_, err := db.medicines().Doc(medicineID).Update(ctx, []firestore.Update{
		{FieldPath: firestore.FieldPath{"takenHistory", dateKey}, Value: true},
		{Path: "lastTakenAt", Value: at},
	})
	if isNotFound(err) {
		return fmt.Errorf("medicine %s: %w", medicineID, dbtypes.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("while marking medicine %s taken on %s: %w", medicineID, dateKey, err)
	}
	return nil
}

// MarkUntaken removes takenHistory.<dateKey> and clears lastTakenAt.
func (db *DB) MarkUntaken(ctx context.Context, medicineID, dateKey string) error {
	_, err := db.medicines().Doc(medicineID).Update(ctx, []firestore.Update{
		{FieldPath: firestore.FieldPath{"takenHistory", dateKey}, Value: firestore.Delete},
		{Path: "lastTakenAt", Value: nil},
	})
	if isNotFound(err) {
		return fmt.Errorf("medicine %s: %w", medicineID, dbtypes.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("while marking medicine %s untaken on %s: %w", medicineID, dateKey, err)
	}
	return nil
}
