package localdb

import (
	"context"
	"time"

	"mediremind/dbtypes"

	"github.com/dgraph-io/badger"
	"golang.org/x/xerrors"
)

func (db *DB) GetMedicine(ctx context.Context, id string) (*dbtypes.Medicine, error) {
	med := &dbtypes.Medicine{}
	err := db.kv.View(func(txn *badger.Txn) error {
		return get(txn, dbtypes.MedicinesCollection, id, med)
	})
	if err != nil {
		return nil, err
	}
	return med, nil
}

func (db *DB) ListMedicines(ctx context.Context) ([]*dbtypes.Medicine, error) {
	return viewScan[dbtypes.Medicine](db, dbtypes.MedicinesCollection, nil)
}

func (db *DB) MedicinesByOwner(ctx context.Context, userID string) ([]*dbtypes.Medicine, error) {
	return viewScan(db, dbtypes.MedicinesCollection, func(m *dbtypes.Medicine) bool {
		return m.OwnerUserID == userID
	})
}

func (db *DB) MedicinesScheduledAt(ctx context.Context, clockKey string) ([]*dbtypes.Medicine, error) {
	return viewScan(db, dbtypes.MedicinesCollection, func(m *dbtypes.Medicine) bool {
		return m.ScheduledTime == clockKey
	})
}

func (db *DB) CreateMedicine(ctx context.Context, med *dbtypes.Medicine) error {
	med.ID = newID()
	if med.TakenHistory == nil {
		med.TakenHistory = map[string]bool{}
	}
	return db.update(ctx, func(txn *badger.Txn) error {
		return put(txn, dbtypes.MedicinesCollection, med.ID, med)
	})
}

func (db *DB) DeleteMedicine(ctx context.Context, id string) error {
	return db.update(ctx, func(txn *badger.Txn) error {
		if err := get(txn, dbtypes.MedicinesCollection, id, &dbtypes.Medicine{}); err != nil {
			return err
		}
		return del(txn, dbtypes.MedicinesCollection, id)
	})
}

// modifyMedicine applies fn to the stored medicine inside one transaction, so
// concurrent modifications of the same medicine never lose updates.
func (db *DB) modifyMedicine(ctx context.Context, id string, fn func(*dbtypes.Medicine)) error {
	err := db.update(ctx, func(txn *badger.Txn) error {
		med := &dbtypes.Medicine{}
		if err := get(txn, dbtypes.MedicinesCollection, id, med); err != nil {
			return err
		}
		fn(med)
		return put(txn, dbtypes.MedicinesCollection, id, med)
	})
	if err != nil {
		return xerrors.Errorf("while updating medicine %s: %w", id, err)
	}
	return nil
}

func (db *DB) MarkTaken(ctx context.Context, medicineID, dateKey string, at time.Time) error {
	return db.modifyMedicine(ctx, medicineID, func(m *dbtypes.Medicine) {
		if m.TakenHistory == nil {
			m.TakenHistory = map[string]bool{}
		}
		m.TakenHistory[dateKey] = true
		m.LastTakenAt = &at
	})
}

func (db *DB) MarkUntaken(ctx context.Context, medicineID, dateKey string) error {
	return db.modifyMedicine(ctx, medicineID, func(m *dbtypes.Medicine) {
		delete(m.TakenHistory, dateKey)
		m.LastTakenAt = nil
	})
}
