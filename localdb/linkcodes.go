package localdb

import (
	"context"
	"errors"
	"time"

	"mediremind/dbtypes"

	"github.com/dgraph-io/badger"
	"golang.org/x/xerrors"
)

func (db *DB) ListLinks(ctx context.Context) ([]*dbtypes.CaregiverLink, error) {
	return viewScan[dbtypes.CaregiverLink](db, dbtypes.CaregiverLinksCollection, nil)
}

func (db *DB) LinksByPatient(ctx context.Context, patientID string) ([]*dbtypes.CaregiverLink, error) {
	return viewScan(db, dbtypes.CaregiverLinksCollection, func(l *dbtypes.CaregiverLink) bool {
		return l.PatientID == patientID
	})
}

func (db *DB) LinksByCaregiver(ctx context.Context, caregiverID string) ([]*dbtypes.CaregiverLink, error) {
	return viewScan(db, dbtypes.CaregiverLinksCollection, func(l *dbtypes.CaregiverLink) bool {
		return l.CaregiverID == caregiverID
	})
}

func (db *DB) DeleteLink(ctx context.Context, linkID string) error {
	return db.update(ctx, func(txn *badger.Txn) error {
		if err := get(txn, dbtypes.CaregiverLinksCollection, linkID, &dbtypes.CaregiverLink{}); err != nil {
			return err
		}
		return del(txn, dbtypes.CaregiverLinksCollection, linkID)
	})
}

func (db *DB) CreateLink(ctx context.Context, link *dbtypes.CaregiverLink) error {
	link.ID = dbtypes.LinkID(link.PatientID, link.CaregiverID)
	return db.update(ctx, func(txn *badger.Txn) error {
		err := get(txn, dbtypes.CaregiverLinksCollection, link.ID, &dbtypes.CaregiverLink{})
		if err == nil {
			return dbtypes.ErrAlreadyLinked
		}
		if !errors.Is(err, dbtypes.ErrNotFound) {
			return err
		}
		return put(txn, dbtypes.CaregiverLinksCollection, link.ID, link)
	})
}

// LinkCodes returns every stored code.  Used by tests and medtool.
func (db *DB) LinkCodes(ctx context.Context) ([]*dbtypes.CaregiverLinkCode, error) {
	return viewScan[dbtypes.CaregiverLinkCode](db, dbtypes.CaregiverLinkCodesCollection, nil)
}

// linkCodeIssuesCollection holds one marker per patient, naming their most
// recently issued code.  Badger only detects conflicts on keys a transaction
// read, so two first-ever issues for a patient would otherwise both commit.
const linkCodeIssuesCollection = "linkCodeIssues"

func (db *DB) ReplaceLinkCode(ctx context.Context, code *dbtypes.CaregiverLinkCode) error {
	code.ID = newID()
	err := db.update(ctx, func(txn *badger.Txn) error {
		marker := key(linkCodeIssuesCollection, code.PatientID)
		if _, err := txn.Get(marker); err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
			return xerrors.Errorf("while reading issue marker: %w", err)
		}
		if err := txn.Set(marker, []byte(code.ID)); err != nil {
			return xerrors.Errorf("while writing issue marker: %w", err)
		}

		prior, err := scan(txn, dbtypes.CaregiverLinkCodesCollection, func(c *dbtypes.CaregiverLinkCode) bool {
			return c.PatientID == code.PatientID && !c.Used
		})
		if err != nil {
			return err
		}
		for _, c := range prior {
			if err := del(txn, dbtypes.CaregiverLinkCodesCollection, c.ID); err != nil {
				return err
			}
		}
		return put(txn, dbtypes.CaregiverLinkCodesCollection, code.ID, code)
	})
	if err != nil {
		return xerrors.Errorf("while replacing link code for patient %s: %w", code.PatientID, err)
	}
	return nil
}

func (db *DB) LiveCodeExists(ctx context.Context, digits string, now time.Time) (bool, error) {
	live, err := viewScan(db, dbtypes.CaregiverLinkCodesCollection, func(c *dbtypes.CaregiverLinkCode) bool {
		return c.Code == digits && !c.Used && !c.Expired(now)
	})
	if err != nil {
		return false, err
	}
	return len(live) != 0, nil
}

// RedeemLinkCode consumes the code and creates the link in one serializable
// transaction.  A concurrent redemption of the same code conflicts on the code
// key; the retry then finds it used.
func (db *DB) RedeemLinkCode(ctx context.Context, digits, caregiverID string, now time.Time) (*dbtypes.CaregiverLink, error) {
	var link *dbtypes.CaregiverLink
	err := db.update(ctx, func(txn *badger.Txn) error {
		link = nil

		candidates, err := scan(txn, dbtypes.CaregiverLinkCodesCollection, func(c *dbtypes.CaregiverLinkCode) bool {
			return c.Code == digits && !c.Used
		})
		if err != nil {
			return err
		}

		code, err := dbtypes.SelectRedeemable(candidates, now)
		if err != nil {
			return err
		}

		// Re-read through Get so the code key is part of this transaction's
		// read set.
		if err := get(txn, dbtypes.CaregiverLinkCodesCollection, code.ID, code); err != nil {
			return err
		}
		if code.Used {
			return dbtypes.ErrNotFound
		}

		linkID := dbtypes.LinkID(code.PatientID, caregiverID)
		err = get(txn, dbtypes.CaregiverLinksCollection, linkID, &dbtypes.CaregiverLink{})
		if err == nil {
			return dbtypes.ErrAlreadyLinked
		}
		if !errors.Is(err, dbtypes.ErrNotFound) {
			return err
		}

		usedAt := now
		code.Used = true
		code.UsedByCaregiverID = caregiverID
		code.UsedAt = &usedAt
		if err := put(txn, dbtypes.CaregiverLinkCodesCollection, code.ID, code); err != nil {
			return err
		}

		newLink := &dbtypes.CaregiverLink{
			ID:          linkID,
			PatientID:   code.PatientID,
			CaregiverID: caregiverID,
			LinkedAt:    now,
		}
		if err := put(txn, dbtypes.CaregiverLinksCollection, linkID, newLink); err != nil {
			return err
		}

		link = newLink
		return nil
	})
	if err != nil {
		return nil, xerrors.Errorf("while redeeming link code: %w", err)
	}
	return link, nil
}

func (db *DB) DeleteInertLinkCodes(ctx context.Context, now time.Time) (int, error) {
	n := 0
	err := db.update(ctx, func(txn *badger.Txn) error {
		n = 0
		inert, err := scan(txn, dbtypes.CaregiverLinkCodesCollection, func(c *dbtypes.CaregiverLinkCode) bool {
			return c.Inert(now)
		})
		if err != nil {
			return err
		}
		for _, c := range inert {
			if err := del(txn, dbtypes.CaregiverLinkCodesCollection, c.ID); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, xerrors.Errorf("while deleting inert link codes: %w", err)
	}
	return n, nil
}

func (db *DB) AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error) {
	acquired := false
	err := db.update(ctx, func(txn *badger.Txn) error {
		acquired = false

		cur := &dbtypes.JobLease{}
		err := get(txn, dbtypes.JobLeasesCollection, name, cur)
		if err != nil && !errors.Is(err, dbtypes.ErrNotFound) {
			return err
		}
		if err == nil && cur.Holder != holder && now.Before(cur.ExpiresAt) {
			return nil
		}

		if err := put(txn, dbtypes.JobLeasesCollection, name, &dbtypes.JobLease{Name: name, Holder: holder, ExpiresAt: now.Add(ttl)}); err != nil {
			return err
		}
		acquired = true
		return nil
	})
	if err != nil {
		return false, xerrors.Errorf("while acquiring lease %s: %w", name, err)
	}
	return acquired, nil
}

func (db *DB) ReleaseLease(ctx context.Context, name, holder string) error {
	return db.update(ctx, func(txn *badger.Txn) error {
		cur := &dbtypes.JobLease{}
		err := get(txn, dbtypes.JobLeasesCollection, name, cur)
		if errors.Is(err, dbtypes.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if cur.Holder != holder {
			return nil
		}
		return del(txn, dbtypes.JobLeasesCollection, name)
	})
}

func (db *DB) DeleteExpiredLeases(ctx context.Context, now time.Time) (int, error) {
	n := 0
	err := db.update(ctx, func(txn *badger.Txn) error {
		n = 0
		expired, err := scan(txn, dbtypes.JobLeasesCollection, func(l *dbtypes.JobLease) bool {
			return l.ExpiresAt.Before(now)
		})
		if err != nil {
			return err
		}
		for _, l := range expired {
			if err := del(txn, dbtypes.JobLeasesCollection, l.Name); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, xerrors.Errorf("while deleting expired leases: %w", err)
	}
	return n, nil
}
