package dblayer

import (
	"context"
	"fmt"
	"time"

	"mediremind/dbtypes"

	"cloud.google.com/go/firestore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func (db *DB) links() *firestore.CollectionRef {
	return db.firestoreClient.Collection(dbtypes.CaregiverLinksCollection)
}

func (db *DB) linkCodes() *firestore.CollectionRef {
	return db.firestoreClient.Collection(dbtypes.CaregiverLinkCodesCollection)
}

func (db *DB) ListLinks(ctx context.Context) ([]*dbtypes.CaregiverLink, error) {
	return collect[dbtypes.CaregiverLink](db.links().Documents(ctx))
}

func (db *DB) LinksByPatient(ctx context.Context, patientID string) ([]*dbtypes.CaregiverLink, error) {
	links, err := collect[dbtypes.CaregiverLink](db.links().Where("patientId", "==", patientID).Documents(ctx))
	if err != nil {
		return nil, fmt.Errorf("while querying links of patient %s: %w", patientID, err)
	}
	return links, nil
}

func (db *DB) LinksByCaregiver(ctx context.Context, caregiverID string) ([]*dbtypes.CaregiverLink, error) {
	links, err := collect[dbtypes.CaregiverLink](db.links().Where("caregiverId", "==", caregiverID).Documents(ctx))
	if err != nil {
		return nil, fmt.Errorf("while querying links of caregiver %s: %w", caregiverID, err)
	}
	return links, nil
}

func (db *DB) DeleteLink(ctx context.Context, linkID string) error {
	if _, err := db.links().Doc(linkID).Delete(ctx, firestore.Exists); err != nil {
		if isNotFound(err) {
			return fmt.Errorf("link %s: %w", linkID, dbtypes.ErrNotFound)
		}
		return fmt.Errorf("while deleting link %s: %w", linkID, err)
	}
	return nil
}

// ReplaceLinkCode deletes every unused code belonging to code.PatientID and
// stores code, in one transaction.
func (db *DB) ReplaceLinkCode(ctx context.Context, code *dbtypes.CaregiverLinkCode) error {
	tracer := otel.Tracer("mediremind/dblayer")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "DB.ReplaceLinkCode")
	defer span.End()

	newRef := db.linkCodes().NewDoc()

	err := db.firestoreClient.RunTransaction(ctx, func(ctx context.Context, txn *firestore.Transaction) error {
		prior, err := txn.Documents(db.linkCodes().Where("patientId", "==", code.PatientID).Where("used", "==", false)).GetAll()
		if err != nil {
			return fmt.Errorf("while reading prior codes: %w", err)
		}

		for _, snap := range prior {
			if err := txn.Delete(snap.Ref); err != nil {
				return fmt.Errorf("while deleting prior code %s: %w", snap.Ref.ID, err)
			}
		}

		code.ID = newRef.ID
		if err := txn.Create(newRef, code); err != nil {
			return fmt.Errorf("while creating code: %w", err)
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("while replacing link code for patient %s: %w", code.PatientID, err)
	}
	return nil
}

// LiveCodeExists reports whether an unused, unexpired code with these digits
// is currently held by any patient.
func (db *DB) LiveCodeExists(ctx context.Context, digits string, now time.Time) (bool, error) {
	codes, err := collect[dbtypes.CaregiverLinkCode](db.linkCodes().Where("code", "==", digits).Where("used", "==", false).Documents(ctx))
	if err != nil {
		return false, fmt.Errorf("while querying codes: %w", err)
	}
	for _, c := range codes {
		if !c.Expired(now) {
			return true, nil
		}
	}
	return false, nil
}

// RedeemLinkCode consumes the code and creates the caregiver link in a single
// transaction.  Firestore retries the transaction if a concurrent redemption
// touches the same code, at which point the code reads as used.
func (db *DB) RedeemLinkCode(ctx context.Context, digits, caregiverID string, now time.Time) (*dbtypes.CaregiverLink, error) {
	tracer := otel.Tracer("mediremind/dblayer")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "DB.RedeemLinkCode")
	defer span.End()
	span.SetAttributes(attribute.String("caregiver", caregiverID))

	var link *dbtypes.CaregiverLink

	err := db.firestoreClient.RunTransaction(ctx, func(ctx context.Context, txn *firestore.Transaction) error {
		// The transaction function can run more than once.
		link = nil

		snaps, err := txn.Documents(db.linkCodes().Where("code", "==", digits).Where("used", "==", false)).GetAll()
		if err != nil {
			return fmt.Errorf("while looking up code: %w", err)
		}

		candidates := make([]*dbtypes.CaregiverLinkCode, 0, len(snaps))
		refs := map[*dbtypes.CaregiverLinkCode]*firestore.DocumentRef{}
		for _, snap := range snaps {
			c := &dbtypes.CaregiverLinkCode{}
			if err := snap.DataTo(c); err != nil {
				return fmt.Errorf("while unmarshaling code %s: %w", snap.Ref.ID, err)
			}
			c.SetID(snap.Ref.ID)
			candidates = append(candidates, c)
			refs[c] = snap.Ref
		}

		code, err := dbtypes.SelectRedeemable(candidates, now)
		if err != nil {
			return err
		}

		linkRef := db.links().Doc(dbtypes.LinkID(code.PatientID, caregiverID))
		if _, err := txn.Get(linkRef); err == nil {
			return dbtypes.ErrAlreadyLinked
		} else if !isNotFound(err) {
			return fmt.Errorf("while checking for existing link: %w", err)
		}

		err = txn.Update(refs[code], []firestore.Update{
			{Path: "used", Value: true},
			{Path: "usedByCaregiverId", Value: caregiverID},
			{Path: "usedAt", Value: now},
		})
		if err != nil {
			return fmt.Errorf("while consuming code: %w", err)
		}

		newLink := &dbtypes.CaregiverLink{
			ID:          linkRef.ID,
			PatientID:   code.PatientID,
			CaregiverID: caregiverID,
			LinkedAt:    now,
		}
		if err := txn.Create(linkRef, newLink); err != nil {
			return fmt.Errorf("while creating link: %w", err)
		}

		link = newLink
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("while redeeming link code: %w", err)
	}

	return link, nil
}

// DeleteInertLinkCodes removes codes that were consumed or whose window closed
// before now.
func (db *DB) DeleteInertLinkCodes(ctx context.Context, now time.Time) (int, error) {
	used, err := db.deleteQuery(ctx, db.linkCodes().Where("used", "==", true))
	if err != nil {
		return used, fmt.Errorf("while deleting consumed codes: %w", err)
	}

	expired, err := db.deleteQuery(ctx, db.linkCodes().Where("expiresAt", "<", now))
	if err != nil {
		return used + expired, fmt.Errorf("while deleting expired codes: %w", err)
	}

	return used + expired, nil
}

// CreateLink stores a link directly.  Links are normally only created by
// RedeemLinkCode; this exists for seeding and tests.
func (db *DB) CreateLink(ctx context.Context, link *dbtypes.CaregiverLink) error {
	ref := db.links().Doc(dbtypes.LinkID(link.PatientID, link.CaregiverID))
	link.ID = ref.ID
	if _, err := ref.Create(ctx, link); err != nil {
		if status.Code(err) == codes.AlreadyExists {
			return dbtypes.ErrAlreadyLinked
		}
		return fmt.Errorf("while creating link: %w", err)
	}
	return nil
}
