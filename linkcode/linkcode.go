// Package linkcode pairs caregivers with patients through short-lived,
// single-use six digit codes.
package linkcode

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"mediremind/dbtypes"

	"github.com/golang/glog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"k8s.io/apimachinery/pkg/util/clock"
)

const (
	codeMin = 100000
	codeMax = 999999

	// Attempts at drawing digits no other live code holds.  Collisions past
	// that are tolerated; redemption picks the newest live holder.
	maxDrawAttempts = 5
)

type store interface {
	GetUser(ctx context.Context, id string) (*dbtypes.User, error)
	ReplaceLinkCode(ctx context.Context, code *dbtypes.CaregiverLinkCode) error
	LiveCodeExists(ctx context.Context, digits string, now time.Time) (bool, error)
	RedeemLinkCode(ctx context.Context, digits, caregiverID string, now time.Time) (*dbtypes.CaregiverLink, error)
	DeleteLink(ctx context.Context, linkID string) error
	LinksByPatient(ctx context.Context, patientID string) ([]*dbtypes.CaregiverLink, error)
	LinksByCaregiver(ctx context.Context, caregiverID string) ([]*dbtypes.CaregiverLink, error)
}

type Service struct {
	store    store
	clock    clock.Clock
	validity time.Duration
	draw     func() (string, error)
}

type ServiceOpt func(*Service)

// WithValidity sets how long an issued code stays redeemable.
func WithValidity(d time.Duration) ServiceOpt {
	return func(s *Service) {
		s.validity = d
	}
}

// WithDigits replaces the random digit source.  Tests use it to force
// collisions.
func WithDigits(draw func() (string, error)) ServiceOpt {
	return func(s *Service) {
		s.draw = draw
	}
}

func New(st store, c clock.Clock, opts ...ServiceOpt) *Service {
	s := &Service{
		store:    st,
		clock:    c,
		validity: 15 * time.Minute,
		draw:     randomDigits,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func randomDigits() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeMax-codeMin+1))
	if err != nil {
		return "", fmt.Errorf("while reading random digits: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+codeMin), nil
}

// Issued is what the patient is shown.
type Issued struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Issue replaces any unused code held by patientID with a fresh one.
func (s *Service) Issue(ctx context.Context, patientID string) (*Issued, error) {
	ctx, span := otel.Tracer("mediremind/linkcode").Start(ctx, "Service.Issue")
	defer span.End()
	span.SetAttributes(attribute.String("patient_id", patientID))

	if _, err := s.store.GetUser(ctx, patientID); err != nil {
		return nil, fmt.Errorf("while looking up patient %s: %w", patientID, err)
	}

	now := s.clock.Now()

	var digits string
	for attempt := 0; attempt < maxDrawAttempts; attempt++ {
		d, err := s.draw()
		if err != nil {
			return nil, err
		}
		digits = d

		taken, err := s.store.LiveCodeExists(ctx, digits, now)
		if err != nil {
			return nil, fmt.Errorf("while checking code collisions: %w", err)
		}
		if !taken {
			break
		}
		glog.V(1).Infof("Drew live code digits on attempt %d; redrawing", attempt)
	}

	code := &dbtypes.CaregiverLinkCode{
		Code:      digits,
		PatientID: patientID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.validity),
	}
	if err := s.store.ReplaceLinkCode(ctx, code); err != nil {
		return nil, fmt.Errorf("while storing link code: %w", err)
	}

	glog.Infof("Issued link code for patient %s, expiring %v", patientID, code.ExpiresAt)
	return &Issued{Code: code.Code, ExpiresAt: code.ExpiresAt}, nil
}

// Redeem consumes code on behalf of caregiverID and returns the linked
// patient.  Fails with dbtypes.ErrNotFound, dbtypes.ErrExpired, or
// dbtypes.ErrAlreadyLinked.
func (s *Service) Redeem(ctx context.Context, code, caregiverID string) (string, error) {
	ctx, span := otel.Tracer("mediremind/linkcode").Start(ctx, "Service.Redeem")
	defer span.End()
	span.SetAttributes(attribute.String("caregiver_id", caregiverID))

	link, err := s.store.RedeemLinkCode(ctx, code, caregiverID, s.clock.Now())
	if err != nil {
		return "", err
	}

	glog.Infof("Linked caregiver %s to patient %s", caregiverID, link.PatientID)
	return link.PatientID, nil
}

func (s *Service) Unlink(ctx context.Context, linkID string) error {
	if err := s.store.DeleteLink(ctx, linkID); err != nil {
		return fmt.Errorf("while deleting link %s: %w", linkID, err)
	}
	glog.Infof("Removed caregiver link %s", linkID)
	return nil
}

func (s *Service) LinkedCaregivers(ctx context.Context, patientID string) ([]*dbtypes.CaregiverLink, error) {
	return s.store.LinksByPatient(ctx, patientID)
}

func (s *Service) LinkedPatients(ctx context.Context, caregiverID string) ([]*dbtypes.CaregiverLink, error) {
	return s.store.LinksByCaregiver(ctx, caregiverID)
}

// IsTerminal reports whether err is one of the redemption outcomes that a
// retry cannot change.
func IsTerminal(err error) bool {
	return errors.Is(err, dbtypes.ErrNotFound) ||
		errors.Is(err, dbtypes.ErrExpired) ||
		errors.Is(err, dbtypes.ErrAlreadyLinked)
}
