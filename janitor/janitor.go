// Package janitor deletes records that can no longer affect anything: inert
// link codes, old notification log entries and lapsed job leases.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang/glog"
	"k8s.io/apimachinery/pkg/util/clock"
)

type store interface {
	DeleteInertLinkCodes(ctx context.Context, now time.Time) (int, error)
	DeleteNotificationLogBefore(ctx context.Context, cutoff time.Time) (int, error)
	DeleteExpiredLeases(ctx context.Context, now time.Time) (int, error)
}

type Janitor struct {
	store        store
	clock        clock.Clock
	logRetention time.Duration
}

func New(s store, c clock.Clock, logRetention time.Duration) *Janitor {
	return &Janitor{
		store:        s,
		clock:        c,
		logRetention: logRetention,
	}
}

type Report struct {
	LinkCodesDeleted  int
	LogEntriesDeleted int
	LeasesDeleted     int
}

// Sweep runs every deletion even if an earlier one fails.
func (j *Janitor) Sweep(ctx context.Context) (*Report, error) {
	now := j.clock.Now()
	report := &Report{}

	var codesErr, logErr, leaseErr error
	report.LinkCodesDeleted, codesErr = j.store.DeleteInertLinkCodes(ctx, now)
	if codesErr != nil {
		codesErr = fmt.Errorf("while deleting inert link codes: %w", codesErr)
	}

	cutoff := now.Add(-j.logRetention)
	report.LogEntriesDeleted, logErr = j.store.DeleteNotificationLogBefore(ctx, cutoff)
	if logErr != nil {
		logErr = fmt.Errorf("while deleting notification log before %v: %w", cutoff, logErr)
	}

	report.LeasesDeleted, leaseErr = j.store.DeleteExpiredLeases(ctx, now)
	if leaseErr != nil {
		leaseErr = fmt.Errorf("while deleting expired leases: %w", leaseErr)
	}

	glog.Infof("Janitor sweep: %+v", *report)
	return report, errors.Join(codesErr, logErr, leaseErr)
}
