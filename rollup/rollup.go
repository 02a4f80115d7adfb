// Package rollup computes the admin dashboard's daily snapshot documents.
//
// Each snapshot is computed from one read of the population and written with
// a full overwrite, so a failed run leaves the previous document intact.  The
// four computations are independent; one failing does not stop the others.
package rollup

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"mediremind/adherence"
	"mediremind/dbtypes"

	"github.com/golang/glog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"k8s.io/apimachinery/pkg/util/clock"
)

type store interface {
	ListUsers(ctx context.Context) ([]*dbtypes.User, error)
	ListMedicines(ctx context.Context) ([]*dbtypes.Medicine, error)
	ListLinks(ctx context.Context) ([]*dbtypes.CaregiverLink, error)
	PutSnapshot(ctx context.Context, name string, snapshot interface{}) error
}

// Archiver keeps a dated copy of each snapshot outside the store.
type Archiver interface {
	Archive(ctx context.Context, name, dateKey string, snapshot interface{}) error
}

type Aggregator struct {
	store    store
	clock    clock.Clock
	loc      *time.Location
	archiver Archiver

	growthDays int
}

type AggregatorOpt func(*Aggregator)

func WithArchiver(a Archiver) AggregatorOpt {
	return func(ag *Aggregator) {
		ag.archiver = a
	}
}

// WithGrowthDays sets the length of the user growth series.
func WithGrowthDays(n int) AggregatorOpt {
	return func(ag *Aggregator) {
		ag.growthDays = n
	}
}

func New(s store, c clock.Clock, loc *time.Location, opts ...AggregatorOpt) *Aggregator {
	ag := &Aggregator{
		store:      s,
		clock:      c,
		loc:        loc,
		growthDays: 30,
	}
	for _, o := range opts {
		o(ag)
	}
	return ag
}

// Run computes and writes all four snapshots.  The returned error joins the
// failures of the snapshots that could not be written.
func (ag *Aggregator) Run(ctx context.Context) error {
	ctx, span := otel.Tracer("mediremind/rollup").Start(ctx, "Aggregator.Run")
	defer span.End()

	now := ag.clock.Now()
	today := dbtypes.DateKey(now, ag.loc)

	// Loads are shared; each snapshot only depends on the loads it reads.
	users, usersErr := ag.store.ListUsers(ctx)
	if usersErr != nil {
		usersErr = fmt.Errorf("while listing users: %w", usersErr)
	}
	meds, medsErr := ag.store.ListMedicines(ctx)
	if medsErr != nil {
		medsErr = fmt.Errorf("while listing medicines: %w", medsErr)
	}
	links, linksErr := ag.store.ListLinks(ctx)
	if linksErr != nil {
		linksErr = fmt.Errorf("while listing links: %w", linksErr)
	}

	var errs []error
	write := func(name string, deps []error, compute func() interface{}) {
		if err := errors.Join(deps...); err != nil {
			errs = append(errs, fmt.Errorf("skipped %s: %w", name, err))
			glog.Errorf("Skipping snapshot %s: %v", name, err)
			return
		}
		snap := compute()
		if err := ag.store.PutSnapshot(ctx, name, snap); err != nil {
			errs = append(errs, fmt.Errorf("while writing %s: %w", name, err))
			glog.Errorf("Error writing snapshot %s: %v", name, err)
			return
		}
		if ag.archiver != nil {
			if err := ag.archiver.Archive(ctx, name, today, snap); err != nil {
				// The store copy is authoritative.
				glog.Warningf("Error archiving snapshot %s: %v", name, err)
			}
		}
		glog.Infof("Wrote snapshot %s for %s", name, today)
	}

	write(dbtypes.SystemStatsSnapshot, []error{usersErr, medsErr, linksErr}, func() interface{} {
		return SystemStats(users, meds, links, today, now)
	})
	write(dbtypes.AdherenceDistributionSnapshot, []error{medsErr}, func() interface{} {
		return Distribution(meds, today, now)
	})
	write(dbtypes.UserGrowthSnapshot, []error{usersErr}, func() interface{} {
		return Growth(users, now, ag.loc, ag.growthDays)
	})
	write(dbtypes.MedicineStatsSnapshot, []error{medsErr}, func() interface{} {
		return MedicineStats(meds, now)
	})

	span.SetAttributes(attribute.Int("failed_snapshots", len(errs)))
	return errors.Join(errs...)
}

// ownerRates returns today's adherence percentage for every user owning at
// least one medicine.
func ownerRates(meds []*dbtypes.Medicine, today string) map[string]float64 {
	byOwner := map[string][]*dbtypes.Medicine{}
	for _, m := range meds {
		byOwner[m.OwnerUserID] = append(byOwner[m.OwnerUserID], m)
	}
	rates := map[string]float64{}
	for owner, owned := range byOwner {
		rates[owner] = adherence.Rate(owned, today)
	}
	return rates
}

func SystemStats(users []*dbtypes.User, meds []*dbtypes.Medicine, links []*dbtypes.CaregiverLink, today string, now time.Time) *dbtypes.SystemStats {
	s := &dbtypes.SystemStats{
		TotalUsers:     int64(len(users)),
		TotalMedicines: int64(len(meds)),
		TotalLinks:     int64(len(links)),
		DateKey:        today,
		LastUpdated:    now,
	}
	for _, u := range users {
		switch u.Role {
		case dbtypes.RolePatient:
			s.PatientCount++
		case dbtypes.RoleCaregiver:
			s.CaregiverCount++
		case dbtypes.RoleAdmin:
			s.AdminCount++
		}
	}

	rates := ownerRates(meds, today)
	s.UsersWithMedicines = int64(len(rates))
	if len(rates) != 0 {
		sum := 0.0
		for _, r := range rates {
			sum += r
		}
		s.AvgAdherence = math.Round(sum / float64(len(rates)))
	}
	return s
}

// Bucket names a user's adherence rate: excellent at 80% and up, good from
// 60%, fair from 40%, poor below.
func Bucket(rate float64) string {
	switch {
	case rate >= 80:
		return "excellent"
	case rate >= 60:
		return "good"
	case rate >= 40:
		return "fair"
	default:
		return "poor"
	}
}

func Distribution(meds []*dbtypes.Medicine, today string, now time.Time) *dbtypes.AdherenceDistribution {
	counts := map[string]int64{}
	rates := ownerRates(meds, today)
	for _, r := range rates {
		counts[Bucket(r)]++
	}

	d := &dbtypes.AdherenceDistribution{
		Population:  int64(len(rates)),
		DateKey:     today,
		LastUpdated: now,
	}
	if len(rates) == 0 {
		return d
	}
	pct := func(n int64) int64 {
		return int64(math.Round(float64(n) / float64(len(rates)) * 100))
	}
	d.Excellent = pct(counts["excellent"])
	d.Good = pct(counts["good"])
	d.Fair = pct(counts["fair"])
	d.Poor = pct(counts["poor"])
	return d
}

// Growth builds a days-long cumulative series ending today.  A user counts on
// every day at or after the calendar day of its createdAt.
func Growth(users []*dbtypes.User, now time.Time, loc *time.Location, days int) *dbtypes.UserGrowth {
	if days < 1 {
		days = 1
	}

	joined := make([]string, len(users))
	for i, u := range users {
		joined[i] = dbtypes.DateKey(u.CreatedAt, loc)
	}

	g := &dbtypes.UserGrowth{LastUpdated: now}
	local := now.In(loc)
	for i := days - 1; i >= 0; i-- {
		day := dbtypes.DateKey(local.AddDate(0, 0, -i), loc)
		p := dbtypes.GrowthPoint{Date: day}
		for j, u := range users {
			// Date keys sort chronologically.
			if joined[j] > day {
				continue
			}
			switch u.Role {
			case dbtypes.RolePatient:
				p.Patients++
			case dbtypes.RoleCaregiver:
				p.Caregivers++
			case dbtypes.RoleAdmin:
				p.Admins++
			}
			p.Total++
		}
		g.Data = append(g.Data, p)
	}
	return g
}

func MedicineStats(meds []*dbtypes.Medicine, now time.Time) *dbtypes.MedicineStats {
	s := &dbtypes.MedicineStats{
		TotalMedicines: int64(len(meds)),
		ByFrequency:    map[string]int64{},
		ByTimeSlot: map[string]int64{
			dbtypes.SlotMorning:   0,
			dbtypes.SlotAfternoon: 0,
			dbtypes.SlotEvening:   0,
			dbtypes.SlotNight:     0,
		},
		LastUpdated: now,
	}

	owners := map[string]struct{}{}
	for _, m := range meds {
		freq := m.FrequencyLabel
		if freq == "" {
			freq = "Unknown"
		}
		s.ByFrequency[freq]++

		slot := dbtypes.SlotNight
		if hour, _, err := dbtypes.ParseScheduledTime(m.ScheduledTime); err == nil {
			slot = dbtypes.TimeSlot(hour)
		}
		s.ByTimeSlot[slot]++

		owners[m.OwnerUserID] = struct{}{}
	}

	if len(owners) != 0 {
		s.AvgPerUser = math.Round(float64(len(meds))/float64(len(owners))*10) / 10
	}
	return s
}
