// Package app assembles the scheduling core from a store backend and a
// notification gateway.  Both binaries build on it.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"mediremind/adherence"
	"mediremind/dailyreport"
	"mediremind/dblayer"
	"mediremind/dbtypes"
	"mediremind/janitor"
	"mediremind/jobs"
	"mediremind/linkcode"
	"mediremind/localdb"
	"mediremind/misseddose"
	"mediremind/notify"
	"mediremind/reminder"
	"mediremind/rollup"
	"mediremind/weeklyreport"

	"cloud.google.com/go/firestore"
	"github.com/golang/glog"
	"k8s.io/apimachinery/pkg/util/clock"
)

// Store is everything the components need from a backend.  Both dblayer and
// localdb provide it.
type Store interface {
	Ping(ctx context.Context) error

	GetUser(ctx context.Context, id string) (*dbtypes.User, error)
	ListUsers(ctx context.Context) ([]*dbtypes.User, error)

	GetMedicine(ctx context.Context, id string) (*dbtypes.Medicine, error)
	ListMedicines(ctx context.Context) ([]*dbtypes.Medicine, error)
	MedicinesByOwner(ctx context.Context, userID string) ([]*dbtypes.Medicine, error)
	MedicinesScheduledAt(ctx context.Context, clockKey string) ([]*dbtypes.Medicine, error)
	MarkTaken(ctx context.Context, medicineID, dateKey string, at time.Time) error
	MarkUntaken(ctx context.Context, medicineID, dateKey string) error

	ListLinks(ctx context.Context) ([]*dbtypes.CaregiverLink, error)
	LinksByPatient(ctx context.Context, patientID string) ([]*dbtypes.CaregiverLink, error)
	LinksByCaregiver(ctx context.Context, caregiverID string) ([]*dbtypes.CaregiverLink, error)
	DeleteLink(ctx context.Context, linkID string) error
	ReplaceLinkCode(ctx context.Context, code *dbtypes.CaregiverLinkCode) error
	LiveCodeExists(ctx context.Context, digits string, now time.Time) (bool, error)
	RedeemLinkCode(ctx context.Context, digits, caregiverID string, now time.Time) (*dbtypes.CaregiverLink, error)
	DeleteInertLinkCodes(ctx context.Context, now time.Time) (int, error)

	AddNotificationLog(ctx context.Context, entry *dbtypes.NotificationLogEntry) error
	DeleteNotificationLogBefore(ctx context.Context, cutoff time.Time) (int, error)

	PutSnapshot(ctx context.Context, name string, snapshot interface{}) error

	AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, holder string) error
	DeleteExpiredLeases(ctx context.Context, now time.Time) (int, error)
}

var (
	_ Store = (*dblayer.DB)(nil)
	_ Store = (*localdb.DB)(nil)
)

// OpenStore opens the named backend: "firestore" in project, or "local"
// under dir.  The returned func releases it.
func OpenStore(ctx context.Context, kind, project, dir string) (Store, func() error, error) {
	switch kind {
	case "firestore":
		client, err := firestore.NewClient(ctx, project)
		if err != nil {
			return nil, nil, fmt.Errorf("while creating Firestore client: %w", err)
		}
		return dblayer.New(client), client.Close, nil
	case "local":
		db, err := localdb.Open(dir)
		if err != nil {
			return nil, nil, fmt.Errorf("while opening local store in %q: %w", dir, err)
		}
		return db, db.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown store %q (want firestore or local)", kind)
	}
}

type Config struct {
	Location     *time.Location
	AppURL       string
	LogRetention time.Duration

	// How overdue an untaken dose must be to raise a missed-dose alert.
	MissedDoseMin time.Duration
	MissedDoseMax time.Duration

	// Local times of day the daily jobs fire.  The report and the rollup
	// describe the day they run on, so they belong late in it.
	DailyReportAt time.Duration
	RollupAt      time.Duration
	GCAt          time.Duration

	// The weekly report goes out on this day at DailyReportAt.
	WeeklyReportDay time.Weekday

	// Optional.
	Archiver rollup.Archiver
}

// ParseWeekday parses an English day name such as "sunday" or "Sun".
func ParseWeekday(name string) (time.Weekday, error) {
	for d := time.Sunday; d <= time.Saturday; d++ {
		if strings.EqualFold(name, d.String()) || strings.EqualFold(name, d.String()[:3]) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown weekday %q", name)
}

type App struct {
	Tracker *adherence.Tracker
	Links   *linkcode.Service

	Reminders  *reminder.Dispatcher
	MissedDose *misseddose.Detector
	Rollup     *rollup.Aggregator
	Reports    *dailyreport.Reporter
	Weekly     *weeklyreport.Reporter
	Janitor    *janitor.Janitor

	cfg *Config
}

func New(s Store, gw *notify.Gateway, c clock.Clock, cfg *Config) *App {
	rollupOpts := []rollup.AggregatorOpt{}
	if cfg.Archiver != nil {
		rollupOpts = append(rollupOpts, rollup.WithArchiver(cfg.Archiver))
	}

	missedOpts := []misseddose.DetectorOpt{misseddose.WithAppURL(cfg.AppURL)}
	if cfg.MissedDoseMax != 0 {
		missedOpts = append(missedOpts, misseddose.WithWindow(cfg.MissedDoseMin, cfg.MissedDoseMax))
	}

	trackerOpts := []adherence.TrackerOpt{}
	if gw.HasPush() {
		trackerOpts = append(trackerOpts, adherence.WithCongratulations(gw))
	}

	return &App{
		Tracker: adherence.New(s, c, cfg.Location, trackerOpts...),
		Links:   linkcode.New(s, c),

		Reminders:  reminder.New(s, gw, c, cfg.Location),
		MissedDose: misseddose.New(s, gw, c, cfg.Location, missedOpts...),
		Rollup:     rollup.New(s, c, cfg.Location, rollupOpts...),
		Reports:    dailyreport.New(s, gw, c, cfg.Location, dailyreport.WithAppURL(cfg.AppURL)),
		Weekly:     weeklyreport.New(s, gw, c, cfg.Location, weeklyreport.WithAppURL(cfg.AppURL)),
		Janitor:    janitor.New(s, c, cfg.LogRetention),

		cfg: cfg,
	}
}

// RegisterJobs adds every scheduled job to r.  Jobs that notify users skip
// the startup run so a restarting replica doesn't send duplicates.
func (a *App) RegisterJobs(r *jobs.Runner) {
	r.Register(jobs.Job{
		Name:        jobs.DispatchReminders,
		Period:      time.Minute,
		SkipStartup: true,
		Func: func(ctx context.Context) error {
			report, err := a.Reminders.DispatchReminders(ctx)
			if err != nil {
				return err
			}
			glog.V(1).Infof("Reminder pass: %+v", *report)
			return nil
		},
	})
	r.Register(jobs.Job{
		Name:        jobs.DetectMissedDoses,
		Period:      time.Hour,
		SkipStartup: true,
		Func: func(ctx context.Context) error {
			report, err := a.MissedDose.DetectMissedDoses(ctx)
			if err != nil {
				return err
			}
			glog.Infof("Missed-dose pass: %+v", *report)
			return nil
		},
	})
	r.Register(jobs.Job{
		Name:   jobs.DailyRollup,
		Period: 24 * time.Hour,
		Offset: a.cfg.RollupAt,
		Func:   a.Rollup.Run,
	})
	r.Register(jobs.Job{
		Name:        jobs.DailyReport,
		Period:      24 * time.Hour,
		Offset:      a.cfg.DailyReportAt,
		SkipStartup: true,
		Func: func(ctx context.Context) error {
			report, err := a.Reports.SendReports(ctx)
			if err != nil {
				return err
			}
			glog.Infof("Daily report pass: %+v", *report)
			return nil
		},
	})
	r.Register(jobs.Job{
		Name:        jobs.WeeklyReport,
		Period:      7 * 24 * time.Hour,
		Offset:      jobs.WeeklyOffset(a.cfg.WeeklyReportDay, a.cfg.DailyReportAt),
		SkipStartup: true,
		Func: func(ctx context.Context) error {
			report, err := a.Weekly.SendReports(ctx)
			if err != nil {
				return err
			}
			glog.Infof("Weekly report pass: %+v", *report)
			return nil
		},
	})
	r.Register(jobs.Job{
		Name:   jobs.GC,
		Period: 24 * time.Hour,
		Offset: a.cfg.GCAt,
		Func: func(ctx context.Context) error {
			_, err := a.Janitor.Sweep(ctx)
			return err
		},
	})
}
