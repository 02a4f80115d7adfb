package app

import (
	"context"
	"strings"
	"testing"
	"time"

	"mediremind/dbtypes"
	"mediremind/jobs"
	"mediremind/localdb"
	"mediremind/notify"
	"mediremind/notify/notifytest"

	"github.com/google/go-cmp/cmp"
	"k8s.io/apimachinery/pkg/util/clock"
)

func TestRegisteredJobsRun(t *testing.T) {
	ctx := context.Background()
	s, closeStore, err := OpenStore(ctx, "local", "", t.TempDir())
	if err != nil {
		t.Fatalf("Unexpected error opening store: %v", err)
	}
	defer closeStore()

	if err := s.(interface {
		CreateUser(context.Context, *dbtypes.User) error
	}).CreateUser(ctx, &dbtypes.User{ID: "u1", Email: "u1@example.com", PushToken: "tok"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	push := &notifytest.Push{}
	gw := notify.New(notify.WithPushSender(push), notify.WithEmailSender(&notifytest.Mailer{}))
	fc := clock.NewFakeClock(time.Date(2024, 3, 9, 8, 0, 0, 0, time.UTC))

	a := New(s, gw, fc, &Config{
		Location:     time.UTC,
		AppURL:       "https://example.com",
		LogRetention: 30 * 24 * time.Hour,
	})
	r := jobs.NewRunner(fc, time.UTC)
	a.RegisterJobs(r)

	want := []string{"daily-report", "daily-rollup", "detect-missed-doses", "dispatch-reminders", "gc", "weekly-report"}
	if diff := cmp.Diff(r.Names(), want); diff != "" {
		t.Errorf("Bad job names; diff (-got +want)\n%s", diff)
	}

	for _, name := range want {
		if err := r.RunOnce(ctx, name); err != nil {
			t.Errorf("Job %q: unexpected error %v", name, err)
		}
	}
}

func TestOpenStoreUnknown(t *testing.T) {
	if _, _, err := OpenStore(context.Background(), "mysql", "", ""); err == nil {
		t.Errorf("Expected error for unknown store kind")
	}
}

// The daily report and rollup must fire late enough in the day to describe
// the doses taken during it.
func TestDailyJobsDescribeTheDayTheyFireOn(t *testing.T) {
	ctx := context.Background()
	db, err := localdb.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Unexpected error opening store: %v", err)
	}
	defer db.Close()

	if err := db.CreateUser(ctx, &dbtypes.User{ID: "p", Email: "p@example.com", EmailRemindersEnabled: true, CreatedAt: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	med := &dbtypes.Medicine{OwnerUserID: "p", Name: "Aspirin", ScheduledTime: "08:00"}
	if err := db.CreateMedicine(ctx, med); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := db.MarkTaken(ctx, med.ID, "2024-03-09", time.Date(2024, 3, 9, 8, 5, 0, 0, time.UTC)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	mailer := &notifytest.Mailer{}
	fc := clock.NewFakeClock(time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC))
	a := New(db, notify.New(notify.WithEmailSender(mailer)), fc, &Config{
		Location:        time.UTC,
		AppURL:          "https://example.com",
		LogRetention:    30 * 24 * time.Hour,
		DailyReportAt:   20 * time.Hour,
		RollupAt:        23*time.Hour + 55*time.Minute,
		GCAt:            3 * time.Hour,
		WeeklyReportDay: time.Sunday,
	})
	r := jobs.NewRunner(fc, time.UTC)
	a.RegisterJobs(r)

	fire := func(name string, want time.Time) {
		t.Helper()
		at, err := r.NextRun(name, fc.Now())
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if !at.Equal(want) {
			t.Fatalf("Job %q next fires at %v, want %v", name, at, want)
		}
		fc.SetTime(at)
		if err := r.RunTick(ctx, name, at); err != nil {
			t.Fatalf("Job %q: unexpected error %v", name, err)
		}
	}

	fire(jobs.DailyReport, time.Date(2024, 3, 9, 20, 0, 0, 0, time.UTC))
	sent := mailer.Sent()
	if len(sent) != 1 || sent[0].Subject != "📊 Your Daily Medication Report - 2024-03-09" {
		t.Fatalf("Bad daily report emails: %+v", sent)
	}
	if !strings.Contains(sent[0].HTMLBody, "✅") || strings.Contains(sent[0].HTMLBody, "<span style=\"float: right;\">❌</span>") {
		t.Errorf("Dose taken that day not reported as taken:\n%s", sent[0].HTMLBody)
	}

	fire(jobs.DailyRollup, time.Date(2024, 3, 9, 23, 55, 0, 0, time.UTC))
	dist := &dbtypes.AdherenceDistribution{}
	if err := db.GetSnapshot(ctx, dbtypes.AdherenceDistributionSnapshot, dist); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if dist.DateKey != "2024-03-09" || dist.Excellent != 100 || dist.Poor != 0 {
		t.Errorf("Bad adherence distribution: %+v", dist)
	}

	// Sunday evening.
	fire(jobs.WeeklyReport, time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC))
	if got := len(mailer.Sent()); got != 2 {
		t.Errorf("Got %d emails after the weekly report, want 2", got)
	}
}
