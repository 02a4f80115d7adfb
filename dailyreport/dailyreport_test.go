package dailyreport

import (
	"context"
	"strings"
	"testing"
	"time"

	"mediremind/dbtypes"
	"mediremind/localdb"
	"mediremind/notify"
	"mediremind/notify/notifytest"

	"github.com/google/go-cmp/cmp"
	"k8s.io/apimachinery/pkg/util/clock"
)

func TestRenderCounts(t *testing.T) {
	u := &dbtypes.User{DisplayName: "Pat <3"}
	meds := []*dbtypes.Medicine{
		{Name: "Evening", ScheduledTime: "20:00"},
		{Name: "Morning", ScheduledTime: "08:00", TakenHistory: map[string]bool{"2024-03-09": true}},
	}

	body, err := Render(u, meds, "2024-03-09", "https://example.com")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	for _, want := range []string{
		"Hi Pat &lt;3!",
		"<strong>Morning</strong> - 08:00",
		"<strong>Evening</strong> - 20:00",
		`<p style="font-size: 32px; margin: 10px 0;">1</p>`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Body missing %q:\n%s", want, body)
		}
	}
	if strings.Index(body, "Morning") > strings.Index(body, "Evening") {
		t.Errorf("Medicines not ordered by scheduled time")
	}
}

func TestSendReports(t *testing.T) {
	ctx := context.Background()
	db, err := localdb.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Unexpected error opening store: %v", err)
	}
	defer db.Close()

	users := []*dbtypes.User{
		{ID: "a", Email: "a@example.com", EmailRemindersEnabled: true},
		{ID: "b", Email: "b@example.com", EmailRemindersEnabled: true},
		{ID: "c", Email: "c@example.com"},
		{ID: "d", Email: "d@example.com", EmailRemindersEnabled: true},
	}
	for _, u := range users {
		if err := db.CreateUser(ctx, u); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	for _, owner := range []string{"a", "c", "d"} {
		if err := db.CreateMedicine(ctx, &dbtypes.Medicine{OwnerUserID: owner, Name: "A", ScheduledTime: "08:00"}); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}

	mailer := &notifytest.Mailer{FailAddrs: map[string]bool{"d@example.com": true}}
	fc := clock.NewFakeClock(time.Date(2024, 3, 9, 21, 0, 0, 0, time.UTC))
	r := New(db, notify.New(notify.WithEmailSender(mailer)), fc, time.UTC)

	report, err := r.SendReports(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := &Report{OptedIn: 3, SkippedNoMeds: 1, Sent: 1, Failed: 1}
	if diff := cmp.Diff(report, want); diff != "" {
		t.Errorf("Bad report; diff (-got +want)\n%s", diff)
	}

	sent := mailer.Sent()
	if len(sent) != 1 || sent[0].To != "a@example.com" || sent[0].Subject != "📊 Your Daily Medication Report - 2024-03-09" {
		t.Errorf("Bad sent emails: %+v", sent)
	}

	entries, err := db.NotificationLog(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	delivered := map[string]bool{}
	for _, e := range entries {
		if e.Type != dbtypes.NotificationDailyReport {
			t.Errorf("Bad entry type %q", e.Type)
		}
		delivered[e.UserID] = e.EmailDelivered
	}
	if diff := cmp.Diff(delivered, map[string]bool{"a": true, "d": false}); diff != "" {
		t.Errorf("Bad log entries; diff (-got +want)\n%s", diff)
	}
}
