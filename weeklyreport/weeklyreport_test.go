package weeklyreport

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

// takenOnLast marks the last n days up to and including 2024-03-10.
func takenOnLast(n int) map[string]bool {
	out := map[string]bool{}
	day := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		out[day.AddDate(0, 0, -i).Format("2006-01-02")] = true
	}
	return out
}

func TestSummarize(t *testing.T) {
	meds := []*dbtypes.Medicine{
		{Name: "A", TakenHistory: takenOnLast(6)},
		{Name: "B"},
	}
	now := time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC)

	s := Summarize(meds, now, time.UTC)
	if s.TakenDoses != 6 || s.TotalDoses != 14 || s.AdherenceRate != 43 {
		t.Errorf("Bad summary: taken=%d total=%d rate=%d, want 6, 14, 43", s.TakenDoses, s.TotalDoses, s.AdherenceRate)
	}
	if len(s.Days) != Days || s.Days[0].Date != "2024-03-04" || s.Days[6].Date != "2024-03-10" {
		t.Errorf("Bad days: %+v", s.Days)
	}
	if s.Days[0].Taken != 0 || s.Days[1].Taken != 1 {
		t.Errorf("Bad per-day counts: %+v", s.Days)
	}
}

func TestHeadline(t *testing.T) {
	cases := []struct {
		rate      int
		wantTitle string
		wantBody  string
	}{
		{100, "🌟 Weekly Health Report", "Excellent work! You've taken 100% of your medicines this week."},
		{90, "🌟 Weekly Health Report", "Excellent work! You've taken 90% of your medicines this week."},
		{89, "👍 Weekly Health Report", "Good job! You've taken 89% of your medicines this week."},
		{70, "👍 Weekly Health Report", "Good job! You've taken 70% of your medicines this week."},
		{69, "📈 Weekly Health Report", "You've taken 69% of your medicines this week. Let's do better!"},
		{0, "📈 Weekly Health Report", "You've taken 0% of your medicines this week. Let's do better!"},
	}
	for _, tc := range cases {
		title, body := Headline(tc.rate)
		if title != tc.wantTitle || body != tc.wantBody {
			t.Errorf("Headline(%d) = (%q, %q), want (%q, %q)", tc.rate, title, body, tc.wantTitle, tc.wantBody)
		}
	}
}

func TestRenderBreakdown(t *testing.T) {
	s := Summarize([]*dbtypes.Medicine{{Name: "A", TakenHistory: takenOnLast(1)}}, time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC), time.UTC)
	body, err := Render(&dbtypes.User{DisplayName: "Pat"}, s, "https://example.com")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for _, want := range []string{
		"Hi Pat!",
		"1 of 7 doses taken",
		"<strong>Mon - 2024-03-04</strong>",
		"<strong>Sun - 2024-03-10</strong>",
		`href="https://example.com"`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Body missing %q:\n%s", want, body)
		}
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
		{ID: "a", Email: "a@example.com", EmailRemindersEnabled: true, PushToken: "tok-a"},
		{ID: "b", Email: "b@example.com", PushToken: "tok-b"},
		{ID: "c", Email: "c@example.com", EmailRemindersEnabled: true, PushToken: "tok-c"},
		{ID: "d", Email: "d@example.com", EmailRemindersEnabled: true},
		{ID: "e", PushToken: "tok-e"},
	}
	for _, u := range users {
		if err := db.CreateUser(ctx, u); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	meds := []*dbtypes.Medicine{
		{OwnerUserID: "a", Name: "A", ScheduledTime: "08:00", TakenHistory: takenOnLast(7)},
		{OwnerUserID: "b", Name: "B1", ScheduledTime: "08:00", TakenHistory: takenOnLast(6)},
		{OwnerUserID: "b", Name: "B2", ScheduledTime: "20:00"},
		{OwnerUserID: "d", Name: "D", ScheduledTime: "08:00", TakenHistory: takenOnLast(5)},
		{OwnerUserID: "e", Name: "E", ScheduledTime: "08:00"},
	}
	for _, m := range meds {
		if err := db.CreateMedicine(ctx, m); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}

	push := &notifytest.Push{FailTokens: map[string]bool{"tok-e": true}}
	mailer := &notifytest.Mailer{FailAddrs: map[string]bool{"d@example.com": true}}
	gw := notify.New(notify.WithPushSender(push), notify.WithEmailSender(mailer))

	// Sunday evening.
	fc := clock.NewFakeClock(time.Date(2024, 3, 10, 20, 0, 0, 0, time.UTC))
	r := New(db, gw, fc, time.UTC, WithAppURL("https://example.com"))

	report, err := r.SendReports(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := &Report{Users: 5, SkippedNoMeds: 1, PushSent: 2, PushFailed: 1, EmailSent: 1, EmailFailed: 1}
	if diff := cmp.Diff(report, want); diff != "" {
		t.Errorf("Bad report; diff (-got +want)\n%s", diff)
	}

	wantPush := []*notify.Message{
		{
			Token: "tok-a",
			Title: "🌟 Weekly Health Report",
			Body:  "Excellent work! You've taken 100% of your medicines this week.",
			Data:  map[string]string{"type": "weekly_report", "adherenceRate": "100", "takenDoses": "7", "totalDoses": "7"},
		},
		{
			Token: "tok-b",
			Title: "📈 Weekly Health Report",
			Body:  "You've taken 43% of your medicines this week. Let's do better!",
			Data:  map[string]string{"type": "weekly_report", "adherenceRate": "43", "takenDoses": "6", "totalDoses": "14"},
		},
	}
	if diff := cmp.Diff(push.Sent(), wantPush); diff != "" {
		t.Errorf("Bad pushes; diff (-got +want)\n%s", diff)
	}

	sent := mailer.Sent()
	if len(sent) != 1 || sent[0].To != "a@example.com" || sent[0].Subject != "📈 Weekly Report: 100% Average Adherence" {
		t.Errorf("Bad sent emails: %+v", sent)
	}

	entries, err := db.NotificationLog(ctx)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	type outcome struct {
		Push, Email bool
	}
	got := map[string]outcome{}
	for _, e := range entries {
		if e.Type != dbtypes.NotificationWeeklyReport {
			t.Errorf("Bad entry type %q", e.Type)
		}
		got[e.UserID] = outcome{Push: e.PushDelivered, Email: e.EmailDelivered}
	}
	wantLog := map[string]outcome{
		"a": {Push: true, Email: true},
		"b": {Push: true},
		"d": {},
		"e": {},
	}
	if diff := cmp.Diff(got, wantLog); diff != "" {
		t.Errorf("Bad log entries; diff (-got +want)\n%s", diff)
	}
}
