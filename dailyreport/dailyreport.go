// Package dailyreport emails each opted-in user a summary of the day's doses.
package dailyreport

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"sort"
	"sync"
	"time"

	"mediremind/dbtypes"

	"github.com/golang/glog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"k8s.io/apimachinery/pkg/util/clock"
)

type store interface {
	ListUsers(ctx context.Context) ([]*dbtypes.User, error)
	MedicinesByOwner(ctx context.Context, userID string) ([]*dbtypes.Medicine, error)
	AddNotificationLog(ctx context.Context, entry *dbtypes.NotificationLogEntry) error
}

type gateway interface {
	SendEmail(ctx context.Context, to, subject, htmlBody string) error
}

type Reporter struct {
	store   store
	gateway gateway
	clock   clock.Clock
	loc     *time.Location

	appURL      string
	concurrency int64
}

type ReporterOpt func(*Reporter)

func WithAppURL(u string) ReporterOpt {
	return func(r *Reporter) {
		r.appURL = u
	}
}

func WithConcurrency(n int64) ReporterOpt {
	return func(r *Reporter) {
		r.concurrency = n
	}
}

func New(s store, gw gateway, c clock.Clock, loc *time.Location, opts ...ReporterOpt) *Reporter {
	r := &Reporter{
		store:       s,
		gateway:     gw,
		clock:       c,
		loc:         loc,
		appURL:      "https://mediremind.app",
		concurrency: 64,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

type Report struct {
	OptedIn       int
	SkippedNoMeds int
	Sent          int
	Failed        int
}

// SendReports emails every user with email reminders enabled and at least
// one medicine.  Per-user failures are logged and counted.
func (r *Reporter) SendReports(ctx context.Context) (*Report, error) {
	ctx, span := otel.Tracer("mediremind/dailyreport").Start(ctx, "Reporter.SendReports")
	defer span.End()

	now := r.clock.Now()
	today := dbtypes.DateKey(now, r.loc)

	users, err := r.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("while listing users: %w", err)
	}

	report := &Report{}
	mu := sync.Mutex{}
	count := func(f func()) {
		mu.Lock()
		defer mu.Unlock()
		f()
	}

	sem := semaphore.NewWeighted(r.concurrency)
	group := errgroup.Group{}
	for _, u := range users {
		u := u
		if !u.EmailRemindersEnabled || u.Email == "" {
			continue
		}
		report.OptedIn++

		if err := sem.Acquire(ctx, 1); err != nil {
			group.Wait()
			return nil, fmt.Errorf("while waiting for a worker: %w", err)
		}
		group.Go(func() error {
			defer sem.Release(1)

			sent, err := r.sendOne(ctx, u, today, now)
			switch {
			case err != nil:
				glog.Errorf("Error sending daily report to user %s: %v", u.ID, err)
				count(func() { report.Failed++ })
			case !sent:
				count(func() { report.SkippedNoMeds++ })
			default:
				count(func() { report.Sent++ })
			}
			return nil
		})
	}
	group.Wait()

	span.SetAttributes(attribute.Int("sent", report.Sent))
	glog.Infof("Daily reports for %s: %+v", today, *report)
	return report, nil
}

type medicineLine struct {
	Name          string
	ScheduledTime string
	Taken         bool
}

type emailParams struct {
	Name      string
	Date      string
	Taken     int
	Missed    int
	Medicines []medicineLine
	AppURL    string
}

func (r *Reporter) sendOne(ctx context.Context, u *dbtypes.User, today string, now time.Time) (bool, error) {
	meds, err := r.store.MedicinesByOwner(ctx, u.ID)
	if err != nil {
		return false, fmt.Errorf("while loading medicines: %w", err)
	}
	if len(meds) == 0 {
		return false, nil
	}

	html, err := Render(u, meds, today, r.appURL)
	if err != nil {
		return false, err
	}

	entry := &dbtypes.NotificationLogEntry{
		Type:            dbtypes.NotificationDailyReport,
		UserID:          u.ID,
		RecipientUserID: u.ID,
		SentAt:          now,
		EmailAttempted:  true,
	}

	subject := fmt.Sprintf("📊 Your Daily Medication Report - %s", today)
	sendErr := r.gateway.SendEmail(ctx, u.Email, subject, html)
	entry.EmailDelivered = sendErr == nil

	if err := r.store.AddNotificationLog(ctx, entry); err != nil {
		glog.Errorf("Error logging daily report for user %s: %v", u.ID, err)
	}

	if sendErr != nil {
		return false, sendErr
	}
	return true, nil
}

// Render produces the report body for u's medicines on dateKey.
func Render(u *dbtypes.User, meds []*dbtypes.Medicine, dateKey, appURL string) (string, error) {
	sorted := append([]*dbtypes.Medicine(nil), meds...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].ScheduledTime < sorted[j].ScheduledTime
	})

	p := &emailParams{
		Name:   u.Name(),
		Date:   dateKey,
		AppURL: appURL,
	}
	for _, m := range sorted {
		taken := m.TakenOn(dateKey)
		if taken {
			p.Taken++
		} else {
			p.Missed++
		}
		p.Medicines = append(p.Medicines, medicineLine{Name: m.Name, ScheduledTime: m.ScheduledTime, Taken: taken})
	}

	buf := &bytes.Buffer{}
	if err := reportTemplate.Execute(buf, p); err != nil {
		return "", fmt.Errorf("while templating daily report: %w", err)
	}
	return buf.String(), nil
}

var reportTemplate = template.Must(template.New("report").Parse(reportHTML))

const reportHTML = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
  <div style="background: #667eea; color: white; padding: 30px; text-align: center; border-radius: 10px;">
    <h1>📊 Daily Report</h1>
    <p>{{.Date}}</p>
  </div>
  <div style="padding: 30px; background: #f9f9f9;">
    <h2>Hi {{.Name}}! 👋</h2>
    <table style="width: 100%; margin: 20px 0;"><tr>
      <td style="background: #10b981; color: white; padding: 20px; border-radius: 8px; text-align: center;">
        <h3 style="margin: 0;">✅ Taken</h3>
        <p style="font-size: 32px; margin: 10px 0;">{{.Taken}}</p>
      </td>
      <td style="background: #ef4444; color: white; padding: 20px; border-radius: 8px; text-align: center;">
        <h3 style="margin: 0;">❌ Missed</h3>
        <p style="font-size: 32px; margin: 10px 0;">{{.Missed}}</p>
      </td>
    </tr></table>
    <h3>Today's Medications:</h3>
    {{range .Medicines}}
    <div style="background: white; padding: 15px; margin: 10px 0; border-radius: 8px;">
      <strong>{{.Name}}</strong> - {{.ScheduledTime}}
      <span style="float: right;">{{if .Taken}}✅{{else}}❌{{end}}</span>
    </div>
    {{end}}
    <p style="text-align: center; margin-top: 30px;"><a href="{{.AppURL}}">View Dashboard</a></p>
  </div>
</body>
</html>
`
