// Package weeklyreport sends every user with medicines a summary of their
// last seven days: by push if they have a device registered, and by email if
// they opted in.
package weeklyreport

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"math"
	"strconv"
	"time"

	"mediremind/adherence"
	"mediremind/dbtypes"
	"mediremind/notify"

	"github.com/golang/glog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"k8s.io/apimachinery/pkg/util/clock"
)

// Days covered by one report, ending with the day it is sent.
const Days = 7

type store interface {
	ListUsers(ctx context.Context) ([]*dbtypes.User, error)
	MedicinesByOwner(ctx context.Context, userID string) ([]*dbtypes.Medicine, error)
	AddNotificationLog(ctx context.Context, entry *dbtypes.NotificationLogEntry) error
}

type gateway interface {
	SendAll(ctx context.Context, msgs []*notify.Message) (*notify.BatchResponse, error)
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
	Users         int
	SkippedNoMeds int
	Failed        int

	PushSent    int
	PushFailed  int
	EmailSent   int
	EmailFailed int
	LogFailed   int
}

// Summary is one user's week.
type Summary struct {
	TakenDoses int
	TotalDoses int

	// Percentage of TotalDoses taken, rounded.
	AdherenceRate int

	// Oldest day first.
	Days []adherence.DayAdherence
}

// Summarize computes the Days days ending with the day of now.
func Summarize(meds []*dbtypes.Medicine, now time.Time, loc *time.Location) *Summary {
	s := &Summary{
		Days: adherence.History(meds, now, loc, Days),
	}
	for _, d := range s.Days {
		s.TakenDoses += d.Taken
		s.TotalDoses += d.Total
	}
	if s.TotalDoses != 0 {
		s.AdherenceRate = int(math.Round(float64(s.TakenDoses) / float64(s.TotalDoses) * 100))
	}
	return s
}

// Headline is the push title and body for a week at rate percent.
func Headline(rate int) (title, body string) {
	switch {
	case rate >= 90:
		return "🌟 Weekly Health Report", fmt.Sprintf("Excellent work! You've taken %d%% of your medicines this week.", rate)
	case rate >= 70:
		return "👍 Weekly Health Report", fmt.Sprintf("Good job! You've taken %d%% of your medicines this week.", rate)
	default:
		return "📈 Weekly Health Report", fmt.Sprintf("You've taken %d%% of your medicines this week. Let's do better!", rate)
	}
}

type delivery struct {
	user *dbtypes.User

	noMeds bool
	failed bool

	push           *notify.Message
	pushDelivered  bool
	emailAttempted bool
	emailDelivered bool
}

// SendReports runs one weekly pass.  Only a failure to list users is
// returned; per-user failures are logged and counted.
func (r *Reporter) SendReports(ctx context.Context) (*Report, error) {
	ctx, span := otel.Tracer("mediremind/weeklyreport").Start(ctx, "Reporter.SendReports")
	defer span.End()

	now := r.clock.Now()

	users, err := r.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("while listing users: %w", err)
	}

	work := make([]*delivery, 0, len(users))
	for _, u := range users {
		work = append(work, &delivery{user: u})
	}

	// Summarize each user's week and send their email.
	sem := semaphore.NewWeighted(r.concurrency)
	group := errgroup.Group{}
	for _, w := range work {
		w := w
		if err := sem.Acquire(ctx, 1); err != nil {
			group.Wait()
			return nil, fmt.Errorf("while waiting for a worker: %w", err)
		}
		group.Go(func() error {
			defer sem.Release(1)
			r.prepare(ctx, w, now)
			return nil
		})
	}
	group.Wait()

	var msgs []*notify.Message
	var owners []*delivery
	for _, w := range work {
		if w.push != nil {
			msgs = append(msgs, w.push)
			owners = append(owners, w)
		}
	}
	if len(msgs) != 0 {
		resp, err := r.gateway.SendAll(ctx, msgs)
		if err != nil {
			glog.Errorf("Error sending weekly report pushes: %v", err)
		}
		if resp != nil {
			for i, res := range resp.Responses {
				if res.Err != nil {
					glog.Warningf("Weekly report push for user %s failed: %v", owners[i].user.ID, res.Err)
					continue
				}
				owners[i].pushDelivered = true
			}
		}
	}

	logFailed := make([]bool, len(work))
	for i, w := range work {
		i, w := i, w
		if w.noMeds || w.failed || (w.push == nil && !w.emailAttempted) {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			group.Wait()
			return nil, fmt.Errorf("while waiting for a worker: %w", err)
		}
		group.Go(func() error {
			defer sem.Release(1)
			if err := r.store.AddNotificationLog(ctx, w.logEntry(now)); err != nil {
				glog.Errorf("Error logging weekly report for user %s: %v", w.user.ID, err)
				logFailed[i] = true
			}
			return nil
		})
	}
	group.Wait()

	report := &Report{Users: len(work)}
	for i, w := range work {
		if logFailed[i] {
			report.LogFailed++
		}
		switch {
		case w.noMeds:
			report.SkippedNoMeds++
			continue
		case w.failed:
			report.Failed++
			continue
		}
		if w.push != nil {
			if w.pushDelivered {
				report.PushSent++
			} else {
				report.PushFailed++
			}
		}
		if w.emailAttempted {
			if w.emailDelivered {
				report.EmailSent++
			} else {
				report.EmailFailed++
			}
		}
	}

	span.SetAttributes(attribute.Int("push_sent", report.PushSent), attribute.Int("email_sent", report.EmailSent))
	glog.Infof("Weekly reports: %+v", *report)
	return report, nil
}

func (r *Reporter) prepare(ctx context.Context, w *delivery, now time.Time) {
	meds, err := r.store.MedicinesByOwner(ctx, w.user.ID)
	if err != nil {
		glog.Errorf("Error loading medicines of user %s: %v", w.user.ID, err)
		w.failed = true
		return
	}
	if len(meds) == 0 {
		w.noMeds = true
		return
	}

	s := Summarize(meds, now, r.loc)

	if w.user.PushToken != "" {
		title, body := Headline(s.AdherenceRate)
		w.push = &notify.Message{
			Token: w.user.PushToken,
			Title: title,
			Body:  body,
			Data: map[string]string{
				"type":          string(dbtypes.NotificationWeeklyReport),
				"adherenceRate": strconv.Itoa(s.AdherenceRate),
				"takenDoses":    strconv.Itoa(s.TakenDoses),
				"totalDoses":    strconv.Itoa(s.TotalDoses),
			},
		}
	}

	if w.user.EmailRemindersEnabled && w.user.Email != "" {
		w.emailAttempted = true
		html, err := Render(w.user, s, r.appURL)
		if err != nil {
			glog.Errorf("Error rendering weekly report for user %s: %v", w.user.ID, err)
			return
		}
		subject := fmt.Sprintf("📈 Weekly Report: %d%% Average Adherence", s.AdherenceRate)
		if err := r.gateway.SendEmail(ctx, w.user.Email, subject, html); err != nil {
			glog.Errorf("Error emailing weekly report to user %s: %v", w.user.ID, err)
			return
		}
		w.emailDelivered = true
	}
}

func (w *delivery) logEntry(now time.Time) *dbtypes.NotificationLogEntry {
	return &dbtypes.NotificationLogEntry{
		Type:            dbtypes.NotificationWeeklyReport,
		UserID:          w.user.ID,
		RecipientUserID: w.user.ID,
		SentAt:          now,
		PushAttempted:   w.push != nil,
		PushDelivered:   w.pushDelivered,
		EmailAttempted:  w.emailAttempted,
		EmailDelivered:  w.emailDelivered,
	}
}

type dayLine struct {
	Weekday string
	Date    string
	Taken   int
	Missed  int
	Rate    int
}

// Render produces the email body for u's week.
func Render(u *dbtypes.User, s *Summary, appURL string) (string, error) {
	p := struct {
		Name   string
		Rate   int
		Taken  int
		Total  int
		Days   []dayLine
		AppURL string
	}{
		Name:   u.Name(),
		Rate:   s.AdherenceRate,
		Taken:  s.TakenDoses,
		Total:  s.TotalDoses,
		AppURL: appURL,
	}
	for _, d := range s.Days {
		weekday := d.Date
		if t, err := time.Parse("2006-01-02", d.Date); err == nil {
			weekday = t.Format("Mon")
		}
		p.Days = append(p.Days, dayLine{Weekday: weekday, Date: d.Date, Taken: d.Taken, Missed: d.Total - d.Taken, Rate: d.Rate})
	}

	buf := &bytes.Buffer{}
	if err := reportTemplate.Execute(buf, p); err != nil {
		return "", fmt.Errorf("while templating weekly report: %w", err)
	}
	return buf.String(), nil
}

var reportTemplate = template.Must(template.New("weekly").Parse(reportHTML))

const reportHTML = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
  <div style="background: #667eea; color: white; padding: 30px; text-align: center; border-radius: 10px;">
    <h1>📈 Weekly Report</h1>
    <p>Last 7 Days Summary</p>
  </div>
  <div style="padding: 30px; background: #f9f9f9;">
    <h2>Hi {{.Name}}! 👋</h2>
    <div style="background: white; padding: 30px; border-radius: 10px; text-align: center; margin: 20px 0;">
      <h3 style="margin: 0 0 10px 0;">Adherence Rate</h3>
      <div style="font-size: 48px;">{{.Rate}}%</div>
      <p style="color: #666;">{{.Taken}} of {{.Total}} doses taken</p>
    </div>
    <h3>Daily Breakdown:</h3>
    {{range .Days}}
    <div style="background: white; padding: 15px; margin: 10px 0; border-radius: 8px;">
      <strong>{{.Weekday}} - {{.Date}}</strong>
      <span style="float: right;">✅ {{.Taken}} ❌ {{.Missed}}</span>
    </div>
    {{end}}
    <p style="text-align: center; margin-top: 30px;"><a href="{{.AppURL}}">View Full History</a></p>
  </div>
</body>
</html>
`
