// Package reminder sends the "time to take your medicine" notifications for
// every medicine scheduled at the current minute.
package reminder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"time"

	"mediremind/dbtypes"
	"mediremind/notify"

	"github.com/golang/glog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"k8s.io/apimachinery/pkg/util/clock"
)

type store interface {
	MedicinesScheduledAt(ctx context.Context, clockKey string) ([]*dbtypes.Medicine, error)
	GetUser(ctx context.Context, id string) (*dbtypes.User, error)
	AddNotificationLog(ctx context.Context, entry *dbtypes.NotificationLogEntry) error
}

type gateway interface {
	SendAll(ctx context.Context, msgs []*notify.Message) (*notify.BatchResponse, error)
	SendEmail(ctx context.Context, to, subject, htmlBody string) error
}

type Dispatcher struct {
	store   store
	gateway gateway
	clock   clock.Clock
	loc     *time.Location

	concurrency int64
}

type DispatcherOpt func(*Dispatcher)

// WithConcurrency bounds how many medicines are resolved at once.
func WithConcurrency(n int64) DispatcherOpt {
	return func(d *Dispatcher) {
		d.concurrency = n
	}
}

func New(s store, gw gateway, c clock.Clock, loc *time.Location, opts ...DispatcherOpt) *Dispatcher {
	d := &Dispatcher{
		store:       s,
		gateway:     gw,
		clock:       c,
		loc:         loc,
		concurrency: 64,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Report summarizes one tick.
type Report struct {
	ClockKey string

	Matched       int
	SkippedTaken  int
	SkippedOrphan int
	Failed        int

	PushSent    int
	PushFailed  int
	EmailSent   int
	EmailFailed int
	LogFailed   int
}

// dispatch is the in-flight state of one medicine's reminder.
type dispatch struct {
	med *dbtypes.Medicine

	orphan bool
	failed bool

	push           *notify.Message
	pushDelivered  bool
	emailAttempted bool
	emailDelivered bool
}

// DispatchReminders runs one tick.  Only a failure to query the schedule is
// returned; everything that goes wrong for an individual medicine is logged
// and counted in the report.
func (d *Dispatcher) DispatchReminders(ctx context.Context) (*Report, error) {
	ctx, span := otel.Tracer("mediremind/reminder").Start(ctx, "Dispatcher.DispatchReminders")
	defer span.End()

	now := d.clock.Now()
	report := &Report{
		ClockKey: dbtypes.ClockKey(now, d.loc),
	}
	today := dbtypes.DateKey(now, d.loc)

	meds, err := d.store.MedicinesScheduledAt(ctx, report.ClockKey)
	if err != nil {
		return nil, fmt.Errorf("while querying medicines scheduled at %s: %w", report.ClockKey, err)
	}
	report.Matched = len(meds)
	span.SetAttributes(attribute.Int("matched", len(meds)))

	var work []*dispatch
	for _, m := range meds {
		if m.TakenOn(today) {
			report.SkippedTaken++
			continue
		}
		work = append(work, &dispatch{med: m})
	}

	// Resolve the owner and send email for each medicine.
	sem := semaphore.NewWeighted(d.concurrency)
	group := errgroup.Group{}
	for _, w := range work {
		w := w
		if err := sem.Acquire(ctx, 1); err != nil {
			group.Wait()
			return nil, fmt.Errorf("while waiting for a worker: %w", err)
		}
		group.Go(func() error {
			defer sem.Release(1)
			d.prepare(ctx, w)
			return nil
		})
	}
	group.Wait()

	// Push goes out in provider-sized batches.
	var msgs []*notify.Message
	var owners []*dispatch
	for _, w := range work {
		if w.push != nil {
			msgs = append(msgs, w.push)
			owners = append(owners, w)
		}
	}
	if len(msgs) != 0 {
		resp, err := d.gateway.SendAll(ctx, msgs)
		if err != nil {
			glog.Errorf("Error sending reminder pushes: %v", err)
		}
		if resp != nil {
			for i, r := range resp.Responses {
				if r.Err != nil {
					glog.Warningf("Reminder push for medicine %s failed: %v", owners[i].med.ID, r.Err)
					continue
				}
				owners[i].pushDelivered = true
			}
		}
	}

	// One log entry per medicine processed.
	logFailed := make([]bool, len(work))
	for i, w := range work {
		i, w := i, w
		if w.orphan || w.failed {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			group.Wait()
			return nil, fmt.Errorf("while waiting for a worker: %w", err)
		}
		group.Go(func() error {
			defer sem.Release(1)
			if err := d.store.AddNotificationLog(ctx, w.logEntry(now)); err != nil {
				glog.Errorf("Error logging reminder for medicine %s: %v", w.med.ID, err)
				logFailed[i] = true
			}
			return nil
		})
	}
	group.Wait()

	for i, w := range work {
		if logFailed[i] {
			report.LogFailed++
		}
		if w.orphan {
			report.SkippedOrphan++
			continue
		}
		if w.failed {
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

	glog.Infof("Reminders at %s: %+v", report.ClockKey, *report)
	return report, nil
}

func (d *Dispatcher) prepare(ctx context.Context, w *dispatch) {
	user, err := d.store.GetUser(ctx, w.med.OwnerUserID)
	if errors.Is(err, dbtypes.ErrNotFound) {
		glog.V(1).Infof("Skipping medicine %s: owner %s does not exist", w.med.ID, w.med.OwnerUserID)
		w.orphan = true
		return
	}
	if err != nil {
		glog.Errorf("Error resolving owner of medicine %s: %v", w.med.ID, err)
		w.failed = true
		return
	}

	if user.PushToken != "" {
		w.push = &notify.Message{
			Token: user.PushToken,
			Title: "💊 Medicine Reminder",
			Body:  fmt.Sprintf("Time to take %s - %s", w.med.Name, w.med.Dosage),
			Data: map[string]string{
				"type":       string(dbtypes.NotificationReminder),
				"medicineId": w.med.ID,
			},
		}
	}

	if user.EmailRemindersEnabled && user.Email != "" {
		w.emailAttempted = true
		body, err := renderEmail(user, w.med)
		if err != nil {
			glog.Errorf("Error rendering reminder email for medicine %s: %v", w.med.ID, err)
			return
		}
		subject := fmt.Sprintf("💊 Medicine Reminder: %s", w.med.Name)
		if err := d.gateway.SendEmail(ctx, user.Email, subject, body); err != nil {
			glog.Errorf("Error emailing reminder for medicine %s: %v", w.med.ID, err)
			return
		}
		w.emailDelivered = true
	}
}

func (w *dispatch) logEntry(now time.Time) *dbtypes.NotificationLogEntry {
	return &dbtypes.NotificationLogEntry{
		Type:            dbtypes.NotificationReminder,
		UserID:          w.med.OwnerUserID,
		RecipientUserID: w.med.OwnerUserID,
		MedicineID:      w.med.ID,
		SentAt:          now,
		PushAttempted:   w.push != nil,
		PushDelivered:   w.pushDelivered,
		EmailAttempted:  w.emailAttempted,
		EmailDelivered:  w.emailDelivered,
		MedicineName:    w.med.Name,
		Dosage:          w.med.Dosage,
		ScheduledTime:   w.med.ScheduledTime,
	}
}

var emailTemplate = template.Must(template.New("reminder").Parse(emailHTML))

const emailHTML = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
  <h2 style="color: #4F46E5;">💊 Medicine Reminder</h2>
  <p>Hi {{.Name}},</p>
  <p>It's time to take your medicine:</p>
  <div style="background: #F3F4F6; padding: 16px; border-radius: 8px;">
    <p style="margin: 0;"><strong>{{.Medicine}}</strong></p>
    <p style="margin: 4px 0 0 0;">Dosage: {{.Dosage}}</p>
    <p style="margin: 4px 0 0 0;">Scheduled: {{.ScheduledTime}}</p>
  </div>
  <p style="color: #6B7280; font-size: 12px;">Mark it as taken in the app once you're done.</p>
</body>
</html>
`

func renderEmail(user *dbtypes.User, med *dbtypes.Medicine) (string, error) {
	params := struct {
		Name          string
		Medicine      string
		Dosage        string
		ScheduledTime string
	}{
		Name:          user.Name(),
		Medicine:      med.Name,
		Dosage:        med.Dosage,
		ScheduledTime: med.ScheduledTime,
	}

	buf := &bytes.Buffer{}
	if err := emailTemplate.Execute(buf, params); err != nil {
		return "", fmt.Errorf("while templating reminder email: %w", err)
	}
	return buf.String(), nil
}
