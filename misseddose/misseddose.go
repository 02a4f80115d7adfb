// Package misseddose nags patients, and the caregivers linked to them, about
// doses that are a few hours overdue and still not marked taken.
package misseddose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"math"
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
	ListMedicines(ctx context.Context) ([]*dbtypes.Medicine, error)
	GetUser(ctx context.Context, id string) (*dbtypes.User, error)
	LinksByPatient(ctx context.Context, patientID string) ([]*dbtypes.CaregiverLink, error)
	AddNotificationLog(ctx context.Context, entry *dbtypes.NotificationLogEntry) error
}

type gateway interface {
	SendPush(ctx context.Context, token, title, body string, data map[string]string) error
	SendEmail(ctx context.Context, to, subject, htmlBody string) error
}

type Detector struct {
	store   store
	gateway gateway
	clock   clock.Clock
	loc     *time.Location

	minOverdue  time.Duration
	maxOverdue  time.Duration
	concurrency int64
	appURL      string
}

type DetectorOpt func(*Detector)

// WithWindow sets the inclusive range of overdue durations that raise an
// alert.
func WithWindow(min, max time.Duration) DetectorOpt {
	return func(d *Detector) {
		d.minOverdue = min
		d.maxOverdue = max
	}
}

func WithConcurrency(n int64) DetectorOpt {
	return func(d *Detector) {
		d.concurrency = n
	}
}

// WithAppURL sets the link in alert emails.
func WithAppURL(u string) DetectorOpt {
	return func(d *Detector) {
		d.appURL = u
	}
}

func New(s store, gw gateway, c clock.Clock, loc *time.Location, opts ...DetectorOpt) *Detector {
	d := &Detector{
		store:       s,
		gateway:     gw,
		clock:       c,
		loc:         loc,
		minOverdue:  1 * time.Hour,
		maxOverdue:  3 * time.Hour,
		concurrency: 64,
		appURL:      "https://mediremind.app",
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

type Report struct {
	Scanned       int
	Selected      int
	Malformed     int
	SkippedOrphan int
	Failed        int

	Alerts      int
	PushSent    int
	PushFailed  int
	EmailSent   int
	EmailFailed int
}

// Overdue reports how long ago med was due today, and whether that falls in
// the alert window.  Doses not yet due today are never overdue.
func (d *Detector) Overdue(med *dbtypes.Medicine, now time.Time) (time.Duration, bool, error) {
	due, err := med.ScheduledOn(now, d.loc)
	if err != nil {
		return 0, false, err
	}
	since := now.Sub(due)
	return since, since >= d.minOverdue && since <= d.maxOverdue, nil
}

// DetectMissedDoses runs one tick.  Only a failure to list medicines is
// returned.
func (d *Detector) DetectMissedDoses(ctx context.Context) (*Report, error) {
	ctx, span := otel.Tracer("mediremind/misseddose").Start(ctx, "Detector.DetectMissedDoses")
	defer span.End()

	now := d.clock.Now()
	today := dbtypes.DateKey(now, d.loc)

	meds, err := d.store.ListMedicines(ctx)
	if err != nil {
		return nil, fmt.Errorf("while listing medicines: %w", err)
	}

	report := &Report{Scanned: len(meds)}
	mu := sync.Mutex{}

	sem := semaphore.NewWeighted(d.concurrency)
	group := errgroup.Group{}
	for _, m := range meds {
		m := m
		if m.TakenOn(today) {
			continue
		}
		since, selected, err := d.Overdue(m, now)
		if err != nil {
			glog.Warningf("Skipping medicine %s with bad scheduled time: %v", m.ID, err)
			report.Malformed++
			continue
		}
		if !selected {
			continue
		}
		report.Selected++

		if err := sem.Acquire(ctx, 1); err != nil {
			group.Wait()
			return nil, fmt.Errorf("while waiting for a worker: %w", err)
		}
		group.Go(func() error {
			defer sem.Release(1)
			r := d.alertFor(ctx, m, since, now)
			mu.Lock()
			defer mu.Unlock()
			report.merge(r)
			return nil
		})
	}
	group.Wait()

	span.SetAttributes(attribute.Int("selected", report.Selected))
	glog.Infof("Missed dose check: %+v", *report)
	return report, nil
}

func (r *Report) merge(o *Report) {
	r.SkippedOrphan += o.SkippedOrphan
	r.Failed += o.Failed
	r.Alerts += o.Alerts
	r.PushSent += o.PushSent
	r.PushFailed += o.PushFailed
	r.EmailSent += o.EmailSent
	r.EmailFailed += o.EmailFailed
}

type alert struct {
	recipient *dbtypes.User
	pushTitle string
	pushBody  string
	subject   string
	html      string
}

func (d *Detector) alertFor(ctx context.Context, med *dbtypes.Medicine, since time.Duration, now time.Time) *Report {
	report := &Report{}

	owner, err := d.store.GetUser(ctx, med.OwnerUserID)
	if errors.Is(err, dbtypes.ErrNotFound) {
		glog.V(1).Infof("Skipping medicine %s: owner %s does not exist", med.ID, med.OwnerUserID)
		report.SkippedOrphan++
		return report
	}
	if err != nil {
		glog.Errorf("Error resolving owner of medicine %s: %v", med.ID, err)
		report.Failed++
		return report
	}

	params := &emailParams{
		Patient:       owner.Name(),
		Medicine:      med.Name,
		Dosage:        med.Dosage,
		ScheduledTime: med.ScheduledTime,
		HoursOverdue:  int(math.Floor(since.Hours())),
		AppURL:        d.appURL,
	}

	alerts := []*alert{}
	a, err := ownerAlert(owner, params)
	if err != nil {
		glog.Errorf("Error building owner alert for medicine %s: %v", med.ID, err)
		report.Failed++
	} else {
		alerts = append(alerts, a)
	}

	links, err := d.store.LinksByPatient(ctx, owner.ID)
	if err != nil {
		// The owner still gets their alert.
		glog.Errorf("Error loading caregivers of patient %s: %v", owner.ID, err)
		report.Failed++
	}
	for _, l := range links {
		cg, err := d.store.GetUser(ctx, l.CaregiverID)
		if err != nil {
			glog.Errorf("Error resolving caregiver %s of patient %s: %v", l.CaregiverID, owner.ID, err)
			report.Failed++
			continue
		}
		a, err := caregiverAlert(cg, params)
		if err != nil {
			glog.Errorf("Error building caregiver alert for medicine %s: %v", med.ID, err)
			report.Failed++
			continue
		}
		alerts = append(alerts, a)
	}

	for _, a := range alerts {
		report.Alerts++
		entry := &dbtypes.NotificationLogEntry{
			Type:            dbtypes.NotificationMissedDose,
			UserID:          owner.ID,
			RecipientUserID: a.recipient.ID,
			MedicineID:      med.ID,
			SentAt:          now,
			MedicineName:    med.Name,
			Dosage:          med.Dosage,
			ScheduledTime:   med.ScheduledTime,
		}

		if a.recipient.PushToken != "" {
			entry.PushAttempted = true
			data := map[string]string{
				"type":       string(dbtypes.NotificationMissedDose),
				"medicineId": med.ID,
				"patientId":  owner.ID,
			}
			if err := d.gateway.SendPush(ctx, a.recipient.PushToken, a.pushTitle, a.pushBody, data); err != nil {
				glog.Warningf("Missed dose push to %s for medicine %s failed: %v", a.recipient.ID, med.ID, err)
				report.PushFailed++
			} else {
				entry.PushDelivered = true
				report.PushSent++
			}
		}

		if a.recipient.EmailRemindersEnabled && a.recipient.Email != "" {
			entry.EmailAttempted = true
			if err := d.gateway.SendEmail(ctx, a.recipient.Email, a.subject, a.html); err != nil {
				glog.Warningf("Missed dose email to %s for medicine %s failed: %v", a.recipient.ID, med.ID, err)
				report.EmailFailed++
			} else {
				entry.EmailDelivered = true
				report.EmailSent++
			}
		}

		if err := d.store.AddNotificationLog(ctx, entry); err != nil {
			glog.Errorf("Error logging missed dose alert for medicine %s: %v", med.ID, err)
		}
	}

	return report
}

type emailParams struct {
	Recipient     string
	Patient       string
	Medicine      string
	Dosage        string
	ScheduledTime string
	HoursOverdue  int
	AppURL        string
}

func ownerAlert(owner *dbtypes.User, params *emailParams) (*alert, error) {
	p := *params
	p.Recipient = owner.Name()
	html, err := render(ownerTemplate, &p)
	if err != nil {
		return nil, err
	}
	return &alert{
		recipient: owner,
		pushTitle: "⚠️ Missed Dose",
		pushBody:  fmt.Sprintf("You haven't taken %s (%s) yet. It was due at %s.", p.Medicine, p.Dosage, p.ScheduledTime),
		subject:   fmt.Sprintf("⚠️ Missed Dose Alert: %s", p.Medicine),
		html:      html,
	}, nil
}

func caregiverAlert(cg *dbtypes.User, params *emailParams) (*alert, error) {
	p := *params
	p.Recipient = cg.Name()
	html, err := render(caregiverTemplate, &p)
	if err != nil {
		return nil, err
	}
	return &alert{
		recipient: cg,
		pushTitle: fmt.Sprintf("⚠️ %s missed a dose", p.Patient),
		pushBody:  fmt.Sprintf("%s hasn't taken %s (%s), due at %s.", p.Patient, p.Medicine, p.Dosage, p.ScheduledTime),
		subject:   fmt.Sprintf("⚠️ %s missed a dose of %s", p.Patient, p.Medicine),
		html:      html,
	}, nil
}

func render(t *template.Template, p *emailParams) (string, error) {
	buf := &bytes.Buffer{}
	if err := t.Execute(buf, p); err != nil {
		return "", fmt.Errorf("while templating missed dose email: %w", err)
	}
	return buf.String(), nil
}

var (
	ownerTemplate     = template.Must(template.New("owner").Parse(ownerHTML))
	caregiverTemplate = template.Must(template.New("caregiver").Parse(caregiverHTML))
)

const ownerHTML = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
  <div style="background: #dc2626; color: white; padding: 30px; text-align: center; border-radius: 10px;">
    <h1>⚠️ Missed Dose Alert</h1>
  </div>
  <div style="padding: 30px; background: #f9f9f9;">
    <h2>Hi {{.Recipient}},</h2>
    <p>We noticed you haven't taken your medication yet:</p>
    <div style="background: white; padding: 20px; border-radius: 8px; margin: 20px 0; border-left: 4px solid #ef4444;">
      <strong>Medicine:</strong> {{.Medicine}}<br>
      <strong>Dosage:</strong> {{.Dosage}}<br>
      <strong>Scheduled Time:</strong> {{.ScheduledTime}}<br>
      <strong>Time Overdue:</strong> ~{{.HoursOverdue}} hour(s)
    </div>
    <p>If you've already taken it, please mark it as taken in the app.</p>
    <p style="text-align: center;"><a href="{{.AppURL}}">Mark as Taken</a></p>
  </div>
</body>
</html>
`

const caregiverHTML = `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
  <div style="background: #dc2626; color: white; padding: 30px; text-align: center; border-radius: 10px;">
    <h1>⚠️ Missed Dose Alert</h1>
  </div>
  <div style="padding: 30px; background: #f9f9f9;">
    <h2>Hi {{.Recipient}},</h2>
    <p>{{.Patient}} hasn't marked a scheduled dose as taken:</p>
    <div style="background: white; padding: 20px; border-radius: 8px; margin: 20px 0; border-left: 4px solid #ef4444;">
      <strong>Medicine:</strong> {{.Medicine}}<br>
      <strong>Dosage:</strong> {{.Dosage}}<br>
      <strong>Scheduled Time:</strong> {{.ScheduledTime}}<br>
      <strong>Time Overdue:</strong> ~{{.HoursOverdue}} hour(s)
    </div>
    <p>You may want to check in with them.</p>
    <p style="text-align: center;"><a href="{{.AppURL}}">Open MediRemind</a></p>
  </div>
</body>
</html>
`
