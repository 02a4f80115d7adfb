// Package adherence implements the per-day taken/untaken state of medicines
// on top of the store's field-path primitives.
package adherence

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"mediremind/dbtypes"

	"github.com/golang/glog"
	"k8s.io/apimachinery/pkg/util/clock"
)

type store interface {
	GetUser(ctx context.Context, id string) (*dbtypes.User, error)
	GetMedicine(ctx context.Context, id string) (*dbtypes.Medicine, error)
	MedicinesByOwner(ctx context.Context, userID string) ([]*dbtypes.Medicine, error)
	MarkTaken(ctx context.Context, medicineID, dateKey string, at time.Time) error
	MarkUntaken(ctx context.Context, medicineID, dateKey string) error
	AddNotificationLog(ctx context.Context, entry *dbtypes.NotificationLogEntry) error
}

type pusher interface {
	SendPush(ctx context.Context, token, title, body string, data map[string]string) error
}

type Tracker struct {
	store store
	clock clock.Clock
	loc   *time.Location

	// Optional.
	congratulator pusher
}

type TrackerOpt func(*Tracker)

// WithCongratulations sends the owner a push through p when a dose marked
// taken completes their medicines for the day.
func WithCongratulations(p pusher) TrackerOpt {
	return func(t *Tracker) {
		t.congratulator = p
	}
}

func New(s store, c clock.Clock, loc *time.Location, opts ...TrackerOpt) *Tracker {
	t := &Tracker{
		store: s,
		clock: c,
		loc:   loc,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Today is the date key for the current day in the deployment time zone.
func (t *Tracker) Today() string {
	return dbtypes.DateKey(t.clock.Now(), t.loc)
}

func (t *Tracker) MarkTaken(ctx context.Context, medicineID, dateKey string) error {
	return t.store.MarkTaken(ctx, medicineID, dateKey, t.clock.Now())
}

func (t *Tracker) MarkUntaken(ctx context.Context, medicineID, dateKey string) error {
	return t.store.MarkUntaken(ctx, medicineID, dateKey)
}

// ToggleForToday flips today's taken state and returns the new state.
//
// The read and the write are separate operations.  Two callers toggling the
// same medicine at once can both read the same state, in which case the last
// write wins and one caller sees the opposite of what it asked for.  The
// history itself stays well-formed.  Callers that know the state they want
// should use SetForToday instead.
func (t *Tracker) ToggleForToday(ctx context.Context, medicineID string) (bool, error) {
	med, err := t.store.GetMedicine(ctx, medicineID)
	if err != nil {
		return false, fmt.Errorf("while reading medicine %s: %w", medicineID, err)
	}

	today := t.Today()
	want := !med.TakenOn(today)
	if err := t.set(ctx, med, today, want); err != nil {
		return false, err
	}

	glog.V(1).Infof("Toggled medicine %s on %s to taken=%v", medicineID, today, want)
	return want, nil
}

// SetForToday puts today's taken state to taken.  Idempotent.
func (t *Tracker) SetForToday(ctx context.Context, medicineID string, taken bool) error {
	med, err := t.store.GetMedicine(ctx, medicineID)
	if err != nil {
		return fmt.Errorf("while reading medicine %s: %w", medicineID, err)
	}
	return t.set(ctx, med, t.Today(), taken)
}

func (t *Tracker) set(ctx context.Context, med *dbtypes.Medicine, dateKey string, taken bool) error {
	if !taken {
		if err := t.MarkUntaken(ctx, med.ID, dateKey); err != nil {
			return fmt.Errorf("while marking untaken: %w", err)
		}
		return nil
	}

	if err := t.MarkTaken(ctx, med.ID, dateKey); err != nil {
		return fmt.Errorf("while marking taken: %w", err)
	}
	if t.congratulator != nil && !med.TakenOn(dateKey) {
		t.congratulate(ctx, med.OwnerUserID, dateKey)
	}
	return nil
}

// congratulate pushes "All Done" to userID if every one of their medicines is
// now taken on dateKey.  Failures are logged only; the dose is already
// recorded.
func (t *Tracker) congratulate(ctx context.Context, userID, dateKey string) {
	meds, err := t.store.MedicinesByOwner(ctx, userID)
	if err != nil {
		glog.Errorf("Error loading medicines of user %s: %v", userID, err)
		return
	}
	if len(meds) == 0 || Rate(meds, dateKey) < 100 {
		return
	}

	user, err := t.store.GetUser(ctx, userID)
	if err != nil {
		glog.Errorf("Error loading user %s: %v", userID, err)
		return
	}
	if user.PushToken == "" {
		return
	}

	pushErr := t.congratulator.SendPush(ctx, user.PushToken, "🎉 All Done!", "Great job! You've taken all your medicines for today!", map[string]string{
		"type":          string(dbtypes.NotificationAllDone),
		"adherenceRate": "100",
	})
	if pushErr != nil {
		glog.Errorf("Error sending all-done push to user %s: %v", userID, pushErr)
	}

	entry := &dbtypes.NotificationLogEntry{
		Type:            dbtypes.NotificationAllDone,
		UserID:          userID,
		RecipientUserID: userID,
		SentAt:          t.clock.Now(),
		PushAttempted:   true,
		PushDelivered:   pushErr == nil,
	}
	if err := t.store.AddNotificationLog(ctx, entry); err != nil {
		glog.Errorf("Error logging all-done push for user %s: %v", userID, err)
	}
}

// Rate is the percentage of meds marked taken on dateKey.  Zero when meds is
// empty.
func Rate(meds []*dbtypes.Medicine, dateKey string) float64 {
	if len(meds) == 0 {
		return 0
	}
	taken := 0
	for _, m := range meds {
		if m.TakenOn(dateKey) {
			taken++
		}
	}
	return float64(taken) / float64(len(meds)) * 100
}

type DayAdherence struct {
	Date  string `json:"date"`
	Taken int    `json:"taken"`
	Total int    `json:"total"`
	Rate  int    `json:"adherenceRate"`
}

type PatientAdherence struct {
	TotalMedicines int `json:"totalMedicines"`
	TakenToday     int `json:"takenToday"`
	MissedToday    int `json:"missedToday"`
	AdherenceRate  int `json:"adherenceRate"`

	Medicines []*dbtypes.Medicine `json:"medicines"`

	// Oldest day first, ending with today.
	History []DayAdherence `json:"history"`
}

// PatientAdherence summarizes today's adherence for patientID and the days-1
// days before it, as shown on the caregiver dashboard.
func (t *Tracker) PatientAdherence(ctx context.Context, patientID string, days int) (*PatientAdherence, error) {
	if days < 1 {
		days = 1
	}

	meds, err := t.store.MedicinesByOwner(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("while loading medicines of patient %s: %w", patientID, err)
	}
	sort.Slice(meds, func(i, j int) bool {
		return meds[i].ScheduledTime < meds[j].ScheduledTime
	})

	now := t.clock.Now().In(t.loc)
	today := dbtypes.DateKey(now, t.loc)

	out := &PatientAdherence{
		TotalMedicines: len(meds),
		Medicines:      meds,
	}

	for _, m := range meds {
		if m.TakenOn(today) {
			out.TakenToday++
		}
	}
	out.MissedToday = out.TotalMedicines - out.TakenToday
	out.AdherenceRate = int(math.Round(Rate(meds, today)))

	out.History = History(meds, now, t.loc, days)
	return out, nil
}

// History is the per-day adherence of meds over the days ending with the day
// of now, oldest first.
func History(meds []*dbtypes.Medicine, now time.Time, loc *time.Location, days int) []DayAdherence {
	now = now.In(loc)
	var out []DayAdherence
	for i := days - 1; i >= 0; i-- {
		key := dbtypes.DateKey(now.AddDate(0, 0, -i), loc)
		day := DayAdherence{Date: key, Total: len(meds), Rate: int(math.Round(Rate(meds, key)))}
		for _, m := range meds {
			if m.TakenOn(key) {
				day.Taken++
			}
		}
		out = append(out, day)
	}
	return out
}
