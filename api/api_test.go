package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"mediremind/adherence"
	"mediremind/dbtypes"
	"mediremind/jobs"
	"mediremind/linkcode"
	"mediremind/localdb"

	"github.com/google/go-cmp/cmp"
	"k8s.io/apimachinery/pkg/util/clock"
)

type fixture struct {
	db     *localdb.DB
	clock  *clock.FakeClock
	runner *jobs.Runner
	srv    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := localdb.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Unexpected error opening store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx := context.Background()
	for _, u := range []*dbtypes.User{
		{ID: "pat", Role: dbtypes.RolePatient},
		{ID: "cg", Role: dbtypes.RoleCaregiver},
	} {
		if err := db.CreateUser(ctx, u); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}

	fc := clock.NewFakeClock(time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC))
	links := linkcode.New(db, fc, linkcode.WithDigits(func() (string, error) { return "123456", nil }))
	runner := jobs.NewRunner(fc, time.UTC)

	mux := http.NewServeMux()
	New(links, adherence.New(db, fc, time.UTC), runner).Register(mux)
	srv := httptest.NewServer(NewMetrics(mux))
	t.Cleanup(srv.Close)

	return &fixture{db: db, clock: fc, runner: runner, srv: srv}
}

// do sends a request with an optional JSON body and decodes a JSON response
// into out, if given.
func (f *fixture) do(t *testing.T, method, path string, body interface{}, out interface{}) int {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequest(method, f.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		t.Fatalf("Unexpected error during %s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Unexpected error decoding %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func TestLinkFlow(t *testing.T) {
	f := newFixture(t)

	issued := &linkcode.Issued{}
	if got := f.do(t, "POST", "/patients/pat/link-codes", nil, issued); got != http.StatusCreated {
		t.Fatalf("Issue status = %d, want 201", got)
	}
	if issued.Code != "123456" {
		t.Errorf("Issued code %q, want 123456", issued.Code)
	}

	redeemed := &redeemResponse{}
	if got := f.do(t, "POST", "/link-codes/redeem", &redeemRequest{Code: "123456", CaregiverID: "cg"}, redeemed); got != http.StatusOK {
		t.Fatalf("Redeem status = %d, want 200", got)
	}
	if redeemed.PatientID != "pat" {
		t.Errorf("Redeemed patient %q, want pat", redeemed.PatientID)
	}

	// Single use.
	if got := f.do(t, "POST", "/link-codes/redeem", &redeemRequest{Code: "123456", CaregiverID: "cg"}, nil); got != http.StatusNotFound {
		t.Errorf("Second redeem status = %d, want 404", got)
	}

	var caregivers []*dbtypes.CaregiverLink
	if got := f.do(t, "GET", "/patients/pat/caregivers", nil, &caregivers); got != http.StatusOK {
		t.Fatalf("Caregivers status = %d, want 200", got)
	}
	if len(caregivers) != 1 || caregivers[0].CaregiverID != "cg" {
		t.Fatalf("Bad caregivers: %+v", caregivers)
	}

	var patients []*dbtypes.CaregiverLink
	if got := f.do(t, "GET", "/caregivers/cg/patients", nil, &patients); got != http.StatusOK {
		t.Fatalf("Patients status = %d, want 200", got)
	}
	if len(patients) != 1 || patients[0].PatientID != "pat" {
		t.Fatalf("Bad patients: %+v", patients)
	}

	// A fresh code for an existing pair is refused.
	f.do(t, "POST", "/patients/pat/link-codes", nil, nil)
	if got := f.do(t, "POST", "/link-codes/redeem", &redeemRequest{Code: "123456", CaregiverID: "cg"}, nil); got != http.StatusConflict {
		t.Errorf("Redeem for linked pair status = %d, want 409", got)
	}

	linkID := caregivers[0].ID
	if got := f.do(t, "DELETE", "/caregiver-links/"+linkID, nil, nil); got != http.StatusNoContent {
		t.Errorf("Unlink status = %d, want 204", got)
	}
	if got := f.do(t, "DELETE", "/caregiver-links/"+linkID, nil, nil); got != http.StatusNotFound {
		t.Errorf("Second unlink status = %d, want 404", got)
	}

	caregivers = nil
	f.do(t, "GET", "/patients/pat/caregivers", nil, &caregivers)
	if diff := cmp.Diff(caregivers, []*dbtypes.CaregiverLink{}); diff != "" {
		t.Errorf("Bad caregivers after unlink; diff (-got +want)\n%s", diff)
	}
}

func TestRedeemErrors(t *testing.T) {
	f := newFixture(t)

	if got := f.do(t, "POST", "/patients/nobody/link-codes", nil, nil); got != http.StatusNotFound {
		t.Errorf("Issue for unknown patient status = %d, want 404", got)
	}

	if got := f.do(t, "POST", "/link-codes/redeem", map[string]string{"code": "123456"}, nil); got != http.StatusBadRequest {
		t.Errorf("Redeem without caregiver status = %d, want 400", got)
	}

	f.do(t, "POST", "/patients/pat/link-codes", nil, nil)
	f.clock.Step(16 * time.Minute)
	if got := f.do(t, "POST", "/link-codes/redeem", &redeemRequest{Code: "123456", CaregiverID: "cg"}, nil); got != http.StatusGone {
		t.Errorf("Redeem of expired code status = %d, want 410", got)
	}
}

func TestToggle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	med := &dbtypes.Medicine{OwnerUserID: "pat", Name: "Aspirin", ScheduledTime: "08:00"}
	if err := f.db.CreateMedicine(ctx, med); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	path := "/medicines/" + med.ID + "/toggle"

	var got []bool
	for _, body := range []interface{}{nil, nil, &toggleRequest{Taken: boolPtr(true)}, &toggleRequest{Taken: boolPtr(true)}} {
		resp := &toggleResponse{}
		if status := f.do(t, "POST", path, body, resp); status != http.StatusOK {
			t.Fatalf("Toggle status = %d, want 200", status)
		}
		got = append(got, resp.Taken)
	}
	if diff := cmp.Diff(got, []bool{true, false, true, true}); diff != "" {
		t.Errorf("Bad toggle results; diff (-got +want)\n%s", diff)
	}

	stored, err := f.db.GetMedicine(ctx, med.ID)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !stored.TakenOn("2024-03-09") {
		t.Errorf("Medicine not taken today after explicit set")
	}

	if status := f.do(t, "POST", "/medicines/nope/toggle", nil, nil); status != http.StatusNotFound {
		t.Errorf("Toggle of unknown medicine status = %d, want 404", status)
	}
}

func boolPtr(b bool) *bool {
	return &b
}

func TestAdherence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	med := &dbtypes.Medicine{OwnerUserID: "pat", Name: "Aspirin", ScheduledTime: "08:00"}
	if err := f.db.CreateMedicine(ctx, med); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := f.db.MarkTaken(ctx, med.ID, "2024-03-09", f.clock.Now()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	view := &adherence.PatientAdherence{}
	if status := f.do(t, "GET", "/patients/pat/adherence?days=3", nil, view); status != http.StatusOK {
		t.Fatalf("Adherence status = %d, want 200", status)
	}
	if view.TotalMedicines != 1 || view.TakenToday != 1 || view.AdherenceRate != 100 {
		t.Errorf("Bad adherence view: %+v", view)
	}
	if len(view.History) != 3 {
		t.Errorf("Got %d history days, want 3", len(view.History))
	}

	for _, q := range []string{"abc", "0", "91"} {
		if status := f.do(t, "GET", "/patients/pat/adherence?days="+q, nil, nil); status != http.StatusBadRequest {
			t.Errorf("days=%s status = %d, want 400", q, status)
		}
	}
}

func TestRunJob(t *testing.T) {
	f := newFixture(t)

	started := make(chan struct{})
	release := make(chan struct{})
	f.runner.Register(jobs.Job{Name: "slow", Period: time.Minute, Func: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}})
	f.runner.Register(jobs.Job{Name: "quick", Period: time.Minute, Func: func(ctx context.Context) error {
		return nil
	}})

	resp := &runJobResponse{}
	if status := f.do(t, "POST", "/jobs/quick", nil, resp); status != http.StatusOK {
		t.Fatalf("Run status = %d, want 200", status)
	}
	if diff := cmp.Diff(resp, &runJobResponse{Job: "quick", Status: "ok"}); diff != "" {
		t.Errorf("Bad response; diff (-got +want)\n%s", diff)
	}

	if status := f.do(t, "POST", "/jobs/nope", nil, nil); status != http.StatusNotFound {
		t.Errorf("Unknown job status = %d, want 404", status)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.runner.RunOnce(context.Background(), "slow")
	}()
	<-started
	if status := f.do(t, "POST", "/jobs/slow", nil, nil); status != http.StatusConflict {
		t.Errorf("Overlapping run status = %d, want 409", status)
	}
	close(release)
	<-done

	if status := f.do(t, "GET", "/jobs/quick", nil, nil); status != http.StatusMethodNotAllowed {
		t.Errorf("GET on job trigger status = %d, want 405", status)
	}
}
