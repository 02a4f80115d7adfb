package dbtypes

import (
	"errors"
	"testing"
	"time"
)

func TestDateKeyUsesLocation(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Skipf("No tzdata: %v", err)
	}

	// 20:30 UTC is already the next day in Tokyo.
	ts := time.Date(2024, 3, 9, 20, 30, 0, 0, time.UTC)
	if got, want := DateKey(ts, time.UTC), "2024-03-09"; got != want {
		t.Errorf("Bad UTC date key; got %q, want %q", got, want)
	}
	if got, want := DateKey(ts, tokyo), "2024-03-10"; got != want {
		t.Errorf("Bad Tokyo date key; got %q, want %q", got, want)
	}
}

func TestClockKeyTruncatesToMinute(t *testing.T) {
	ts := time.Date(2024, 3, 9, 8, 0, 59, 999, time.UTC)
	if got, want := ClockKey(ts, time.UTC), "08:00"; got != want {
		t.Errorf("Bad clock key; got %q, want %q", got, want)
	}
}

func TestScheduledOn(t *testing.T) {
	m := &Medicine{ScheduledTime: "08:15"}
	got, err := m.ScheduledOn(time.Date(2024, 3, 9, 23, 0, 0, 0, time.UTC), time.UTC)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if want := time.Date(2024, 3, 9, 8, 15, 0, 0, time.UTC); !got.Equal(want) {
		t.Errorf("Bad scheduled time; got %v, want %v", got, want)
	}

	bad := &Medicine{ScheduledTime: "eight"}
	if _, err := bad.ScheduledOn(time.Now(), time.UTC); err == nil {
		t.Errorf("Expected error for malformed scheduled time")
	}
}

func TestTimeSlot(t *testing.T) {
	testCases := []struct {
		hour int
		want string
	}{
		{4, SlotNight},
		{5, SlotMorning},
		{11, SlotMorning},
		{12, SlotAfternoon},
		{16, SlotAfternoon},
		{17, SlotEvening},
		{20, SlotEvening},
		{21, SlotNight},
		{0, SlotNight},
	}
	for _, tc := range testCases {
		if got := TimeSlot(tc.hour); got != tc.want {
			t.Errorf("TimeSlot(%d) = %q, want %q", tc.hour, got, tc.want)
		}
	}
}

func TestSelectRedeemable(t *testing.T) {
	now := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	live := func(id string, createdAgo time.Duration) *CaregiverLinkCode {
		created := now.Add(-createdAgo)
		return &CaregiverLinkCode{ID: id, CreatedAt: created, ExpiresAt: created.Add(15 * time.Minute)}
	}

	if _, err := SelectRedeemable(nil, now); !errors.Is(err, ErrNotFound) {
		t.Errorf("Empty candidates; got err %v, want ErrNotFound", err)
	}

	used := live("used", time.Minute)
	used.Used = true
	if _, err := SelectRedeemable([]*CaregiverLinkCode{used}, now); !errors.Is(err, ErrNotFound) {
		t.Errorf("Only used candidates; got err %v, want ErrNotFound", err)
	}

	expired := live("expired", 16*time.Minute)
	if _, err := SelectRedeemable([]*CaregiverLinkCode{expired, used}, now); !errors.Is(err, ErrExpired) {
		t.Errorf("Only expired candidates; got err %v, want ErrExpired", err)
	}

	older := live("older", 10*time.Minute)
	newer := live("newer", 2*time.Minute)
	got, err := SelectRedeemable([]*CaregiverLinkCode{older, expired, newer}, now)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got.ID != "newer" {
		t.Errorf("Bad selection; got %q, want %q", got.ID, "newer")
	}
}
