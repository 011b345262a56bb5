package jobs

import (
	"context"
	"testing"
	"time"

	"rollcall/checkin/internal/config"
	"rollcall/checkin/internal/model"
	"rollcall/checkin/internal/notify"
)

type fakeGuard struct {
	held map[string]bool
}

func (g *fakeGuard) Acquire(_ context.Context, key string) (bool, error) {
	if g.held[key] {
		return false, nil
	}
	g.held[key] = true
	return true, nil
}

func (g *fakeGuard) Release(_ context.Context, key string) error {
	delete(g.held, key)
	return nil
}

type fakeRoster struct {
	cfg model.ProgramConfig
}

func (f *fakeRoster) GetProgramConfig(_ context.Context, _ string) (model.ProgramConfig, error) {
	return f.cfg, nil
}

type fakeJobStore struct {
	scanned []int64
}

func (f *fakeJobStore) ListUserIDsWithEventBetween(_ context.Context, _, _ time.Time) ([]int64, error) {
	return f.scanned, nil
}

type fakeIdentity struct{}

func (f *fakeIdentity) HasActiveRole(_ context.Context, _ int64, _ string) (bool, error) {
	return true, nil
}

func (f *fakeIdentity) GetProfiles(_ context.Context, userIDs []int64) ([]model.UserProfile, error) {
	profiles := make([]model.UserProfile, 0, len(userIDs))
	for _, id := range userIDs {
		profiles = append(profiles, model.UserProfile{ID: id, Name: "User", Phone: "+911234567890", PhoneEnabled: true})
	}
	return profiles, nil
}

func (f *fakeIdentity) ListActiveUserIDs(_ context.Context) ([]int64, error) {
	return nil, nil
}

type fakeNotifyStore struct{}

func (f *fakeNotifyStore) ListAbsentees(_ context.Context, _ model.Scope) ([]model.DailyAbsentee, error) {
	return nil, nil
}

func (f *fakeNotifyStore) InsertDeliveryLog(_ context.Context, _ model.DeliveryLog) error {
	return nil
}

type fakeMessenger struct {
	sent int
}

func (f *fakeMessenger) Send(_ context.Context, _, _ string, _ map[string]string) (string, error) {
	f.sent++
	return "msg-1", nil
}

func TestRunReminderReleasesGuardOnDispatchFailure(t *testing.T) {
	restore := timeNow
	now := time.Date(2026, 1, 25, 9, 20, 0, 0, time.UTC)
	timeNow = func() time.Time { return now }
	defer func() { timeNow = restore }()

	roster := &fakeRoster{cfg: model.ProgramConfig{CapTime: "09:30", MemberIDs: []int64{10, 11}}}
	store := &fakeJobStore{scanned: []int64{10}}
	guard := &fakeGuard{held: map[string]bool{}}
	cfg := config.Config{ReminderLead: 15 * time.Minute}

	// No messenger wired: dispatch fails and the day's guard must come back
	// so the next tick retries.
	broken := notify.NewDispatcher(&fakeNotifyStore{}, &fakeIdentity{}, nil)
	runReminder(context.Background(), cfg, roster, broken, store, guard, time.UTC, "morning")
	if len(guard.held) != 0 {
		t.Fatalf("failed dispatch must release the daily guard, still held: %v", guard.held)
	}

	messenger := &fakeMessenger{}
	working := notify.NewDispatcher(&fakeNotifyStore{}, &fakeIdentity{}, messenger)
	runReminder(context.Background(), cfg, roster, working, store, guard, time.UTC, "morning")
	if messenger.sent != 1 {
		t.Fatalf("expected one reminder for the pending user, got %d", messenger.sent)
	}
	if !guard.held["reminder:morning:2026-01-25"] {
		t.Fatalf("successful dispatch must keep the daily guard")
	}

	// A second run the same day stops at the guard.
	runReminder(context.Background(), cfg, roster, working, store, guard, time.UTC, "morning")
	if messenger.sent != 1 {
		t.Fatalf("guarded rerun must not send again, got %d", messenger.sent)
	}
}

func TestCapMoment(t *testing.T) {
	now := time.Date(2026, 1, 25, 8, 0, 0, 0, time.UTC)
	cutoff, ok := capMoment("09:30", now, time.UTC)
	if !ok {
		t.Fatalf("expected HH:MM to parse")
	}
	if cutoff.Hour() != 9 || cutoff.Minute() != 30 || cutoff.Day() != 25 {
		t.Fatalf("unexpected cutoff: %s", cutoff)
	}
	if _, ok := capMoment("09:30:45", now, time.UTC); !ok {
		t.Fatalf("expected HH:MM:SS to parse")
	}
	if _, ok := capMoment("half past nine", now, time.UTC); ok {
		t.Fatalf("expected parse failure")
	}
}

func TestSplitKeys(t *testing.T) {
	keys := splitKeys(" morning, evening ,,night ")
	if len(keys) != 3 || keys[0] != "morning" || keys[1] != "evening" || keys[2] != "night" {
		t.Fatalf("unexpected keys: %v", keys)
	}
	if keys := splitKeys(""); len(keys) != 0 {
		t.Fatalf("expected no keys for empty input, got %v", keys)
	}
}
