// Package finalize converts a session's raw scan events into the
// authoritative daily present/absent ledger for its date/program/track scope.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"

	"rollcall/checkin/internal/clients"
	"rollcall/checkin/internal/model"
)

var ErrSessionNotFound = errors.New("finalize: session not found")

type Store interface {
	GetSession(ctx context.Context, id int64) (model.ScanSession, error)
	ListEventsBySession(ctx context.Context, sessionID int64) ([]model.AttendanceEvent, error)
	UpsertDailyAttendance(ctx context.Context, row model.DailyAttendance) error
	ListPresentUserIDs(ctx context.Context, scope model.Scope) ([]int64, error)
	DeleteAbsentees(ctx context.Context, scope model.Scope, userIDs []int64) error
	InsertAbsentee(ctx context.Context, row model.DailyAbsentee) error
}

type Finalizer struct {
	store    Store
	roster   clients.Roster
	identity clients.Identity
	loc      *time.Location
	now      func() time.Time
}

func NewFinalizer(store Store, roster clients.Roster, identity clients.Identity, loc *time.Location) *Finalizer {
	if loc == nil {
		loc = time.UTC
	}
	return &Finalizer{store: store, roster: roster, identity: identity, loc: loc, now: time.Now}
}

// WithNow overrides the clock; tests only.
func (f *Finalizer) WithNow(now func() time.Time) *Finalizer {
	f.now = now
	return f
}

// Overrides let the caller re-scope a finalization; non-empty values win over
// the session's own.
type Overrides struct {
	ProgramKey string
	ProgramID  *int64
	Track      string
	Target     string
}

type Result struct {
	Presents  int
	Absentees int
}

// Finalize is not safe to run concurrently for the same scope; callers
// serialize per (date, program, track).
func (f *Finalizer) Finalize(ctx context.Context, sessionID int64, overrides Overrides, expectedUserIDs []int64) (Result, error) {
	sess, err := f.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Result{}, ErrSessionNotFound
		}
		return Result{}, fmt.Errorf("load session: %w", err)
	}

	programKey := sess.ProgramKey
	if overrides.ProgramKey != "" {
		programKey = overrides.ProgramKey
	}
	programID := sess.ProgramID
	if overrides.ProgramID != nil {
		programID = overrides.ProgramID
	}
	track := sess.Track
	if overrides.Track != "" {
		track = overrides.Track
	}
	target := sess.Target
	if overrides.Target != "" {
		target = overrides.Target
	}

	day := f.now().In(f.loc).Format("2006-01-02")
	scope := model.Scope{Day: day, ProgramKey: programKey, ProgramID: programID, Track: track}

	// A missing program config degrades: no lateness, empty roster.
	var capTime string
	var roster []int64
	if cfg, err := f.programConfig(ctx, programKey, programID); err == nil {
		capTime = cfg.CapTime
		roster = cfg.MemberIDs
	} else {
		log.Printf("finalize session %d: program config unavailable: %v", sessionID, err)
	}

	events, err := f.store.ListEventsBySession(ctx, sessionID)
	if err != nil {
		return Result{}, err
	}

	// Events arrive sorted ascending; the first per user wins.
	firstByUser := make(map[int64]model.AttendanceEvent)
	presentIDs := make([]int64, 0, len(events))
	for _, event := range events {
		if _, seen := firstByUser[event.UserID]; seen {
			continue
		}
		firstByUser[event.UserID] = event
		presentIDs = append(presentIDs, event.UserID)
	}

	capH, capM, capSet := parseCapTime(capTime)

	expected := expectedUserIDs
	if len(expected) == 0 {
		expected = roster
	}
	if len(expected) == 0 {
		// Global fallback: every known active user is expected.
		if all, err := f.identity.ListActiveUserIDs(ctx); err == nil {
			expected = all
		} else {
			log.Printf("finalize session %d: active user listing unavailable: %v", sessionID, err)
		}
	}

	names := f.resolveNames(ctx, union(presentIDs, expected))

	for _, userID := range presentIDs {
		event := firstByUser[userID]
		local := event.OccurredAt.In(f.loc)
		late := capSet && local.Hour()*60+local.Minute() > capH*60+capM
		row := model.DailyAttendance{
			Day:        day,
			ProgramKey: programKey,
			ProgramID:  programID,
			Track:      track,
			UserID:     userID,
			OccurredAt: event.OccurredAt,
			IsLate:     late,
			Target:     target,
			RoleKey:    sess.RoleKey,
			Name:       names[userID],
		}
		if err := f.store.UpsertDailyAttendance(ctx, row); err != nil {
			log.Printf("finalize session %d: present row for user %d: %v", sessionID, userID, err)
		}
	}

	// A user who shows up after being marked absent is un-marked.
	if err := f.store.DeleteAbsentees(ctx, scope, presentIDs); err != nil {
		log.Printf("finalize session %d: clearing absentees for presents: %v", sessionID, err)
	}

	// Anyone already finalized present for this scope today, in this run or
	// an earlier one, is never re-marked absent.
	present := make(map[int64]bool, len(presentIDs))
	for _, id := range presentIDs {
		present[id] = true
	}
	if prior, err := f.store.ListPresentUserIDs(ctx, scope); err == nil {
		for _, id := range prior {
			present[id] = true
		}
	} else {
		return Result{}, err
	}

	absentees := make([]int64, 0, len(expected))
	for _, id := range expected {
		if !present[id] {
			absentees = append(absentees, id)
		}
	}

	// Full replace of the absentee rows for this scope.
	if err := f.store.DeleteAbsentees(ctx, scope, absentees); err != nil {
		log.Printf("finalize session %d: purging stale absentees: %v", sessionID, err)
	}
	for _, id := range absentees {
		row := model.DailyAbsentee{
			Day:        day,
			ProgramKey: programKey,
			ProgramID:  programID,
			Track:      track,
			UserID:     id,
			Name:       names[id],
		}
		if err := f.store.InsertAbsentee(ctx, row); err != nil {
			log.Printf("finalize session %d: absentee row for user %d: %v", sessionID, id, err)
		}
	}

	return Result{Presents: len(presentIDs), Absentees: len(absentees)}, nil
}

func (f *Finalizer) programConfig(ctx context.Context, programKey string, programID *int64) (model.ProgramConfig, error) {
	key := programKey
	if key == "" && programID != nil {
		key = strconv.FormatInt(*programID, 10)
	}
	if key == "" {
		return model.ProgramConfig{}, clients.ErrNotFound
	}
	return f.roster.GetProgramConfig(ctx, key)
}

func (f *Finalizer) resolveNames(ctx context.Context, userIDs []int64) map[int64]string {
	names := make(map[int64]string, len(userIDs))
	profiles, err := f.identity.GetProfiles(ctx, userIDs)
	if err != nil {
		log.Printf("finalize: profile lookup failed: %v", err)
		return names
	}
	for _, profile := range profiles {
		names[profile.ID] = profile.Name
	}
	return names
}

// parseCapTime accepts "HH:MM" or "HH:MM:SS"; seconds are ignored for the
// lateness comparison.
func parseCapTime(capTime string) (hour, minute int, ok bool) {
	if capTime == "" {
		return 0, 0, false
	}
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, capTime); err == nil {
			return t.Hour(), t.Minute(), true
		}
	}
	return 0, 0, false
}

func union(a, b []int64) []int64 {
	seen := make(map[int64]bool, len(a)+len(b))
	out := make([]int64, 0, len(a)+len(b))
	for _, ids := range [][]int64{a, b} {
		for _, id := range ids {
			if !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out
}
