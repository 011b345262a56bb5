// Package jobs holds the background tickers. The reminder job nudges roster
// members who have not scanned in as a program's cap time approaches.
package jobs

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"rollcall/checkin/internal/clients"
	"rollcall/checkin/internal/config"
	"rollcall/checkin/internal/model"
	"rollcall/checkin/internal/notify"
)

type Store interface {
	ListUserIDsWithEventBetween(ctx context.Context, from, to time.Time) ([]int64, error)
}

// timeNow is swapped out in tests.
var timeNow = time.Now

// dayGuard serializes one reminder per program per day.
type dayGuard interface {
	Acquire(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

type redisGuard struct {
	client *redis.Client
}

func (g redisGuard) Acquire(ctx context.Context, key string) (bool, error) {
	return g.client.SetNX(ctx, key, 1, 24*time.Hour).Result()
}

func (g redisGuard) Release(ctx context.Context, key string) error {
	return g.client.Del(ctx, key).Err()
}

func StartReminderJob(ctx context.Context, cfg config.Config, roster clients.Roster, dispatcher *notify.Dispatcher, store Store, redisClient *redis.Client, loc *time.Location) {
	if !cfg.ReminderEnabled {
		return
	}
	programKeys := splitKeys(cfg.ReminderPrograms)
	if len(programKeys) == 0 {
		log.Printf("reminder job disabled: no program keys configured")
		return
	}
	if dispatcher == nil || cfg.MessagingBaseURL == "" {
		log.Printf("reminder job disabled: messaging gateway not configured")
		return
	}
	if redisClient == nil {
		log.Printf("reminder job disabled: redis not configured")
		return
	}
	interval := cfg.ReminderInterval
	if interval <= 0 {
		interval = time.Minute
	}
	if loc == nil {
		loc = time.UTC
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, programKey := range programKeys {
					runReminder(ctx, cfg, roster, dispatcher, store, redisGuard{client: redisClient}, loc, programKey)
				}
			}
		}
	}()
}

func runReminder(ctx context.Context, cfg config.Config, roster clients.Roster, dispatcher *notify.Dispatcher, store Store, guard dayGuard, loc *time.Location, programKey string) {
	programCfg, err := roster.GetProgramConfig(ctx, programKey)
	if err != nil {
		log.Printf("reminder job %s: program config: %v", programKey, err)
		return
	}
	if programCfg.CapTime == "" || len(programCfg.MemberIDs) == 0 {
		return
	}

	now := timeNow().In(loc)
	cutoff, ok := capMoment(programCfg.CapTime, now, loc)
	if !ok {
		log.Printf("reminder job %s: bad cap time %q", programKey, programCfg.CapTime)
		return
	}
	lead := cfg.ReminderLead
	if lead <= 0 {
		lead = 15 * time.Minute
	}
	if now.Before(cutoff.Add(-lead)) || !now.Before(cutoff) {
		return
	}

	day := now.Format("2006-01-02")
	guardKey := fmt.Sprintf("reminder:%s:%s", programKey, day)
	acquired, err := guard.Acquire(ctx, guardKey)
	if err != nil {
		log.Printf("reminder job %s: guard: %v", programKey, err)
		return
	}
	if !acquired {
		return
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	scanned, err := store.ListUserIDsWithEventBetween(ctx, dayStart.UTC(), now.UTC())
	if err != nil {
		log.Printf("reminder job %s: scanned lookup: %v", programKey, err)
		releaseGuard(ctx, guard, guardKey)
		return
	}
	seen := make(map[int64]bool, len(scanned))
	for _, id := range scanned {
		seen[id] = true
	}
	pending := make([]int64, 0, len(programCfg.MemberIDs))
	for _, id := range programCfg.MemberIDs {
		if !seen[id] {
			pending = append(pending, id)
		}
	}
	if len(pending) == 0 {
		return
	}

	scope := model.Scope{Day: day, ProgramKey: programKey}
	counts, err := dispatcher.SendReminder(ctx, scope, pending)
	if err != nil {
		log.Printf("reminder job %s: dispatch: %v", programKey, err)
		releaseGuard(ctx, guard, guardKey)
		return
	}
	log.Printf("reminder job %s: sent=%d skipped=%d failed=%d", programKey, counts.Sent, counts.Skipped, counts.Failed)
}

// releaseGuard gives the daily marker back after a failed run so the next
// tick can retry instead of losing the day's reminder.
func releaseGuard(ctx context.Context, guard dayGuard, key string) {
	if err := guard.Release(ctx, key); err != nil {
		log.Printf("reminder job: release guard %s: %v", key, err)
	}
}

// capMoment places HH:MM[:SS] on today's date in loc.
func capMoment(capTime string, now time.Time, loc *time.Location) (time.Time, bool) {
	for _, layout := range []string{"15:04:05", "15:04"} {
		if t, err := time.Parse(layout, capTime); err == nil {
			return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, loc), true
		}
	}
	return time.Time{}, false
}

func splitKeys(raw string) []string {
	var keys []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			keys = append(keys, trimmed)
		}
	}
	return keys
}
