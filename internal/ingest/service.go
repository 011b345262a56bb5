// Package ingest verifies a session token and a personal token together and
// records a presence event at most once per (session, user) pair.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"

	"rollcall/checkin/internal/model"
	"rollcall/checkin/internal/session"
	"rollcall/checkin/internal/token"
)

var (
	ErrInvalidToken     = errors.New("ingest: invalid token")
	ErrBadSignature     = errors.New("ingest: bad signature")
	ErrMalformedPayload = errors.New("ingest: malformed payload")
	ErrSessionExpired   = errors.New("ingest: session token expired")
	ErrUserTokenExpired = errors.New("ingest: user token expired")
	ErrSessionInactive  = errors.New("ingest: session inactive")
)

// Security rests on token possession alone: no caller authorization happens
// here beyond the two signatures.

type Store interface {
	GetSession(ctx context.Context, id int64) (model.ScanSession, error)
	InsertEvent(ctx context.Context, event model.AttendanceEvent) (bool, error)
	UpsertDayOpen(ctx context.Context, userID int64, day string, openedAt time.Time) error
}

type Service struct {
	codec *token.Codec
	store Store
	redis *redis.Client // optional; day-open markers only
	now   func() time.Time
}

func NewService(codec *token.Codec, store Store, redisClient *redis.Client) *Service {
	return &Service{codec: codec, store: store, redis: redisClient, now: time.Now}
}

// WithNow overrides the clock; tests only.
func (s *Service) WithNow(now func() time.Time) *Service {
	s.now = now
	return s
}

type ScanMeta struct {
	ClientIP string
	WifiSSID string
	DeviceFP string
}

// SideEffect reports one best-effort auxiliary write. A non-nil Err never
// fails the ingest call; the caller decides whether to log it.
type SideEffect struct {
	Name string
	Err  error
}

type Result struct {
	SessionID   int64
	UserID      int64
	Duplicate   bool
	SideEffects []SideEffect
}

func (s *Service) Ingest(ctx context.Context, sessionToken, userToken string, meta ScanMeta) (Result, error) {
	if !wellFormed(sessionToken) || !wellFormed(userToken) {
		return Result{}, ErrInvalidToken
	}

	sessionPayload, err := s.codec.Verify(sessionToken)
	if err != nil {
		if errors.Is(err, token.ErrMalformed) {
			return Result{}, ErrInvalidToken
		}
		return Result{}, ErrBadSignature
	}
	userPayload, err := s.codec.Verify(userToken)
	if err != nil {
		if errors.Is(err, token.ErrMalformed) {
			return Result{}, ErrInvalidToken
		}
		return Result{}, ErrBadSignature
	}

	sessClaims, err := token.DecodeSession(sessionPayload)
	if err != nil {
		return Result{}, ErrMalformedPayload
	}
	userClaims, err := token.DecodePersonal(userPayload)
	if err != nil {
		return Result{}, ErrMalformedPayload
	}

	// exp == now is still valid; rejection starts one second past expiry.
	now := s.now().UTC()
	if now.Unix() > sessClaims.Exp {
		return Result{}, ErrSessionExpired
	}
	if now.Unix() > userClaims.Exp {
		return Result{}, ErrUserTokenExpired
	}

	sess, err := s.store.GetSession(ctx, sessClaims.SID)
	if err != nil {
		// Only a missing row means the token outlived its session;
		// store failures surface as-is.
		if errors.Is(err, pgx.ErrNoRows) {
			return Result{}, ErrSessionInactive
		}
		return Result{}, fmt.Errorf("load session: %w", err)
	}
	if !session.Admissible(sess, now) {
		return Result{}, ErrSessionInactive
	}

	event := model.AttendanceEvent{
		SessionID:  sess.ID,
		UserID:     userClaims.UID,
		OccurredAt: now,
	}
	if meta.ClientIP != "" {
		event.ClientIP = &meta.ClientIP
	}
	if meta.WifiSSID != "" {
		event.WifiSSID = &meta.WifiSSID
	}
	if meta.DeviceFP != "" {
		event.DeviceFP = &meta.DeviceFP
	}
	inserted, err := s.store.InsertEvent(ctx, event)
	if err != nil {
		return Result{}, err
	}

	result := Result{SessionID: sess.ID, UserID: userClaims.UID, Duplicate: !inserted}
	day := now.Format("2006-01-02")
	result.SideEffects = append(result.SideEffects,
		SideEffect{Name: "day_open_marker", Err: s.markDayOpened(ctx, userClaims.UID, day)},
		SideEffect{Name: "day_record", Err: s.store.UpsertDayOpen(ctx, userClaims.UID, day, now)},
	)
	return result, nil
}

func (s *Service) markDayOpened(ctx context.Context, userID int64, day string) error {
	if s.redis == nil {
		return nil
	}
	key := fmt.Sprintf("dayopen:%d:%s", userID, day)
	return s.redis.SetNX(ctx, key, s.now().UTC().Unix(), 48*time.Hour).Err()
}

func wellFormed(tok string) bool {
	left, right, ok := strings.Cut(tok, ".")
	return ok && left != "" && right != ""
}
