// Package session owns the scanner-session lifecycle:
// Created -> Active -> Ended | Expired. Expiry is lazy; nothing sweeps rows.
package session

import (
	"context"
	"errors"
	"strconv"
	"time"

	"rollcall/checkin/internal/clients"
	"rollcall/checkin/internal/model"
	"rollcall/checkin/internal/token"
)

var (
	ErrPermission = errors.New("session: caller lacks required role")
	ErrNotFound   = errors.New("session: not found")
)

const nonceBytes = 16

type Store interface {
	CreateSession(ctx context.Context, sess model.ScanSession) (int64, error)
	GetSession(ctx context.Context, id int64) (model.ScanSession, error)
	EndSession(ctx context.Context, id int64) error
}

type Manager struct {
	codec      *token.Codec
	store      Store
	roster     clients.Roster
	identity   clients.Identity
	defaultTTL time.Duration
	now        func() time.Time
}

func NewManager(codec *token.Codec, store Store, roster clients.Roster, identity clients.Identity, defaultTTL time.Duration) *Manager {
	return &Manager{
		codec:      codec,
		store:      store,
		roster:     roster,
		identity:   identity,
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// WithNow overrides the clock; tests only.
func (m *Manager) WithNow(now func() time.Time) *Manager {
	m.now = now
	return m
}

type StartParams struct {
	RoleKey    string
	ProgramKey string
	ProgramID  *int64
	Track      string
	Target     string
	TTL        time.Duration
	StartedBy  int64
}

// Start opens an admission window and returns the session plus its signed
// token. The caller must hold an active assignment of RoleKey.
func (m *Manager) Start(ctx context.Context, params StartParams) (model.ScanSession, string, error) {
	ok, err := m.identity.HasActiveRole(ctx, params.StartedBy, params.RoleKey)
	if err != nil {
		return model.ScanSession{}, "", err
	}
	if !ok {
		return model.ScanSession{}, "", ErrPermission
	}

	programID := params.ProgramID
	if programID == nil && params.ProgramKey != "" {
		cfg, err := m.roster.GetProgramConfig(ctx, params.ProgramKey)
		if err == nil && cfg.ProgramID != 0 {
			id := cfg.ProgramID
			programID = &id
		}
	}

	ttl := params.TTL
	if ttl <= 0 {
		ttl = m.defaultTTL
	}

	nonce, err := token.NewNonce(nonceBytes)
	if err != nil {
		return model.ScanSession{}, "", err
	}

	now := m.now().UTC()
	sess := model.ScanSession{
		ProgramKey: params.ProgramKey,
		ProgramID:  programID,
		Track:      params.Track,
		Target:     params.Target,
		RoleKey:    params.RoleKey,
		StartedBy:  params.StartedBy,
		Nonce:      nonce,
		Active:     true,
		ExpiresAt:  now.Add(ttl),
		CreatedAt:  now,
	}
	id, err := m.store.CreateSession(ctx, sess)
	if err != nil {
		return model.ScanSession{}, "", err
	}
	sess.ID = id

	signed, err := m.codec.Sign(token.SessionClaims{
		SID:   id,
		Nonce: nonce,
		Exp:   sess.ExpiresAt.Unix(),
	})
	if err != nil {
		return model.ScanSession{}, "", err
	}
	return sess, signed, nil
}

// End closes the admission window. Ending an already-ended session is a
// no-op success.
func (m *Manager) End(ctx context.Context, sessionID int64) error {
	return m.store.EndSession(ctx, sessionID)
}

// IssuePersonalToken mints the short-lived per-user scan credential.
func (m *Manager) IssuePersonalToken(userID int64, ttl time.Duration) (string, error) {
	nonce, err := token.NewNonce(nonceBytes)
	if err != nil {
		return "", err
	}
	now := m.now().UTC()
	return m.codec.Sign(token.PersonalClaims{
		UID:   userID,
		Date:  now.Format("2006-01-02"),
		Exp:   now.Add(ttl).Unix(),
		Nonce: nonce,
	})
}

// Admissible reports whether a session may still accept scans.
func Admissible(sess model.ScanSession, now time.Time) bool {
	return sess.Active && !now.After(sess.ExpiresAt)
}

// ParseID converts a path parameter to a session id.
func ParseID(raw string) (int64, error) {
	return strconv.ParseInt(raw, 10, 64)
}
