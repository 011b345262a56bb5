package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"rollcall/checkin/internal/model"
	"rollcall/checkin/internal/token"
)

type fakeStore struct {
	sessions map[int64]model.ScanSession
	nextID   int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{sessions: make(map[int64]model.ScanSession), nextID: 1}
}

func (f *fakeStore) CreateSession(_ context.Context, sess model.ScanSession) (int64, error) {
	id := f.nextID
	f.nextID++
	sess.ID = id
	f.sessions[id] = sess
	return id, nil
}

func (f *fakeStore) GetSession(_ context.Context, id int64) (model.ScanSession, error) {
	sess, ok := f.sessions[id]
	if !ok {
		return model.ScanSession{}, pgx.ErrNoRows
	}
	return sess, nil
}

func (f *fakeStore) EndSession(_ context.Context, id int64) error {
	if sess, ok := f.sessions[id]; ok {
		sess.Active = false
		f.sessions[id] = sess
	}
	return nil
}

type fakeRoster struct {
	cfg model.ProgramConfig
	err error
}

func (f *fakeRoster) GetProgramConfig(context.Context, string) (model.ProgramConfig, error) {
	return f.cfg, f.err
}

type fakeIdentity struct {
	roles map[string]bool
}

func (f *fakeIdentity) HasActiveRole(_ context.Context, _ int64, roleKey string) (bool, error) {
	return f.roles[roleKey], nil
}

func (f *fakeIdentity) GetProfiles(context.Context, []int64) ([]model.UserProfile, error) {
	return nil, nil
}

func (f *fakeIdentity) ListActiveUserIDs(context.Context) ([]int64, error) {
	return nil, nil
}

func newManager(store *fakeStore, roster *fakeRoster, identity *fakeIdentity) *Manager {
	codec := token.NewCodec(token.SigningConfig{Secret: "test-secret"})
	return NewManager(codec, store, roster, identity, 25*time.Minute)
}

func TestStartIssuesSessionAndToken(t *testing.T) {
	store := newFakeStore()
	roster := &fakeRoster{cfg: model.ProgramConfig{ProgramID: 9}}
	identity := &fakeIdentity{roles: map[string]bool{"moderator": true}}
	started := time.Date(2026, 1, 25, 9, 0, 0, 0, time.UTC)
	mgr := newManager(store, roster, identity).WithNow(func() time.Time { return started })

	sess, signed, err := mgr.Start(context.Background(), StartParams{
		RoleKey:    "moderator",
		ProgramKey: "morning",
		Track:      "senior",
		Target:     "gate-a",
		StartedBy:  7,
	})
	if err != nil {
		t.Fatalf("start error: %v", err)
	}
	if !sess.Active {
		t.Fatalf("expected active session")
	}
	if sess.ProgramID == nil || *sess.ProgramID != 9 {
		t.Fatalf("expected program id resolved from roster, got %v", sess.ProgramID)
	}
	if got := sess.ExpiresAt.Sub(started); got != 25*time.Minute {
		t.Fatalf("expected default 25m ttl, got %s", got)
	}
	if len(sess.Nonce) < 24 {
		t.Fatalf("expected >=12 bytes of nonce entropy, got %q", sess.Nonce)
	}

	codec := token.NewCodec(token.SigningConfig{Secret: "test-secret"})
	payload, err := codec.Verify(signed)
	if err != nil {
		t.Fatalf("token verify error: %v", err)
	}
	claims, err := token.DecodeSession(payload)
	if err != nil {
		t.Fatalf("token decode error: %v", err)
	}
	if claims.SID != sess.ID || claims.Nonce != sess.Nonce || claims.Exp != sess.ExpiresAt.Unix() {
		t.Fatalf("token claims mismatch: %+v vs session %+v", claims, sess)
	}
}

func TestStartRejectsMissingRole(t *testing.T) {
	mgr := newManager(newFakeStore(), &fakeRoster{}, &fakeIdentity{roles: map[string]bool{}})
	_, _, err := mgr.Start(context.Background(), StartParams{RoleKey: "moderator", StartedBy: 7})
	if !errors.Is(err, ErrPermission) {
		t.Fatalf("expected permission error, got %v", err)
	}
}

func TestStartKeepsExplicitProgramID(t *testing.T) {
	roster := &fakeRoster{err: errors.New("unreachable")}
	identity := &fakeIdentity{roles: map[string]bool{"moderator": true}}
	mgr := newManager(newFakeStore(), roster, identity)

	explicit := int64(31)
	sess, _, err := mgr.Start(context.Background(), StartParams{
		RoleKey:    "moderator",
		ProgramKey: "morning",
		ProgramID:  &explicit,
		StartedBy:  7,
	})
	if err != nil {
		t.Fatalf("start error: %v", err)
	}
	if sess.ProgramID == nil || *sess.ProgramID != 31 {
		t.Fatalf("expected explicit program id preserved, got %v", sess.ProgramID)
	}
}

func TestEndIsIdempotent(t *testing.T) {
	store := newFakeStore()
	identity := &fakeIdentity{roles: map[string]bool{"moderator": true}}
	mgr := newManager(store, &fakeRoster{}, identity)

	sess, _, err := mgr.Start(context.Background(), StartParams{RoleKey: "moderator", StartedBy: 7})
	if err != nil {
		t.Fatalf("start error: %v", err)
	}
	if err := mgr.End(context.Background(), sess.ID); err != nil {
		t.Fatalf("end error: %v", err)
	}
	if err := mgr.End(context.Background(), sess.ID); err != nil {
		t.Fatalf("second end should be a no-op success, got %v", err)
	}
	stored, _ := store.GetSession(context.Background(), sess.ID)
	if stored.Active {
		t.Fatalf("expected ended session")
	}
}

func TestAdmissible(t *testing.T) {
	now := time.Date(2026, 1, 25, 9, 30, 0, 0, time.UTC)
	sess := model.ScanSession{Active: true, ExpiresAt: now}
	if !Admissible(sess, now) {
		t.Fatalf("session expiring exactly now should admit")
	}
	if Admissible(sess, now.Add(time.Second)) {
		t.Fatalf("expired session should not admit")
	}
	sess.Active = false
	if Admissible(sess, now) {
		t.Fatalf("ended session should not admit")
	}
}
