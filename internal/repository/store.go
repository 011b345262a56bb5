package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"rollcall/checkin/internal/model"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func NewPool(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

// Sessions

func (s *Store) CreateSession(ctx context.Context, sess model.ScanSession) (int64, error) {
	var id int64
	row := s.pool.QueryRow(ctx, `
		INSERT INTO scan_sessions (program_key, program_id, track, target, role_key, started_by, nonce, active, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, sess.ProgramKey, sess.ProgramID, sess.Track, sess.Target, sess.RoleKey, sess.StartedBy, sess.Nonce, sess.Active, sess.ExpiresAt, sess.CreatedAt)
	err := row.Scan(&id)
	return id, err
}

func (s *Store) GetSession(ctx context.Context, id int64) (model.ScanSession, error) {
	var sess model.ScanSession
	row := s.pool.QueryRow(ctx, `
		SELECT id, program_key, program_id, track, target, role_key, started_by, nonce, active, expires_at, created_at
		FROM scan_sessions
		WHERE id = $1
	`, id)
	err := row.Scan(
		&sess.ID,
		&sess.ProgramKey,
		&sess.ProgramID,
		&sess.Track,
		&sess.Target,
		&sess.RoleKey,
		&sess.StartedBy,
		&sess.Nonce,
		&sess.Active,
		&sess.ExpiresAt,
		&sess.CreatedAt,
	)
	return sess, err
}

func (s *Store) EndSession(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE scan_sessions SET active = false WHERE id = $1`, id)
	return err
}

// Attendance events

// InsertEvent records a scan at most once per (session, user). The unique
// constraint is the sole concurrency control; a duplicate insert reports
// inserted=false instead of an error.
func (s *Store) InsertEvent(ctx context.Context, event model.AttendanceEvent) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO attendance_events (session_id, user_id, occurred_at, client_ip, wifi_ssid, device_fp)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, user_id) DO NOTHING
	`, event.SessionID, event.UserID, event.OccurredAt, event.ClientIP, event.WifiSSID, event.DeviceFP)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) ListEventsBySession(ctx context.Context, sessionID int64) ([]model.AttendanceEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT session_id, user_id, occurred_at, client_ip, wifi_ssid, device_fp
		FROM attendance_events
		WHERE session_id = $1
		ORDER BY occurred_at ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.AttendanceEvent
	for rows.Next() {
		var event model.AttendanceEvent
		if err := rows.Scan(&event.SessionID, &event.UserID, &event.OccurredAt, &event.ClientIP, &event.WifiSSID, &event.DeviceFP); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func (s *Store) ListUserIDsWithEventBetween(ctx context.Context, from, to time.Time) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT user_id
		FROM attendance_events
		WHERE occurred_at >= $1 AND occurred_at < $2
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInt64s(rows)
}

// Day records

// UpsertDayOpen sets opened_at only when the row has never been opened.
func (s *Store) UpsertDayOpen(ctx context.Context, userID int64, day string, openedAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO day_records (user_id, day, opened_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, day) DO UPDATE
		SET opened_at = COALESCE(day_records.opened_at, EXCLUDED.opened_at)
	`, userID, day, openedAt)
	return err
}

// Present ledger

// UpsertDailyAttendance is keyed on the full scope plus user: re-running
// finalize cannot duplicate rows, and a rerun refreshes the timestamp and
// lateness verdict.
func (s *Store) UpsertDailyAttendance(ctx context.Context, row model.DailyAttendance) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO daily_attendance (day, program_key, program_id, track, user_id, occurred_at, is_late, target, role_key, name)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (day, program_key, COALESCE(program_id, 0), track, user_id) DO UPDATE
		SET occurred_at = EXCLUDED.occurred_at,
		    is_late = EXCLUDED.is_late,
		    target = EXCLUDED.target,
		    role_key = EXCLUDED.role_key,
		    name = EXCLUDED.name
	`, row.Day, row.ProgramKey, row.ProgramID, row.Track, row.UserID, row.OccurredAt, row.IsLate, row.Target, row.RoleKey, row.Name)
	return err
}

func (s *Store) ListPresentUserIDs(ctx context.Context, scope model.Scope) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT user_id
		FROM daily_attendance
		WHERE day = $1 AND program_key = $2 AND program_id IS NOT DISTINCT FROM $3 AND track = $4
	`, scope.Day, scope.ProgramKey, scope.ProgramID, scope.Track)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanInt64s(rows)
}

func (s *Store) ListDailyAttendance(ctx context.Context, scope model.Scope) ([]model.DailyAttendance, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT day, program_key, program_id, track, user_id, occurred_at, is_late, target, role_key, name
		FROM daily_attendance
		WHERE day = $1 AND program_key = $2 AND program_id IS NOT DISTINCT FROM $3 AND track = $4
		ORDER BY occurred_at ASC
	`, scope.Day, scope.ProgramKey, scope.ProgramID, scope.Track)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.DailyAttendance
	for rows.Next() {
		var entry model.DailyAttendance
		if err := rows.Scan(&entry.Day, &entry.ProgramKey, &entry.ProgramID, &entry.Track, &entry.UserID, &entry.OccurredAt, &entry.IsLate, &entry.Target, &entry.RoleKey, &entry.Name); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Absentee ledger

func (s *Store) InsertAbsentee(ctx context.Context, row model.DailyAbsentee) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO daily_absentees (day, program_key, program_id, track, user_id, name)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (day, program_key, COALESCE(program_id, 0), track, user_id) DO NOTHING
	`, row.Day, row.ProgramKey, row.ProgramID, row.Track, row.UserID, row.Name)
	return err
}

func (s *Store) DeleteAbsentees(ctx context.Context, scope model.Scope, userIDs []int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `
		DELETE FROM daily_absentees
		WHERE day = $1 AND program_key = $2 AND program_id IS NOT DISTINCT FROM $3 AND track = $4 AND user_id = ANY($5)
	`, scope.Day, scope.ProgramKey, scope.ProgramID, scope.Track, userIDs)
	return err
}

func (s *Store) ListAbsentees(ctx context.Context, scope model.Scope) ([]model.DailyAbsentee, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT day, program_key, program_id, track, user_id, name
		FROM daily_absentees
		WHERE day = $1 AND program_key = $2 AND program_id IS NOT DISTINCT FROM $3 AND track = $4
		ORDER BY user_id ASC
	`, scope.Day, scope.ProgramKey, scope.ProgramID, scope.Track)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.DailyAbsentee
	for rows.Next() {
		var entry model.DailyAbsentee
		if err := rows.Scan(&entry.Day, &entry.ProgramKey, &entry.ProgramID, &entry.Track, &entry.UserID, &entry.Name); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// Delivery logs

func (s *Store) InsertDeliveryLog(ctx context.Context, row model.DeliveryLog) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delivery_logs (id, user_id, phone, subject, body, status, provider_id, error, sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, row.ID, row.UserID, row.Phone, row.Subject, row.Body, row.Status, row.ProviderID, row.Error, row.SentAt)
	return err
}

type int64Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanInt64s(rows int64Rows) ([]int64, error) {
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
