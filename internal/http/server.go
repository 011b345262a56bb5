package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"rollcall/checkin/internal/auth"
	"rollcall/checkin/internal/clients"
	"rollcall/checkin/internal/config"
	"rollcall/checkin/internal/finalize"
	"rollcall/checkin/internal/ingest"
	"rollcall/checkin/internal/model"
	"rollcall/checkin/internal/notify"
	"rollcall/checkin/internal/session"
)

// Store is the read surface the handlers need beyond the domain services.
type Store interface {
	ListEventsBySession(ctx context.Context, sessionID int64) ([]model.AttendanceEvent, error)
	ListDailyAttendance(ctx context.Context, scope model.Scope) ([]model.DailyAttendance, error)
	ListAbsentees(ctx context.Context, scope model.Scope) ([]model.DailyAbsentee, error)
}

type Server struct {
	cfg        config.Config
	store      Store
	sessions   *session.Manager
	ingestor   *ingest.Service
	finalizer  *finalize.Finalizer
	dispatcher *notify.Dispatcher
	identity   clients.Identity
}

func NewServer(cfg config.Config, store Store, sessions *session.Manager, ingestor *ingest.Service, finalizer *finalize.Finalizer, dispatcher *notify.Dispatcher, identity clients.Identity) *Server {
	return &Server{
		cfg:        cfg,
		store:      store,
		sessions:   sessions,
		ingestor:   ingestor,
		finalizer:  finalizer,
		dispatcher: dispatcher,
		identity:   identity,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	// Scanning stations only hold tokens; /scan carries no caller auth.
	r.Post("/scan", s.handleScan)

	r.With(s.authMiddleware).Post("/token", s.handleIssueToken)
	r.With(s.authMiddleware).Post("/sessions", s.handleStartSession)
	r.With(s.authMiddleware).Post("/sessions/{sessionId}/end", s.handleEndSession)
	r.With(s.authMiddleware).Post("/sessions/{sessionId}/finalize", s.handleFinalize)
	r.With(s.authMiddleware).Get("/sessions/{sessionId}/events", s.handleListEvents)
	r.With(s.authMiddleware).Get("/report", s.handleDailyReport)
	r.With(s.authMiddleware).Post("/notify/absentees", s.handleNotifyAbsentees)

	return r
}

// Auth

type claimsKey struct{}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing_token")
			return
		}
		claims, err := auth.ParseToken(s.cfg.JWTSecret, s.cfg.JWTIssuer, token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid_token")
			return
		}
		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func claimsFromContext(ctx context.Context) *auth.Claims {
	value := ctx.Value(claimsKey{})
	claims, _ := value.(*auth.Claims)
	return claims
}

// Handlers

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	token, err := s.sessions.IssuePersonalToken(claims.UserID, s.cfg.PersonalTokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

type startSessionRequest struct {
	RoleKey    string `json:"roleKey"`
	ProgramKey string `json:"programKey"`
	ProgramID  *int64 `json:"programId"`
	Track      string `json:"track"`
	Target     string `json:"target"`
	TTLMin     int    `json:"ttlMin"`
}

type sessionResponse struct {
	ID         int64  `json:"id"`
	ProgramKey string `json:"programKey"`
	ProgramID  *int64 `json:"programId,omitempty"`
	Track      string `json:"track,omitempty"`
	Target     string `json:"target,omitempty"`
	RoleKey    string `json:"roleKey"`
	StartedBy  int64  `json:"startedBy"`
	Active     bool   `json:"active"`
	ExpiresAt  int64  `json:"expiresAt"`
}

func mapSession(sess model.ScanSession) sessionResponse {
	return sessionResponse{
		ID:         sess.ID,
		ProgramKey: sess.ProgramKey,
		ProgramID:  sess.ProgramID,
		Track:      sess.Track,
		Target:     sess.Target,
		RoleKey:    sess.RoleKey,
		StartedBy:  sess.StartedBy,
		Active:     sess.Active,
		ExpiresAt:  sess.ExpiresAt.Unix(),
	}
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromContext(r.Context())
	if claims == nil {
		writeError(w, http.StatusUnauthorized, "missing_token")
		return
	}
	var req startSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.RoleKey == "" {
		writeError(w, http.StatusBadRequest, "missing_role_key")
		return
	}
	if req.ProgramKey == "" && req.ProgramID == nil {
		writeError(w, http.StatusBadRequest, "missing_program")
		return
	}

	sess, token, err := s.sessions.Start(r.Context(), session.StartParams{
		RoleKey:    req.RoleKey,
		ProgramKey: req.ProgramKey,
		ProgramID:  req.ProgramID,
		Track:      req.Track,
		Target:     req.Target,
		TTL:        time.Duration(req.TTLMin) * time.Minute,
		StartedBy:  claims.UserID,
	})
	if err != nil {
		if errors.Is(err, session.ErrPermission) {
			writeError(w, http.StatusForbidden, "role_not_held")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"session": mapSession(sess),
		"token":   token,
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sessionID, err := session.ParseID(chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_session_id")
		return
	}
	if err := s.sessions.End(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ended": true})
}

type scanRequest struct {
	SessionToken string `json:"sessionToken"`
	UserToken    string `json:"userToken"`
	ClientIP     string `json:"clientIp"`
	WifiSSID     string `json:"wifiSsid"`
	DeviceFP     string `json:"deviceFp"`
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if req.SessionToken == "" || req.UserToken == "" {
		scansTotal.WithLabelValues("invalid").Inc()
		writeError(w, http.StatusBadRequest, "missing_tokens")
		return
	}
	clientIP := req.ClientIP
	if clientIP == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			clientIP = host
		}
	}

	result, err := s.ingestor.Ingest(r.Context(), req.SessionToken, req.UserToken, ingest.ScanMeta{
		ClientIP: clientIP,
		WifiSSID: req.WifiSSID,
		DeviceFP: req.DeviceFP,
	})
	if err != nil {
		status, code := scanErrorStatus(err)
		scansTotal.WithLabelValues(code).Inc()
		writeError(w, status, code)
		return
	}

	for _, effect := range result.SideEffects {
		if effect.Err != nil {
			log.Printf("scan session %d user %d: %s failed: %v", result.SessionID, result.UserID, effect.Name, effect.Err)
		}
	}
	if result.Duplicate {
		scansTotal.WithLabelValues("duplicate").Inc()
	} else {
		scansTotal.WithLabelValues("recorded").Inc()
	}
	// Duplicate scans look identical to first scans from the station's side.
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func scanErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, ingest.ErrInvalidToken):
		return http.StatusBadRequest, "invalid_token"
	case errors.Is(err, ingest.ErrMalformedPayload):
		return http.StatusBadRequest, "malformed_payload"
	case errors.Is(err, ingest.ErrBadSignature):
		return http.StatusForbidden, "bad_signature"
	case errors.Is(err, ingest.ErrSessionExpired):
		return http.StatusGone, "session_token_expired"
	case errors.Is(err, ingest.ErrUserTokenExpired):
		return http.StatusGone, "user_token_expired"
	case errors.Is(err, ingest.ErrSessionInactive):
		return http.StatusGone, "session_inactive"
	default:
		return http.StatusInternalServerError, "server_error"
	}
}

type finalizeRequest struct {
	ProgramKey      string  `json:"programKey"`
	ProgramID       *int64  `json:"programId"`
	Track           string  `json:"track"`
	Target          string  `json:"target"`
	ExpectedUserIDs []int64 `json:"expectedUserIds"`
}

func (s *Server) handleFinalize(w http.ResponseWriter, r *http.Request) {
	sessionID, err := session.ParseID(chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_session_id")
		return
	}
	var req finalizeRequest
	if r.ContentLength > 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
	}

	result, err := s.finalizer.Finalize(r.Context(), sessionID, finalize.Overrides{
		ProgramKey: req.ProgramKey,
		ProgramID:  req.ProgramID,
		Track:      req.Track,
		Target:     req.Target,
	}, req.ExpectedUserIDs)
	if err != nil {
		if errors.Is(err, finalize.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session_not_found")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	finalizeRunsTotal.Inc()
	writeJSON(w, http.StatusOK, map[string]any{
		"finalized": map[string]int{
			"presents":  result.Presents,
			"absentees": result.Absentees,
		},
	})
}

type eventResponse struct {
	SessionID  int64  `json:"sessionId"`
	UserID     int64  `json:"userId"`
	At         int64  `json:"at"`
	ClientIP   string `json:"clientIp,omitempty"`
	WifiSSID   string `json:"wifiSsid,omitempty"`
	DeviceFP   string `json:"deviceFp,omitempty"`
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	sessionID, err := session.ParseID(chi.URLParam(r, "sessionId"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_session_id")
		return
	}
	events, err := s.store.ListEventsBySession(r.Context(), sessionID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	resp := make([]eventResponse, 0, len(events))
	for _, event := range events {
		entry := eventResponse{
			SessionID: event.SessionID,
			UserID:    event.UserID,
			At:        event.OccurredAt.Unix(),
		}
		if event.ClientIP != nil {
			entry.ClientIP = *event.ClientIP
		}
		if event.WifiSSID != nil {
			entry.WifiSSID = *event.WifiSSID
		}
		if event.DeviceFP != nil {
			entry.DeviceFP = *event.DeviceFP
		}
		resp = append(resp, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": resp})
}

type reportSplit struct {
	Total    int `json:"total"`
	Teachers int `json:"teachers"`
	Others   int `json:"others"`
}

type reportResponse struct {
	Date       string      `json:"date"`
	ProgramKey string      `json:"programKey,omitempty"`
	Track      string      `json:"track,omitempty"`
	Presents   reportSplit `json:"presents"`
	Late       reportSplit `json:"late"`
	Absentees  reportSplit `json:"absentees"`
}

func (s *Server) handleDailyReport(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	presents, err := s.store.ListDailyAttendance(r.Context(), scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	absentees, err := s.store.ListAbsentees(r.Context(), scope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}

	ids := make([]int64, 0, len(presents)+len(absentees))
	for _, row := range presents {
		ids = append(ids, row.UserID)
	}
	for _, row := range absentees {
		ids = append(ids, row.UserID)
	}
	isTeacher := make(map[int64]bool, len(ids))
	if profiles, err := s.identity.GetProfiles(r.Context(), ids); err == nil {
		for _, profile := range profiles {
			isTeacher[profile.ID] = profile.IsTeacher
		}
	} else {
		log.Printf("report %s: profile lookup failed, splits degrade: %v", scope.Day, err)
	}

	resp := reportResponse{Date: scope.Day, ProgramKey: scope.ProgramKey, Track: scope.Track}
	for _, row := range presents {
		bump(&resp.Presents, isTeacher[row.UserID])
		if row.IsLate {
			bump(&resp.Late, isTeacher[row.UserID])
		}
	}
	for _, row := range absentees {
		bump(&resp.Absentees, isTeacher[row.UserID])
	}
	writeJSON(w, http.StatusOK, resp)
}

func bump(split *reportSplit, teacher bool) {
	split.Total++
	if teacher {
		split.Teachers++
	} else {
		split.Others++
	}
}

type notifyRequest struct {
	Date             string  `json:"date"`
	ProgramKey       string  `json:"programKey"`
	ProgramID        *int64  `json:"programId"`
	Track            string  `json:"track"`
	RecipientUserIDs []int64 `json:"recipientUserIds"`
}

func (s *Server) handleNotifyAbsentees(w http.ResponseWriter, r *http.Request) {
	var req notifyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if !validDate(req.Date) {
		writeError(w, http.StatusBadRequest, "invalid_date")
		return
	}

	if s.dispatcher == nil {
		writeError(w, http.StatusServiceUnavailable, "messaging_unavailable")
		return
	}

	scope := model.Scope{Day: req.Date, ProgramKey: req.ProgramKey, ProgramID: req.ProgramID, Track: req.Track}
	counts, err := s.dispatcher.NotifyAbsentees(r.Context(), scope, req.RecipientUserIDs)
	if err != nil {
		if errors.Is(err, notify.ErrNoGateway) {
			writeError(w, http.StatusServiceUnavailable, "messaging_unavailable")
			return
		}
		writeError(w, http.StatusInternalServerError, "server_error")
		return
	}
	notificationsTotal.WithLabelValues("sent").Add(float64(counts.Sent))
	notificationsTotal.WithLabelValues("skipped").Add(float64(counts.Skipped))
	notificationsTotal.WithLabelValues("failed").Add(float64(counts.Failed))
	writeJSON(w, http.StatusOK, map[string]int{
		"sent":    counts.Sent,
		"skipped": counts.Skipped,
		"failed":  counts.Failed,
		"total":   counts.Total,
	})
}

// Helpers

var dateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

func validDate(date string) bool {
	if !dateRe.MatchString(date) {
		return false
	}
	_, err := time.Parse("2006-01-02", date)
	return err == nil
}

func scopeFromQuery(r *http.Request) (model.Scope, error) {
	date := r.URL.Query().Get("date")
	if !validDate(date) {
		return model.Scope{}, errors.New("invalid_date")
	}
	scope := model.Scope{
		Day:        date,
		ProgramKey: r.URL.Query().Get("programKey"),
		Track:      r.URL.Query().Get("track"),
	}
	if raw := r.URL.Query().Get("programId"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return model.Scope{}, errors.New("invalid_program_id")
		}
		scope.ProgramID = &id
	}
	return scope, nil
}

func bearerToken(header string) string {
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

func decodeJSON(r *http.Request, out interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}
