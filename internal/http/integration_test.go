package http_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"testing"
	"time"

	"rollcall/checkin/internal/auth"
)

// Exercises the full scan flow against a running service. Needs the service,
// postgres, and the collaborators up; see schema.sql for the store layout.
func TestScanFlow(t *testing.T) {
	if os.Getenv("INTEGRATION_TESTS") != "1" {
		t.Skip("set INTEGRATION_TESTS=1 to run")
	}
	baseURL := getenv("CHECKIN_HTTP_ADDR", "http://127.0.0.1:8084")
	secret := getenv("JWT_SECRET", "dev-secret")
	issuer := getenv("JWT_ISSUER", "rollcall-identity")

	operator, err := auth.NewAccessToken(secret, issuer, time.Hour, auth.Claims{UserID: 1, UserType: "moderator"})
	if err != nil {
		t.Fatalf("mint operator token: %v", err)
	}

	var started struct {
		Session struct {
			ID int64 `json:"id"`
		} `json:"session"`
		Token string `json:"token"`
	}
	postJSON(t, baseURL+"/sessions", operator, map[string]any{
		"roleKey":    "moderator",
		"programKey": "morning",
		"ttlMin":     25,
	}, http.StatusCreated, &started)
	if started.Token == "" {
		t.Fatalf("expected session token")
	}

	var issued struct {
		Token string `json:"token"`
	}
	postJSON(t, baseURL+"/token", operator, map[string]any{}, http.StatusOK, &issued)

	var scanned struct {
		OK bool `json:"ok"`
	}
	for i := 0; i < 2; i++ {
		postJSON(t, baseURL+"/scan", "", map[string]any{
			"sessionToken": started.Token,
			"userToken":    issued.Token,
		}, http.StatusOK, &scanned)
		if !scanned.OK {
			t.Fatalf("scan %d: expected ok", i)
		}
	}

	var events struct {
		Events []struct {
			UserID int64 `json:"userId"`
		} `json:"events"`
	}
	getJSON(t, fmt.Sprintf("%s/sessions/%d/events", baseURL, started.Session.ID), operator, &events)
	if len(events.Events) != 1 {
		t.Fatalf("expected exactly one event after duplicate scan, got %d", len(events.Events))
	}

	var finalized struct {
		Finalized struct {
			Presents  int `json:"presents"`
			Absentees int `json:"absentees"`
		} `json:"finalized"`
	}
	postJSON(t, fmt.Sprintf("%s/sessions/%d/finalize", baseURL, started.Session.ID), operator, map[string]any{}, http.StatusOK, &finalized)
	if finalized.Finalized.Presents != 1 {
		t.Fatalf("expected one present, got %+v", finalized.Finalized)
	}
}

func postJSON(t *testing.T, endpoint, token string, payload any, wantStatus int, out any) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request %s: %v", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("%s: expected %d, got %d", endpoint, wantStatus, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", endpoint, err)
		}
	}
}

func getJSON(t *testing.T, endpoint, token string, out any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, endpoint, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request %s: %v", endpoint, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("%s: expected 200, got %d", endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode %s: %v", endpoint, err)
	}
}

func getenv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
