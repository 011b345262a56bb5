// Package clients reaches the external collaborators: the roster/config
// store, the identity provider, and the messaging gateway.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"rollcall/checkin/internal/model"
)

var ErrNotFound = errors.New("clients: not found")

// Roster looks up per-program configuration: cap time and expected members.
type Roster interface {
	GetProgramConfig(ctx context.Context, programKeyOrID string) (model.ProgramConfig, error)
}

// Identity answers role and profile questions about users.
type Identity interface {
	HasActiveRole(ctx context.Context, userID int64, roleKey string) (bool, error)
	GetProfiles(ctx context.Context, userIDs []int64) ([]model.UserProfile, error)
	ListActiveUserIDs(ctx context.Context) ([]int64, error)
}

// Messenger delivers one templated message to a phone number and returns the
// provider's message id.
type Messenger interface {
	Send(ctx context.Context, number, template string, vars map[string]string) (string, error)
}

type Clients struct {
	Roster    Roster
	Identity  Identity
	Messenger Messenger
}

func New(rosterBaseURL, identityBaseURL, messagingBaseURL, messagingToken string, timeout time.Duration) *Clients {
	httpClient := &http.Client{Timeout: timeout}
	c := &Clients{
		Roster:   &rosterClient{baseURL: strings.TrimRight(rosterBaseURL, "/"), http: httpClient},
		Identity: &identityClient{baseURL: strings.TrimRight(identityBaseURL, "/"), http: httpClient},
	}
	if messagingBaseURL != "" {
		c.Messenger = &messagingClient{baseURL: strings.TrimRight(messagingBaseURL, "/"), token: messagingToken, http: httpClient}
	}
	return c
}

// Roster client

type rosterClient struct {
	baseURL string
	http    *http.Client
}

type programConfigResponse struct {
	ProgramID int64   `json:"program_id"`
	CapTime   string  `json:"attendance_cap_time"`
	MemberIDs []int64 `json:"attendance_member_ids"`
}

func (c *rosterClient) GetProgramConfig(ctx context.Context, programKeyOrID string) (model.ProgramConfig, error) {
	var resp programConfigResponse
	endpoint := c.baseURL + "/programs/" + url.PathEscape(programKeyOrID) + "/attendance-config"
	if err := getJSON(ctx, c.http, endpoint, "", &resp); err != nil {
		return model.ProgramConfig{}, err
	}
	return model.ProgramConfig{
		ProgramID: resp.ProgramID,
		CapTime:   resp.CapTime,
		MemberIDs: resp.MemberIDs,
	}, nil
}

// Identity client

type identityClient struct {
	baseURL string
	http    *http.Client
}

func (c *identityClient) HasActiveRole(ctx context.Context, userID int64, roleKey string) (bool, error) {
	var resp struct {
		Active bool `json:"active"`
	}
	endpoint := fmt.Sprintf("%s/users/%d/roles/%s", c.baseURL, userID, url.PathEscape(roleKey))
	if err := getJSON(ctx, c.http, endpoint, "", &resp); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return resp.Active, nil
}

type profileResponse struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	PhoneEnabled *bool  `json:"phone_enabled"`
	IsTeacher    bool   `json:"is_teacher"`
}

func (c *identityClient) GetProfiles(ctx context.Context, userIDs []int64) ([]model.UserProfile, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}
	parts := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		parts = append(parts, strconv.FormatInt(id, 10))
	}
	var resp struct {
		Users []profileResponse `json:"users"`
	}
	endpoint := c.baseURL + "/users?ids=" + strings.Join(parts, ",")
	if err := getJSON(ctx, c.http, endpoint, "", &resp); err != nil {
		return nil, err
	}
	profiles := make([]model.UserProfile, 0, len(resp.Users))
	for _, u := range resp.Users {
		// Absent phone_enabled means not disabled.
		enabled := u.PhoneEnabled == nil || *u.PhoneEnabled
		profiles = append(profiles, model.UserProfile{
			ID:           u.ID,
			Name:         u.Name,
			Phone:        u.Phone,
			PhoneEnabled: enabled,
			IsTeacher:    u.IsTeacher,
		})
	}
	return profiles, nil
}

func (c *identityClient) ListActiveUserIDs(ctx context.Context) ([]int64, error) {
	var resp struct {
		IDs []int64 `json:"ids"`
	}
	if err := getJSON(ctx, c.http, c.baseURL+"/users/active-ids", "", &resp); err != nil {
		return nil, err
	}
	return resp.IDs, nil
}

// Messaging gateway client

type messagingClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func (c *messagingClient) Send(ctx context.Context, number, template string, vars map[string]string) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"number":   number,
		"template": template,
		"vars":     vars,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("messaging gateway status %d", resp.StatusCode)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.ID, nil
}

func getJSON(ctx context.Context, client *http.Client, endpoint, token string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("collaborator status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
