package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"github.com/tonimelisma/rxsync/internal/broker"
)

// Auth endpoints.
const (
	pathLogin   = "/api/auth/login"
	pathRefresh = "/api/auth/refresh"
	pathLogout  = "/api/auth/logout"
	pathMe      = "/api/auth/me"
)

// tokenResponse is the payload of login and refresh responses.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	User         *User  `json:"user,omitempty"`
}

// User is the authenticated account as reported by the backend.
type User struct {
	ID    any    `json:"id"` // numeric or string depending on the deployment
	Name  string `json:"name"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (r *tokenResponse) token(now time.Time) (*oauth2.Token, error) {
	if r.AccessToken == "" {
		return nil, fmt.Errorf("api: token response has no access_token")
	}

	return broker.NewToken(r.AccessToken, r.RefreshToken, r.TokenType, r.ExpiresIn, now), nil
}

// Login exchanges email and password for session credentials. Bad
// credentials are reported as broker.ErrAuthExpired.
func (c *Client) Login(ctx context.Context, email, password string) (*oauth2.Token, *User, error) {
	body := map[string]string{"email": email, "password": password}

	data, err := c.Do(ctx, http.MethodPost, pathLogin, body, "")
	if err != nil {
		return nil, nil, err
	}

	var resp tokenResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, nil, fmt.Errorf("api: decoding login response: %w", err)
	}

	tok, err := resp.token(time.Now())
	if err != nil {
		return nil, nil, err
	}

	return tok, resp.User, nil
}

// Refresh implements broker.Refresher. A refused refresh token surfaces as
// broker.ErrAuthExpired; transport failures as apierr.ErrNetwork.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	body := map[string]string{"refresh_token": refreshToken}

	data, err := c.Do(ctx, http.MethodPost, pathRefresh, body, "")
	if err != nil {
		return nil, err
	}

	var resp tokenResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("api: decoding refresh response: %w", err)
	}

	return resp.token(time.Now())
}

// Logout tells the backend the session ended and revokes refreshToken. It is
// best effort: the caller discards local credentials whatever the outcome.
func (c *Client) Logout(ctx context.Context, accessToken, refreshToken string) error {
	if accessToken == "" {
		return nil
	}

	var body any
	if refreshToken != "" {
		body = map[string]string{"refresh_token": refreshToken}
	}

	_, err := c.Do(ctx, http.MethodPost, pathLogout, body, accessToken)

	return err
}

// Me returns the account the credentials belong to.
func (c *Client) Me(ctx context.Context, b *broker.Broker) (*User, error) {
	var user User

	err := b.Do(ctx, func(ctx context.Context, access string) error {
		data, err := c.Do(ctx, http.MethodGet, pathMe, nil, access)
		if err != nil {
			return err
		}

		// /me wraps the account in {"user": {...}} inside the envelope.
		var wrapped struct {
			User *User `json:"user"`
		}
		if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.User != nil {
			user = *wrapped.User
			return nil
		}

		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}

	return &user, nil
}
