package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zhouzirui/z-chat/internal/model/user"
	"github.com/zhouzirui/z-chat/internal/service/credential"
)

var (
	ErrNoToken         = errors.New("no session token stored")
	ErrUnauthenticated = errors.New("session token rejected")
)

// APIError carries a non-2xx API response. The backend reports failures as
// {"detail": "..."}.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("api error: status %d", e.Status)
	}
	return fmt.Sprintf("api error: status %d: %s", e.Status, e.Detail)
}

// Client talks to the authentication endpoints and keeps the token store in
// sync with login and logout.
type Client struct {
	baseURL string
	tokens  credential.Store
	http    *http.Client
}

// New builds a client for baseURL (e.g. http://localhost:8000/api/v1).
// A nil httpClient gets a client with a 10s timeout.
func New(baseURL string, tokens credential.Store, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		tokens:  tokens,
		http:    httpClient,
	}
}

// CurrentUser asks the backend who the stored token belongs to. It succeeds
// iff the token is valid.
func (c *Client) CurrentUser(ctx context.Context) (user.Public, error) {
	token, ok := c.tokens.Get()
	if !ok {
		return user.Public{}, ErrNoToken
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/users/me", nil)
	if err != nil {
		return user.Public{}, fmt.Errorf("build current user request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var me user.Public
	if err := c.do(req, &me); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && (apiErr.Status == http.StatusUnauthorized || apiErr.Status == http.StatusForbidden) {
			return user.Public{}, fmt.Errorf("%w: %s", ErrUnauthenticated, apiErr.Detail)
		}
		return user.Public{}, err
	}
	return me, nil
}

// Login exchanges credentials for an access token and stores it.
func (c *Client) Login(ctx context.Context, email, password string) (user.Token, error) {
	form := url.Values{
		"username": {email},
		"password": {password},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/login/access-token", strings.NewReader(form.Encode()))
	if err != nil {
		return user.Token{}, fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var token user.Token
	if err := c.do(req, &token); err != nil {
		return user.Token{}, err
	}
	if token.AccessToken == "" {
		return user.Token{}, fmt.Errorf("login response did not include an access token")
	}

	if err := c.tokens.Set(token.AccessToken); err != nil {
		return user.Token{}, fmt.Errorf("store access token: %w", err)
	}
	return token, nil
}

// Register creates an account. It does not log in.
func (c *Client) Register(ctx context.Context, in user.Register) (user.Public, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return user.Public{}, fmt.Errorf("encode signup payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/users/signup", bytes.NewReader(body))
	if err != nil {
		return user.Public{}, fmt.Errorf("build signup request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var created user.Public
	if err := c.do(req, &created); err != nil {
		return user.Public{}, err
	}
	return created, nil
}

// Logout forgets the stored token.
func (c *Client) Logout() error {
	return c.tokens.Clear()
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	apiErr := &APIError{Status: resp.StatusCode}
	var payload struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && len(payload.Detail) > 0 {
		var text string
		if json.Unmarshal(payload.Detail, &text) == nil {
			apiErr.Detail = text
		} else {
			// validation errors arrive as a list of objects
			apiErr.Detail = string(payload.Detail)
		}
	} else {
		apiErr.Detail = strings.TrimSpace(string(data))
	}
	return apiErr
}
