package harp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// API is the subset of HARP the sync service talks to.
type API interface {
	ObtainCredential(ctx context.Context) (*Token, error)
	FetchUserDetails(ctx context.Context, harpIDs []string, token *Token) (*UserDetailsResponse, error)
	// FetchUserRoles returns an error only when no HTTP answer was obtained.
	// HTTP level failures are reported as a RolesError outcome.
	FetchUserRoles(ctx context.Context, harpID string, token *Token) (RolesOutcome, error)
}

var _ API = &Client{}

// Config holds the HARP endpoints and client credentials.
type Config struct {
	BaseURL      string
	ProgramName  string
	AdoName      string
	TokenURI     string
	TokenScope   string
	ClientID     string
	ClientSecret string
	UserRolesURI string
	UserFindURI  string
	Timeout      time.Duration

	// RequestsPerSecond caps calls to HARP. Zero means unlimited.
	RequestsPerSecond float64
}

// APIError is returned for non-2xx answers on calls without a typed error outcome.
type APIError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s HARP %q error: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s HARP %q error: status %d", e.Method, e.URL, e.StatusCode)
}

// Client is the HTTP implementation of API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	limiter    *rate.Limiter

	tokenAttempts int
	tokenBackoff  time.Duration
}

// NewClient creates a Client. A nil httpClient gets one with cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	c := &Client{
		cfg:           cfg,
		httpClient:    httpClient,
		tokenAttempts: 2,
		tokenBackoff:  100 * time.Millisecond,
	}
	if cfg.RequestsPerSecond > 0 {
		burst := max(1, int(cfg.RequestsPerSecond))
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return c
}

// ProgramName is the program whose roles make a user active.
func (c *Client) ProgramName() string {
	return c.cfg.ProgramName
}

type tokenRequest struct {
	Scope string `json:"scope"`
}

// ObtainCredential calls the token endpoint with basic auth. A failed call is
// retried once after a short fixed delay.
func (c *Client) ObtainCredential(ctx context.Context) (*Token, error) {
	var lastErr error
	for attempt := 1; attempt <= c.tokenAttempts; attempt++ {
		tok, err := c.requestToken(ctx)
		if err == nil {
			return tok, nil
		}
		lastErr = err
		if attempt == c.tokenAttempts {
			break
		}
		slog.Warn("HARP token request failed, retrying", "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.tokenBackoff):
		}
	}
	return nil, fmt.Errorf("failed to obtain HARP token: %w", lastErr)
}

func (c *Client) requestToken(ctx context.Context) (*Token, error) {
	data, err := json.Marshal(tokenRequest{Scope: c.cfg.TokenScope})
	if err != nil {
		return nil, err
	}
	uri := c.composeURL(c.cfg.TokenURI)
	rq, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	rq.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	rq.Header.Set("Content-Type", "application/json")

	var tok Token
	if err := c.do(c.httpClient, rq, &tok); err != nil {
		return nil, err
	}
	if tok.AccessToken == "" {
		return nil, errors.New("HARP token response has no access_token")
	}
	return &tok, nil
}

// FetchUserDetails looks up all harpIDs in one findUser call.
func (c *Client) FetchUserDetails(ctx context.Context, harpIDs []string, token *Token) (*UserDetailsResponse, error) {
	body := UserDetailsRequest{
		ProgramName: c.cfg.ProgramName,
		Attributes:  map[string][]string{"username": harpIDs},
		Details:     "all",
		Offset:      0,
		Max:         len(harpIDs),
	}
	rq, err := c.newJSONRequest(ctx, c.composeURL(c.cfg.UserFindURI, "findUser"), body)
	if err != nil {
		return nil, err
	}
	var resp UserDetailsResponse
	if err := c.do(c.bearerClient(ctx, token), rq, &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch user details: %w", err)
	}
	return &resp, nil
}

// FetchUserRoles loads the role assignments of one user.
func (c *Client) FetchUserRoles(ctx context.Context, harpID string, token *Token) (RolesOutcome, error) {
	body := UserRolesRequest{
		UserName:    harpID,
		AdoName:     c.cfg.AdoName,
		ProgramName: c.cfg.ProgramName,
	}
	rq, err := c.newJSONRequest(ctx, c.composeURL(c.cfg.UserRolesURI, "getUserRoles"), body)
	if err != nil {
		return nil, err
	}
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	rs, err := c.bearerClient(ctx, token).Do(rq)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch roles for %s: %w", harpID, err)
	}
	defer func() {
		_ = rs.Body.Close()
	}()
	raw, err := io.ReadAll(rs.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read roles response for %s: %w", harpID, err)
	}

	if rs.StatusCode < 200 || rs.StatusCode >= 300 {
		out := RolesError{StatusCode: rs.StatusCode, Raw: string(raw)}
		var harpErr ErrorResponse
		if err := json.Unmarshal(raw, &harpErr); err != nil {
			slog.Error("unable to parse HARP error response while fetching roles",
				"harpId", harpID, "status", rs.StatusCode, "body", string(raw), "error", err)
			return out, nil
		}
		out.Code = harpErr.ErrorCode
		out.Summary = harpErr.ErrorSummary
		out.Message = harpErr.ErrorMessage
		return out, nil
	}

	var roles UserRolesResponse
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &roles); err != nil {
			return nil, fmt.Errorf("failed to decode roles response for %s: %w", harpID, err)
		}
	}
	return RolesSuccess{StatusCode: rs.StatusCode, Roles: roles.UserRoles}, nil
}

// bearerClient returns an http.Client that authorizes requests with token.
func (c *Client) bearerClient(ctx context.Context, token *Token) *http.Client {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	hc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(token.OAuth2()))
	hc.Timeout = c.httpClient.Timeout
	return hc
}

func (c *Client) newJSONRequest(ctx context.Context, uri string, body any) (*http.Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	rq, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	rq.Header.Set("Content-Type", "application/json")
	return rq, nil
}

// wait blocks until the rate limiter admits one more call.
func (c *Client) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("HARP rate limit wait: %w", err)
	}
	return nil
}

func (c *Client) do(hc *http.Client, rq *http.Request, out any) error {
	if err := c.wait(rq.Context()); err != nil {
		return err
	}
	rs, err := hc.Do(rq)
	if err != nil {
		return err
	}
	defer func() {
		_ = rs.Body.Close()
	}()
	body, err := io.ReadAll(rs.Body)
	if err != nil {
		return err
	}
	if rs.StatusCode < 200 || rs.StatusCode >= 300 {
		return &APIError{Method: rq.Method, URL: rq.URL.Path, StatusCode: rs.StatusCode, Body: string(body)}
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, out)
}

// composeURL joins the base URL with the given path segments. Absolute
// segments are used as-is.
func (c *Client) composeURL(paths ...string) string {
	if len(paths) > 0 && (strings.HasPrefix(paths[0], "http://") || strings.HasPrefix(paths[0], "https://")) {
		return joinPath(paths[0], paths[1:]...)
	}
	return joinPath(c.cfg.BaseURL, paths...)
}

func joinPath(base string, paths ...string) string {
	out := strings.TrimRight(base, "/")
	for _, p := range paths {
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		out += "/" + p
	}
	return out
}
