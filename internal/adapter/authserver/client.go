package authserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	domainoauth "github.com/smallbiznis/oz-auth/internal/domain/oauth"
)

// Client encapsulates the relying party's outbound calls to the authorization
// server. Failures and timeouts surface as ErrUpstream so the inbound request
// fails instead of hanging or silently succeeding.
type Client interface {
	ExchangeCode(ctx context.Context, code string) (*domainoauth.TokenResponse, error)
	FetchUserInfo(ctx context.Context, accessToken string) (*domainoauth.UserInfo, error)
}

// HTTPClient is the default HTTP implementation.
type HTTPClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	httpClient   *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient constructs the default Client.
func NewHTTPClient(baseURL, clientID, clientSecret string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		httpClient:   client,
	}
}

// ExchangeCode performs the token exchange against /oauth/token.
func (c *HTTPClient) ExchangeCode(ctx context.Context, code string) (*domainoauth.TokenResponse, error) {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("client_id", c.clientID)
	data.Set("client_secret", c.clientSecret)
	data.Set("code", code)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth/token", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: token exchange: %s", domainoauth.ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read token response: %s", domainoauth.ErrUpstream, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: token endpoint status=%d", domainoauth.ErrUpstream, resp.StatusCode)
	}

	var token domainoauth.TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, fmt.Errorf("%w: decode token response: %s", domainoauth.ErrUpstream, err)
	}
	if strings.TrimSpace(token.AccessToken) == "" {
		return nil, fmt.Errorf("%w: empty access token", domainoauth.ErrUpstream)
	}
	return &token, nil
}

// FetchUserInfo loads the identity bound to the access token.
func (c *HTTPClient) FetchUserInfo(ctx context.Context, accessToken string) (*domainoauth.UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/oauth/userinfo", nil)
	if err != nil {
		return nil, fmt.Errorf("build userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: userinfo: %s", domainoauth.ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read userinfo: %s", domainoauth.ErrUpstream, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: userinfo status=%d", domainoauth.ErrUpstream, resp.StatusCode)
	}

	var info domainoauth.UserInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("%w: decode userinfo: %s", domainoauth.ErrUpstream, err)
	}
	if strings.TrimSpace(info.ID) == "" {
		return nil, fmt.Errorf("%w: userinfo missing subject", domainoauth.ErrUpstream)
	}
	info.Raw = json.RawMessage(body)
	return &info, nil
}
