package sheets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultAuthBase = "https://accounts.google.com/o/oauth2/auth"
	defaultTokenURL = "https://oauth2.googleapis.com/token"

	oauthScopes = "https://www.googleapis.com/auth/spreadsheets https://www.googleapis.com/auth/userinfo.email openid https://www.googleapis.com/auth/userinfo.profile"
)

// OAuthClient drives the Google OAuth code flow for the Sheets mirror.
type OAuthClient struct {
	log          *slog.Logger
	clientID     string
	clientSecret string
	authBase     string
	tokenURL     string
	httpClient   *http.Client
}

func NewOAuthClient(log *slog.Logger, clientID, clientSecret string) *OAuthClient {
	return &OAuthClient{
		log:          log,
		clientID:     clientID,
		clientSecret: clientSecret,
		authBase:     defaultAuthBase,
		tokenURL:     defaultTokenURL,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
	}
}

// Configured reports whether OAuth credentials are available at all.
func (c *OAuthClient) Configured() bool {
	return c.clientID != "" && c.clientSecret != ""
}

// AuthorizationURL builds the consent URL. State carries the nonce that the
// callback handler validates against Redis.
func (c *OAuthClient) AuthorizationURL(state, redirectURI string) string {
	q := url.Values{}
	q.Set("client_id", c.clientID)
	q.Set("redirect_uri", redirectURI)
	q.Set("response_type", "code")
	q.Set("scope", oauthScopes)
	q.Set("access_type", "offline")
	q.Set("include_granted_scopes", "true")
	q.Set("prompt", "consent")
	q.Set("state", state)
	return c.authBase + "?" + q.Encode()
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// ExchangeCode trades the authorization code for an access/refresh token pair.
func (c *OAuthClient) ExchangeCode(ctx context.Context, code, redirectURI string) (accessToken, refreshToken string, err error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", redirectURI)

	tok, err := c.tokenCall(ctx, form)
	if err != nil {
		return "", "", err
	}
	if tok.AccessToken == "" {
		return "", "", fmt.Errorf("token exchange returned no access token")
	}
	if tok.RefreshToken == "" {
		return "", "", fmt.Errorf("token exchange returned no refresh token")
	}
	return tok.AccessToken, tok.RefreshToken, nil
}

// RefreshAccessToken obtains a fresh access token. Google may rotate the
// refresh token as well; callers must persist a non-empty newRefresh.
func (c *OAuthClient) RefreshAccessToken(ctx context.Context, refreshToken string) (newAccess, newRefresh string, err error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	tok, err := c.tokenCall(ctx, form)
	if err != nil {
		return "", "", err
	}
	if tok.AccessToken == "" {
		return "", "", fmt.Errorf("%w: refresh returned no access token", ErrAuthExpired)
	}
	return tok.AccessToken, tok.RefreshToken, nil
}

func (c *OAuthClient) tokenCall(ctx context.Context, form url.Values) (*tokenResponse, error) {
	if !c.Configured() {
		return nil, fmt.Errorf("google oauth credentials not configured")
	}
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("token endpoint: decode: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		// invalid_grant means the refresh token was revoked or expired and
		// the user has to relink their account
		if tok.Error == "invalid_grant" {
			return nil, fmt.Errorf("%w: %s", ErrAuthExpired, tok.ErrorDesc)
		}
		c.log.Warn("oauth_token_call_failed", "status", resp.StatusCode, "oauth_error", tok.Error)
		return nil, fmt.Errorf("token endpoint: status %d: %s", resp.StatusCode, tok.Error)
	}
	return &tok, nil
}
