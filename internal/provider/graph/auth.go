package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// defaultRefreshMargin is how long before actual expiry a token is treated
// as expired, so a token never runs out mid-request.
const defaultRefreshMargin = 60 * time.Second

// tokenManager acquires and caches OAuth2 client-credentials tokens for the
// Graph API. The cached token is the only state shared across sessions;
// reads are mutex-guarded and concurrent refreshes collapse into a single
// token-endpoint request via singleflight, whose result every waiter shares.
type tokenManager struct {
	tokenURL     string
	clientID     string
	clientSecret string
	scope        string
	margin       time.Duration
	httpClient   *http.Client

	group singleflight.Group

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// tokenResponse is the OAuth2 token endpoint response body.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

func newTokenManager(tokenURL, clientID, clientSecret, scope string, margin time.Duration, httpClient *http.Client) *tokenManager {
	if margin <= 0 {
		margin = defaultRefreshMargin
	}
	return &tokenManager{
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		scope:        scope,
		margin:       margin,
		httpClient:   httpClient,
	}
}

// Token returns a valid access token, refreshing it when the cached one is
// within the safety margin of expiry. Safe for concurrent use; during a
// refresh all callers wait on the same in-flight request.
func (tm *tokenManager) Token(ctx context.Context) (string, error) {
	tm.mu.Lock()
	if tm.token != "" && time.Until(tm.expiresAt) > tm.margin {
		token := tm.token
		tm.mu.Unlock()
		return token, nil
	}
	tm.mu.Unlock()

	v, err, _ := tm.group.Do("token", func() (interface{}, error) {
		return tm.refresh(ctx)
	})
	if err != nil {
		// A refresh failure does not discard a token that is close to
		// expiry but still valid; pending requests may ride it out.
		tm.mu.Lock()
		defer tm.mu.Unlock()
		if tm.token != "" && time.Now().Before(tm.expiresAt) {
			slog.Warn("token refresh failed, reusing unexpired token",
				"expires_in", time.Until(tm.expiresAt).Round(time.Second),
				"error", err,
			)
			return tm.token, nil
		}
		return "", err
	}
	return v.(string), nil
}

// Invalidate discards the cached token if it is still the one the caller
// used. A token already replaced by a newer refresh is left alone.
func (tm *tokenManager) Invalidate(token string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	if tm.token == token {
		tm.token = ""
		tm.expiresAt = time.Time{}
	}
}

// refresh performs a client-credentials grant against the token endpoint
// and replaces the cached token on success.
func (tm *tokenManager) refresh(ctx context.Context) (string, error) {
	data := url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {tm.clientID},
		"client_secret": {tm.clientSecret},
		"scope":         {tm.scope},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tm.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := tm.httpClient.Do(req)
	if err != nil {
		slog.Error("token request failed", "error", err)
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		slog.Error("token endpoint rejected request",
			"status", resp.StatusCode,
		)
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("token response missing access_token")
	}

	expiresAt := time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second)

	tm.mu.Lock()
	tm.token = tr.AccessToken
	tm.expiresAt = expiresAt
	tm.mu.Unlock()

	slog.Info("access token refreshed",
		"expires_in", time.Duration(tr.ExpiresIn)*time.Second,
	)

	return tr.AccessToken, nil
}
