// Package graph implements a Provider that relays messages to the Microsoft
// Graph sendMail endpoint, authenticating with OAuth2 client credentials.
package graph

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/shineum/graph-relay/internal/email"
	"github.com/shineum/graph-relay/internal/provider"
)

// Default endpoints for the public Microsoft cloud. Both are configurable
// so tests and sovereign-cloud tenants can point elsewhere.
const (
	defaultEndpoint = "https://graph.microsoft.com/v1.0"
	defaultScope    = "https://graph.microsoft.com/.default"
)

// Config holds the settings for creating a Graph provider.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// Sender is the mailbox the relay sends as; every accepted message is
	// dispatched through this mailbox regardless of its MAIL FROM.
	Sender string

	// Endpoint overrides the Graph API base URL (default public cloud).
	Endpoint string

	// TokenEndpoint overrides the OAuth2 token URL (default derived from
	// TenantID against login.microsoftonline.com).
	TokenEndpoint string

	// Scope overrides the OAuth2 scope (default Graph .default).
	Scope string

	// Timeout bounds a single sendMail HTTP call.
	Timeout time.Duration

	// TokenTimeout bounds a single token-endpoint call.
	TokenTimeout time.Duration

	// RefreshMargin is how long before expiry a token is refreshed.
	RefreshMargin time.Duration
}

// Provider sends messages via the Graph API sendMail endpoint. The raw MIME
// message is passed through base64-encoded, so headers and body reach the
// recipient exactly as the submitting client wrote them.
type Provider struct {
	sender     string
	sendURL    string
	httpClient *http.Client
	tokens     *tokenManager
}

// graphErrorResponse is the error body the Graph API returns on failure.
type graphErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// New creates a Graph provider from the given configuration.
func New(cfg Config) *Provider {
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultEndpoint
	}
	if cfg.TokenEndpoint == "" {
		cfg.TokenEndpoint = fmt.Sprintf(
			"https://login.microsoftonline.com/%s/oauth2/v2.0/token",
			cfg.TenantID,
		)
	}
	if cfg.Scope == "" {
		cfg.Scope = defaultScope
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.TokenTimeout <= 0 {
		cfg.TokenTimeout = 15 * time.Second
	}

	// The token endpoint has its own client and timeout.
	sendClient := &http.Client{Timeout: cfg.Timeout}
	tokenClient := &http.Client{Timeout: cfg.TokenTimeout}

	return &Provider{
		sender:     cfg.Sender,
		sendURL:    fmt.Sprintf("%s/users/%s/sendMail", cfg.Endpoint, cfg.Sender),
		httpClient: sendClient,
		tokens:     newTokenManager(cfg.TokenEndpoint, cfg.ClientID, cfg.ClientSecret, cfg.Scope, cfg.RefreshMargin, tokenClient),
	}
}

// Send posts the message to the sendMail endpoint. A 401 or 403 invalidates
// the cached token and retries exactly once with a fresh one inside the same
// call; a second rejection is surfaced as a transient auth failure. A 429
// whose Retry-After fits inside the context deadline is waited out and
// retried once; otherwise it is surfaced immediately. 5xx responses and
// network errors are transient without any internal retry; remaining 4xx
// responses are permanent. Either way the submitting SMTP client is told to
// try again later for anything transient.
func (p *Provider) Send(ctx context.Context, msg *email.Message) error {
	encoded := base64.StdEncoding.EncodeToString(msg.Raw)

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		token, err := p.tokens.Token(ctx)
		if err != nil {
			return &provider.DeliveryError{
				Message: fmt.Sprintf("failed to get access token: %v", err),
				Auth:    true,
			}
		}

		err = p.post(ctx, token, encoded)
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt > 0 {
			break
		}

		if provider.IsAuth(err) {
			// The backend rejected a token we believed valid. Discard
			// it and make one more attempt with a fresh token.
			slog.Info("token rejected by Graph API, refreshing and retrying")
			p.tokens.Invalidate(token)
			continue
		}

		var de *provider.DeliveryError
		if errors.As(err, &de) && de.RetryAfter > 0 {
			if !waitRetryAfter(ctx, de.RetryAfter) {
				return err
			}
			slog.Info("rate limited by Graph API, retried after backoff",
				"retry_after", de.RetryAfter,
			)
			continue
		}

		return err
	}
	return lastErr
}

// waitRetryAfter sleeps for the backend's requested backoff. It reports
// false when the wait does not fit inside the context deadline or the
// context is cancelled first.
func waitRetryAfter(ctx context.Context, d time.Duration) bool {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= d {
		return false
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "msgraph"
}

// post performs one sendMail request. The Graph API accepts a raw RFC 5322
// message as a base64 text/plain body; 202 Accepted is the success reply.
func (p *Provider) post(ctx context.Context, token, encoded string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.sendURL, bytes.NewBufferString(encoded))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return &provider.DeliveryError{
			Message: fmt.Sprintf("HTTP request failed: %v", err),
		}
	}
	defer resp.Body.Close()

	// The documented success reply is 202 Accepted, but any 2xx counts.
	if resp.StatusCode/100 == 2 {
		return nil
	}

	body, _ := io.ReadAll(resp.Body)
	message := string(body)
	var ger graphErrorResponse
	if jsonErr := json.Unmarshal(body, &ger); jsonErr == nil && ger.Error.Message != "" {
		message = ger.Error.Code + ": " + ger.Error.Message
	}

	return classify(resp.StatusCode, message, resp.Header.Get("Retry-After"))
}

// classify maps a Graph HTTP status to a DeliveryError.
func classify(statusCode int, message, retryAfter string) *provider.DeliveryError {
	de := &provider.DeliveryError{
		StatusCode: statusCode,
		Message:    message,
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		// Graph returns 403 both for a revoked role and for a token
		// issued before Mail.Send was granted, so 403 gets the same
		// invalidate-and-retry treatment as 401.
		de.Auth = true
	case statusCode == http.StatusTooManyRequests:
		if seconds, err := strconv.Atoi(retryAfter); err == nil && seconds > 0 {
			de.RetryAfter = time.Duration(seconds) * time.Second
		}
	case statusCode >= 500:
		// transient
	default:
		de.Permanent = true
	}

	return de
}
