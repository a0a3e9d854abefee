package graph

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shineum/graph-relay/internal/email"
	"github.com/shineum/graph-relay/internal/provider"
)

func testMessage() *email.Message {
	raw := []byte("From: a@example.com\r\nTo: b@example.com\r\nSubject: hi\r\n\r\nbody\r\n")
	return &email.Message{
		From: "a@example.com",
		To:   []string{"b@example.com"},
		Raw:  raw,
		Size: int64(len(raw)),
	}
}

// newTestProvider builds a Provider pointed at httptest token and sendMail
// servers.
func newTestProvider(graphURL, tokenURL string, client *http.Client) *Provider {
	return &Provider{
		sender:     "relay@example.com",
		sendURL:    graphURL,
		httpClient: client,
		tokens: newTokenManager(tokenURL, "client", "secret",
			"https://graph.microsoft.com/.default", time.Minute, client),
	}
}

// staticTokenServer always issues the named token.
func staticTokenServer(tokenCalls *atomic.Int32, token string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: token, ExpiresIn: 3600})
	}))
}

func TestSend_Success(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	tokenSrv := staticTokenServer(&tokenCalls, "tok-1")
	defer tokenSrv.Close()

	msg := testMessage()
	var sendCalls atomic.Int32
	graphSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendCalls.Add(1)

		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization: got %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "text/plain" {
			t.Errorf("Content-Type: got %q", got)
		}

		body, _ := io.ReadAll(r.Body)
		decoded, err := base64.StdEncoding.DecodeString(string(body))
		if err != nil {
			t.Errorf("body is not base64: %v", err)
		} else if string(decoded) != string(msg.Raw) {
			t.Errorf("decoded body differs from raw message")
		}

		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphSrv.Close()

	p := newTestProvider(graphSrv.URL, tokenSrv.URL, graphSrv.Client())

	if err := p.Send(context.Background(), msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sendCalls.Load() != 1 {
		t.Errorf("send calls: got %d, want 1", sendCalls.Load())
	}
}

func TestSend_UnauthorizedThenSuccess(t *testing.T) {
	t.Parallel()

	// The token server hands out tok-1 first, then tok-2.
	var tokenCalls atomic.Int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := tokenCalls.Add(1)
		token := "tok-1"
		if n > 1 {
			token = "tok-2"
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: token, ExpiresIn: 3600})
	}))
	defer tokenSrv.Close()

	// Graph rejects tok-1, accepts tok-2.
	var sendCalls atomic.Int32
	graphSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendCalls.Add(1)
		if r.Header.Get("Authorization") == "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]any{
				"error": map[string]string{"code": "InvalidAuthenticationToken", "message": "expired"},
			})
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphSrv.Close()

	p := newTestProvider(graphSrv.URL, tokenSrv.URL, graphSrv.Client())

	if err := p.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("expected success after token refresh, got: %v", err)
	}
	if sendCalls.Load() != 2 {
		t.Errorf("delivery attempts: got %d, want exactly 2", sendCalls.Load())
	}
	if tokenCalls.Load() != 2 {
		t.Errorf("token endpoint calls: got %d, want 2", tokenCalls.Load())
	}
}

func TestSend_UnauthorizedTwiceIsAuthFailure(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	tokenSrv := staticTokenServer(&tokenCalls, "tok-bad")
	defer tokenSrv.Close()

	var sendCalls atomic.Int32
	graphSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendCalls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer graphSrv.Close()

	p := newTestProvider(graphSrv.URL, tokenSrv.URL, graphSrv.Client())

	err := p.Send(context.Background(), testMessage())
	if err == nil {
		t.Fatal("expected error")
	}
	if !provider.IsAuth(err) {
		t.Errorf("error should be classified as auth failure: %v", err)
	}
	if provider.IsPermanent(err) {
		t.Errorf("second auth rejection must stay transient for the SMTP client: %v", err)
	}
	if sendCalls.Load() != 2 {
		t.Errorf("delivery attempts: got %d, want exactly 2 (one retry)", sendCalls.Load())
	}
}

func TestSend_ServerErrorIsTransient(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	tokenSrv := staticTokenServer(&tokenCalls, "tok-1")
	defer tokenSrv.Close()

	var sendCalls atomic.Int32
	graphSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendCalls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer graphSrv.Close()

	p := newTestProvider(graphSrv.URL, tokenSrv.URL, graphSrv.Client())

	err := p.Send(context.Background(), testMessage())
	if err == nil {
		t.Fatal("expected error")
	}
	if provider.IsPermanent(err) {
		t.Errorf("503 must be transient: %v", err)
	}
	if sendCalls.Load() != 1 {
		t.Errorf("delivery attempts: got %d, want 1 (no silent retry loop)", sendCalls.Load())
	}
}

func TestSend_BadRequestIsPermanent(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	tokenSrv := staticTokenServer(&tokenCalls, "tok-1")
	defer tokenSrv.Close()

	graphSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"code": "ErrorInvalidRecipients", "message": "bad recipient"},
		})
	}))
	defer graphSrv.Close()

	p := newTestProvider(graphSrv.URL, tokenSrv.URL, graphSrv.Client())

	err := p.Send(context.Background(), testMessage())
	if !provider.IsPermanent(err) {
		t.Errorf("400 must be permanent: %v", err)
	}

	var de *provider.DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("error is not a DeliveryError: %v", err)
	}
	if de.StatusCode != http.StatusBadRequest {
		t.Errorf("StatusCode: got %d", de.StatusCode)
	}
}

func TestSend_RateLimitedThenSuccessAfterBackoff(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	tokenSrv := staticTokenServer(&tokenCalls, "tok-1")
	defer tokenSrv.Close()

	// First attempt is throttled with a short Retry-After, second succeeds.
	var sendCalls atomic.Int32
	graphSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sendCalls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer graphSrv.Close()

	p := newTestProvider(graphSrv.URL, tokenSrv.URL, graphSrv.Client())

	if err := p.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("expected success after waiting out Retry-After, got: %v", err)
	}
	if sendCalls.Load() != 2 {
		t.Errorf("delivery attempts: got %d, want exactly 2", sendCalls.Load())
	}
}

func TestSend_RateLimitedTwiceIsTransient(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	tokenSrv := staticTokenServer(&tokenCalls, "tok-1")
	defer tokenSrv.Close()

	var sendCalls atomic.Int32
	graphSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendCalls.Add(1)
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer graphSrv.Close()

	p := newTestProvider(graphSrv.URL, tokenSrv.URL, graphSrv.Client())

	err := p.Send(context.Background(), testMessage())
	var de *provider.DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("error is not a DeliveryError: %v", err)
	}
	if de.Permanent {
		t.Error("429 must be transient")
	}
	if sendCalls.Load() != 2 {
		t.Errorf("delivery attempts: got %d, want exactly 2 (one backoff retry)", sendCalls.Load())
	}
}

func TestSend_RateLimitRespectsDeadline(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	tokenSrv := staticTokenServer(&tokenCalls, "tok-1")
	defer tokenSrv.Close()

	var sendCalls atomic.Int32
	graphSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendCalls.Add(1)
		w.Header().Set("Retry-After", "17")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer graphSrv.Close()

	p := newTestProvider(graphSrv.URL, tokenSrv.URL, graphSrv.Client())

	// Retry-After exceeds the remaining deadline: surface the 429 at once.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	err := p.Send(ctx, testMessage())
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Send waited %v with Retry-After beyond the deadline", elapsed)
	}

	var de *provider.DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("error is not a DeliveryError: %v", err)
	}
	if de.Permanent {
		t.Error("429 must be transient")
	}
	if de.RetryAfter != 17*time.Second {
		t.Errorf("RetryAfter: got %v, want 17s", de.RetryAfter)
	}
	if sendCalls.Load() != 1 {
		t.Errorf("delivery attempts: got %d, want 1", sendCalls.Load())
	}
}

func TestSend_AnyTwoHundredIsSuccess(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	tokenSrv := staticTokenServer(&tokenCalls, "tok-1")
	defer tokenSrv.Close()

	graphSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer graphSrv.Close()

	p := newTestProvider(graphSrv.URL, tokenSrv.URL, graphSrv.Client())

	if err := p.Send(context.Background(), testMessage()); err != nil {
		t.Fatalf("204 must count as delivered, got: %v", err)
	}
}

func TestSend_NetworkErrorIsTransient(t *testing.T) {
	t.Parallel()

	var tokenCalls atomic.Int32
	tokenSrv := staticTokenServer(&tokenCalls, "tok-1")
	defer tokenSrv.Close()

	// A closed server produces a connection error.
	graphSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	graphURL := graphSrv.URL
	graphSrv.Close()

	p := newTestProvider(graphURL, tokenSrv.URL, &http.Client{Timeout: time.Second})

	err := p.Send(context.Background(), testMessage())
	if err == nil {
		t.Fatal("expected error")
	}
	if provider.IsPermanent(err) {
		t.Errorf("network error must be transient: %v", err)
	}
}

func TestSend_TokenFailureIsAuthError(t *testing.T) {
	t.Parallel()

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
	}))
	defer tokenSrv.Close()

	var sendCalls atomic.Int32
	graphSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sendCalls.Add(1)
	}))
	defer graphSrv.Close()

	p := newTestProvider(graphSrv.URL, tokenSrv.URL, graphSrv.Client())

	err := p.Send(context.Background(), testMessage())
	if !provider.IsAuth(err) {
		t.Errorf("token acquisition failure should classify as auth: %v", err)
	}
	if sendCalls.Load() != 0 {
		t.Errorf("no delivery attempt should happen without a token, got %d", sendCalls.Load())
	}
}
