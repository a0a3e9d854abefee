// Package provider defines the interface for email delivery backends and
// the classified error type shared by all of them.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shineum/graph-relay/internal/email"
)

// Provider is the interface that email delivery backends must implement.
// Each provider hands a normalized message to the target service
// (Microsoft Graph, AWS SES, stdout for development).
type Provider interface {
	// Send delivers a message through this provider. A nil return means
	// the message was accepted by the backend. Failures should be
	// returned as a *DeliveryError so the session can choose between a
	// temporary and a permanent SMTP reply; any other error is treated
	// as transient.
	Send(ctx context.Context, msg *email.Message) error

	// Name returns the human-readable name of this provider.
	Name() string
}

// DeliveryError is a classified delivery failure. Permanent failures map to
// 5xx SMTP replies (the client must not retry the same message); everything
// else maps to a 4xx reply (the client is expected to retry later).
type DeliveryError struct {
	// StatusCode is the backend HTTP status, or 0 for network-level failures.
	StatusCode int

	// Message is the backend's error description.
	Message string

	// Permanent marks failures that will not succeed on retry.
	Permanent bool

	// Auth marks failures of the relay's own credential (rejected token).
	Auth bool

	// RetryAfter is the backend's requested backoff, when it sent one.
	RetryAfter time.Duration
}

func (e *DeliveryError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("delivery failed: %s", e.Message)
	}
	return fmt.Sprintf("delivery failed (HTTP %d): %s", e.StatusCode, e.Message)
}

// IsPermanent reports whether err is classified as a permanent delivery
// failure. Unclassified errors count as transient.
func IsPermanent(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Permanent
}

// IsAuth reports whether err is an authentication failure of the relay's
// own credential against the backend.
func IsAuth(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Auth
}
