package email

import (
	"fmt"
	"net/mail"
)

// Normalize validates a completed envelope and produces an immutable Message.
//
// It checks that a sender is present and syntactically valid, that at least
// one recipient exists and every recipient is syntactically valid, and that
// the body does not exceed maxSize. The size check duplicates the streaming
// check performed during DATA as a final guard before delivery.
//
// Normalize takes ownership of env.Raw; the caller must not reuse the slice.
// The recipient list is copied so later envelope resets cannot alias it.
func Normalize(env *Envelope, maxSize int64) (*Message, error) {
	if env.From == "" {
		return nil, ErrNoSender
	}
	if _, err := mail.ParseAddress(env.From); err != nil {
		return nil, fmt.Errorf("email: invalid sender %q: %w", env.From, err)
	}

	if len(env.To) == 0 {
		return nil, ErrNoRecipients
	}
	to := make([]string, len(env.To))
	for i, addr := range env.To {
		if _, err := mail.ParseAddress(addr); err != nil {
			return nil, fmt.Errorf("email: invalid recipient %q: %w", addr, err)
		}
		to[i] = addr
	}

	size := int64(len(env.Raw))
	if maxSize > 0 && size > maxSize {
		return nil, ErrMessageTooLarge
	}

	return &Message{
		From: env.From,
		To:   to,
		Raw:  env.Raw,
		Size: size,
	}, nil
}
