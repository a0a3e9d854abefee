package email

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestNormalize_ValidEnvelope(t *testing.T) {
	t.Parallel()

	raw := []byte("Subject: hi\r\n\r\nbody\r\n")
	env := &Envelope{
		From: "sender@example.com",
		To:   []string{"alice@example.com", "bob@example.com"},
		Raw:  raw,
	}

	msg, err := Normalize(env, 1024)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if msg.From != "sender@example.com" {
		t.Errorf("From: got %q", msg.From)
	}
	if len(msg.To) != 2 {
		t.Fatalf("recipient count: got %d, want 2", len(msg.To))
	}
	if !bytes.Equal(msg.Raw, raw) {
		t.Error("raw bytes were altered")
	}
	if msg.Size != int64(len(raw)) {
		t.Errorf("Size: got %d, want %d", msg.Size, len(raw))
	}
}

func TestNormalize_RecipientListIsCopied(t *testing.T) {
	t.Parallel()

	env := &Envelope{
		From: "sender@example.com",
		To:   []string{"alice@example.com"},
		Raw:  []byte("x"),
	}

	msg, err := Normalize(env, 1024)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	env.Reset()
	if len(msg.To) != 1 || msg.To[0] != "alice@example.com" {
		t.Errorf("message recipients aliased the envelope: %v", msg.To)
	}
}

func TestNormalize_MissingSender(t *testing.T) {
	t.Parallel()

	env := &Envelope{To: []string{"alice@example.com"}, Raw: []byte("x")}
	if _, err := Normalize(env, 1024); !errors.Is(err, ErrNoSender) {
		t.Errorf("got %v, want ErrNoSender", err)
	}
}

func TestNormalize_MissingRecipients(t *testing.T) {
	t.Parallel()

	env := &Envelope{From: "sender@example.com", Raw: []byte("x")}
	if _, err := Normalize(env, 1024); !errors.Is(err, ErrNoRecipients) {
		t.Errorf("got %v, want ErrNoRecipients", err)
	}
}

func TestNormalize_InvalidAddresses(t *testing.T) {
	t.Parallel()

	env := &Envelope{
		From: "not an address",
		To:   []string{"alice@example.com"},
		Raw:  []byte("x"),
	}
	if _, err := Normalize(env, 1024); err == nil {
		t.Error("invalid sender accepted")
	}

	env = &Envelope{
		From: "sender@example.com",
		To:   []string{"alice@example.com", "bogus"},
		Raw:  []byte("x"),
	}
	if _, err := Normalize(env, 1024); err == nil {
		t.Error("invalid recipient accepted")
	}
}

func TestNormalize_SizeLimit(t *testing.T) {
	t.Parallel()

	body := strings.Repeat("a", 100)
	env := &Envelope{
		From: "sender@example.com",
		To:   []string{"alice@example.com"},
		Raw:  []byte(body),
	}

	// Exactly at the limit is accepted
	if _, err := Normalize(env, 100); err != nil {
		t.Errorf("message at the limit rejected: %v", err)
	}

	// One byte over is rejected
	env.Raw = []byte(body + "a")
	if _, err := Normalize(env, 100); !errors.Is(err, ErrMessageTooLarge) {
		t.Errorf("got %v, want ErrMessageTooLarge", err)
	}
}
