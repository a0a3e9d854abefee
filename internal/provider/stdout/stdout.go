// Package stdout implements a Provider that prints messages to standard
// output instead of delivering them. Useful for development and smoke tests.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shineum/graph-relay/internal/email"
)

// Provider prints messages to stdout in a human-readable format.
type Provider struct {
	writer io.Writer
}

// New creates a stdout Provider that writes to os.Stdout.
func New() *Provider {
	return &Provider{writer: os.Stdout}
}

// NewWithWriter creates a stdout Provider that writes to the given writer.
// This is useful for testing.
func NewWithWriter(w io.Writer) *Provider {
	return &Provider{writer: w}
}

// Send prints the envelope and raw message. It always succeeds.
func (p *Provider) Send(_ context.Context, msg *email.Message) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "Envelope-From: %s\n", msg.From)
	fmt.Fprintf(&b, "Envelope-To: %s\n", strings.Join(msg.To, ", "))
	fmt.Fprintf(&b, "Size: %s\n", formatSize(msg.Size))
	b.WriteString("----------------------------------------\n")
	b.Write(msg.Raw)
	if len(msg.Raw) > 0 && msg.Raw[len(msg.Raw)-1] != '\n' {
		b.WriteByte('\n')
	}
	b.WriteString("========================================\n")

	fmt.Fprint(p.writer, b.String())
	return nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int64) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
