// Package parser provides SMTP command-line parsing: verb splitting,
// reverse/forward path extraction, and MAIL FROM parameter handling.
package parser

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrSyntax indicates a malformed command argument.
var ErrSyntax = errors.New("parser: syntax error")

// Command splits an SMTP command line into its upper-cased verb and the
// remainder of the line. The verb for "MAIL FROM:<a@b>" is "MAIL".
func Command(line string) (verb, arg string) {
	parts := strings.SplitN(line, " ", 2)
	verb = strings.ToUpper(parts[0])
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}
	return verb, arg
}

// MailFrom parses the argument of a MAIL command: "FROM:<addr> [params]".
// It returns the reverse-path address and the declared SIZE parameter
// (0 when absent). Unknown ESMTP parameters are ignored.
func MailFrom(arg string) (addr string, size int64, err error) {
	rest, ok := cutPrefixFold(arg, "FROM:")
	if !ok {
		return "", 0, fmt.Errorf("%w: expected FROM:<address>", ErrSyntax)
	}

	addr, params, err := splitPath(rest)
	if err != nil {
		return "", 0, err
	}

	for _, p := range params {
		key, value, _ := strings.Cut(p, "=")
		if strings.EqualFold(key, "SIZE") {
			size, err = strconv.ParseInt(value, 10, 64)
			if err != nil || size < 0 {
				return "", 0, fmt.Errorf("%w: bad SIZE parameter %q", ErrSyntax, value)
			}
		}
	}

	return addr, size, nil
}

// RcptTo parses the argument of a RCPT command: "TO:<addr>".
func RcptTo(arg string) (string, error) {
	rest, ok := cutPrefixFold(arg, "TO:")
	if !ok {
		return "", fmt.Errorf("%w: expected TO:<address>", ErrSyntax)
	}

	addr, _, err := splitPath(rest)
	if err != nil {
		return "", err
	}
	if addr == "" {
		return "", fmt.Errorf("%w: empty forward-path", ErrSyntax)
	}
	return addr, nil
}

// splitPath extracts an address from an SMTP path, accepting both the
// angle-bracket form "<user@example.com> PARAM=x" and a bare address.
// Trailing ESMTP parameters are returned separately.
func splitPath(s string) (addr string, params []string, err error) {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "<") {
		end := strings.Index(s, ">")
		if end < 0 {
			return "", nil, fmt.Errorf("%w: unterminated angle bracket", ErrSyntax)
		}
		addr = s[1:end]
		rest := strings.TrimSpace(s[end+1:])
		if rest != "" {
			params = strings.Fields(rest)
		}
		return addr, params, nil
	}

	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("%w: empty path", ErrSyntax)
	}
	return fields[0], fields[1:], nil
}

// cutPrefixFold is strings.CutPrefix with ASCII case folding on the prefix.
func cutPrefixFold(s, prefix string) (string, bool) {
	if len(s) < len(prefix) || !strings.EqualFold(s[:len(prefix)], prefix) {
		return s, false
	}
	return s[len(prefix):], true
}
