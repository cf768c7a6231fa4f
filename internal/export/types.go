// Package export renders a cart into downloadable artifacts (portable cart
// JSON, ATT&CK Navigator layers, HTML reports) and stores them in a sink.
package export

import (
	"errors"
	"fmt"
	"strings"

	"decider/api/internal/cart"
)

// Kind names an artifact type.
type Kind string

const (
	KindCart      Kind = "cart"
	KindNavigator Kind = "navigator"
	KindReport    Kind = "report"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case KindCart, KindNavigator, KindReport:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
}

// Artifact is a rendered export ready to hand to a client or a sink.
type Artifact struct {
	Kind     Kind
	Data     []byte
	Filename string
	MimeType string
}

var (
	// ErrUnknownKind is returned for an export kind that is not supported.
	ErrUnknownKind = errors.New("unknown export kind")
	// ErrSortFailed wraps failures of the collaborator that orders report entries.
	ErrSortFailed = errors.New("could not ask server for help ordering / validating entries")
	// ErrNoSink is returned when an artifact is stored without a configured sink.
	ErrNoSink = errors.New("no export sink configured")
)

// filename builds "<Prefix>_<title>_<version>.<ext>" with the title reduced
// to characters that are safe in paths and object keys.
func filename(prefix string, c cart.Cart, ext string) string {
	return fmt.Sprintf("%s_%s_%s.%s", prefix, sanitize(c.Title, cart.DefaultTitle), sanitize(c.Version, "unversioned"), ext)
}

func sanitize(s, fallback string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('-')
		case r == '-', r == '_', r == '.':
			b.WriteRune(r)
		}
	}
	result := strings.Trim(b.String(), ".")
	if len(result) > 50 {
		result = result[:50]
	}
	if result == "" {
		return fallback
	}
	return result
}

func requireEntries(c cart.Cart, what string) error {
	if c.Empty() {
		return fmt.Errorf("%w: you need at least 1 entry in order to export the cart to %s", cart.ErrEmptyCart, what)
	}
	return nil
}
