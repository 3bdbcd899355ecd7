// Package namespace derives per-tenant collection keys from user identifiers.
//
// The mapping is deterministic, injective, and reversible: distinct user IDs
// always produce distinct namespaces, and a namespace can be decoded back to
// the user ID it came from. A character substitution scheme is used instead
// of hashing so operators can read tenant identity straight out of backend
// collection listings.
package namespace

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Prefix is prepended to every derived namespace.
const Prefix = "user_"

// maxLength bounds the derived namespace, matching the primary backend's
// collection name limit.
const maxLength = 255

// namespacePattern validates derived names: lowercase alphanumeric and
// underscores only.
var namespacePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// Namespace errors.
var (
	// ErrEmptyUserID is returned when the user identifier is empty.
	ErrEmptyUserID = errors.New("user id cannot be empty")

	// ErrNamespaceTooLong is returned when the encoded namespace exceeds the
	// backend collection name limit.
	ErrNamespaceTooLong = errors.New("derived namespace exceeds length limit")

	// ErrInvalidNamespace is returned when decoding a string that is not a
	// namespace produced by this package.
	ErrInvalidNamespace = errors.New("invalid namespace")
)

// For derives the namespace for a user identifier.
//
// Encoding rules, applied per byte:
//   - 'a'..'z' and '0'..'9' pass through unchanged
//   - '_' becomes "__"
//   - anything else (uppercase, '-', '@', '.', multibyte, ...) becomes "_xHH"
//     with HH the lowercase hex value of the byte
//
// The escape prefix "_x" cannot be produced by a passthrough byte followed by
// an escaped underscore, so the encoding is injective.
func For(userID string) (string, error) {
	if userID == "" {
		return "", ErrEmptyUserID
	}

	var b strings.Builder
	b.WriteString(Prefix)
	for i := 0; i < len(userID); i++ {
		c := userID[i]
		switch {
		case c >= 'a' && c <= 'z' || c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '_':
			b.WriteString("__")
		default:
			fmt.Fprintf(&b, "_x%02x", c)
		}
	}

	ns := b.String()
	if len(ns) > maxLength {
		return "", fmt.Errorf("%w: %d bytes for user id %q", ErrNamespaceTooLong, len(ns), userID)
	}
	return ns, nil
}

// UserID decodes a namespace produced by For back into the original user
// identifier. Used for diagnostics only; the engine never needs the inverse
// on a hot path.
func UserID(ns string) (string, error) {
	if err := Validate(ns); err != nil {
		return "", err
	}
	enc := strings.TrimPrefix(ns, Prefix)

	var b strings.Builder
	for i := 0; i < len(enc); i++ {
		c := enc[i]
		if c != '_' {
			b.WriteByte(c)
			continue
		}
		if i+1 < len(enc) && enc[i+1] == '_' {
			b.WriteByte('_')
			i++
			continue
		}
		if i+3 < len(enc) && enc[i+1] == 'x' {
			var v byte
			if _, err := fmt.Sscanf(enc[i+2:i+4], "%02x", &v); err != nil {
				return "", fmt.Errorf("%w: bad escape at offset %d", ErrInvalidNamespace, i)
			}
			b.WriteByte(v)
			i += 3
			continue
		}
		return "", fmt.Errorf("%w: dangling underscore at offset %d", ErrInvalidNamespace, i)
	}

	if b.Len() == 0 {
		return "", ErrInvalidNamespace
	}
	return b.String(), nil
}

// Validate checks that a string is a well-formed namespace: correct prefix,
// allowed character set, and within the backend length limit.
func Validate(ns string) error {
	if !strings.HasPrefix(ns, Prefix) || len(ns) == len(Prefix) {
		return fmt.Errorf("%w: %q", ErrInvalidNamespace, ns)
	}
	if len(ns) > maxLength {
		return fmt.Errorf("%w: %q", ErrNamespaceTooLong, ns)
	}
	if !namespacePattern.MatchString(ns) {
		return fmt.Errorf("%w: %q", ErrInvalidNamespace, ns)
	}
	return nil
}
