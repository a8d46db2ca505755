package services

import (
	"context"
	"net/mail"
	"strings"
)

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

// normalizeEmail lowercases and trims an address for lookups and rate keys.
func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// validEmail reports whether the address is syntactically well formed.
func validEmail(email string) bool {
	if email == "" {
		return false
	}
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email
}

// emailDomain returns the part after the final @, already lowercased by
// normalizeEmail.
func emailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return ""
	}
	return email[at+1:]
}

// normalizeAnswer canonicalises a security answer before hashing or
// comparison: surrounding whitespace is dropped, runs of inner whitespace
// collapse to one space, and the result is case-folded.
func normalizeAnswer(answer string) string {
	return strings.ToLower(strings.Join(strings.Fields(answer), " "))
}

// RequestMetadata carries client context for audit records.
type RequestMetadata struct {
	IPAddress string
	UserAgent string
}
