package password

import (
	"strings"
	"unicode"
)

// AllowedSymbols is the fixed set of symbols the institutional policy accepts.
const AllowedSymbols = "!@#$%^&*()-_=+[]{};:,.?"

// MinLength is the minimum password length the policy accepts.
const MinLength = 8

// Severity grades a validation outcome for UI consumption.
type Severity string

const (
	SeverityOK    Severity = "ok"
	SeverityError Severity = "error"
)

// Result is the single validation result shape shared by every entry point
// that checks a candidate password.
type Result struct {
	Valid    bool     `json:"valid"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func ok() Result {
	return Result{Valid: true, Message: "password accepted", Severity: SeverityOK}
}

func reject(message string) Result {
	return Result{Valid: false, Message: message, Severity: SeverityError}
}

// Validate checks a candidate password against the institutional policy:
// at least MinLength characters with one uppercase letter, one lowercase
// letter, one digit and one symbol from AllowedSymbols.
func Validate(candidate string) Result {
	if len([]rune(candidate)) < MinLength {
		return reject("password must be at least 8 characters long")
	}

	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range candidate {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case strings.ContainsRune(AllowedSymbols, r):
			hasSymbol = true
		}
	}

	switch {
	case !hasUpper:
		return reject("password must contain at least one uppercase letter")
	case !hasLower:
		return reject("password must contain at least one lowercase letter")
	case !hasDigit:
		return reject("password must contain at least one digit")
	case !hasSymbol:
		return reject("password must contain at least one symbol from " + AllowedSymbols)
	}

	return ok()
}
