package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

// ResetSecretBytes is the entropy of a recovery secret. The hex encoding of
// 32 random bytes yields the 64-character lowercase token the reset links and
// verification responses carry.
const ResetSecretBytes = 32

// HashPassword returns a bcrypt hash of the supplied password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPassword compares a bcrypt hash with the plaintext candidate.
func VerifyPassword(hashedPassword, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashedPassword), []byte(password)) == nil
}

// HashAnswer hashes a normalised security-question answer. Answers use the
// same cost profile as passwords; they are never stored in plaintext.
func HashAnswer(answer string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(answer), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyAnswer compares a stored answer hash with a normalised candidate.
// bcrypt's comparison does not short-circuit on mismatched prefixes.
func VerifyAnswer(answerHash, answer string) bool {
	return bcrypt.CompareHashAndPassword([]byte(answerHash), []byte(answer)) == nil
}

// GenerateResetSecret returns a fresh random recovery secret as lowercase hex.
func GenerateResetSecret() (string, error) {
	buf := make([]byte, ResetSecretBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}

// HashSecret derives the storage form of a recovery secret. Only this digest
// is persisted; the raw secret exists in the email link or verify response.
func HashSecret(secret string) string {
	digest := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(digest[:])
}

// GenerateToken returns a random URL-safe token of the requested byte length.
// Session refresh tokens use this form; recovery secrets use the hex form.
func GenerateToken(length int) (string, error) {
	buffer := make([]byte, length)
	if _, err := rand.Read(buffer); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}
