package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	minTokenLength      = 16
	generatedTokenBytes = 32
)

// ValidateToken checks minimal admin token requirements.
func ValidateToken(token string) error {
	if len(strings.TrimSpace(token)) < minTokenLength {
		return fmt.Errorf("token must be at least %d characters", minTokenLength)
	}
	return nil
}

// HashToken hashes one plaintext admin token for storage in config.
func HashToken(token string) (string, error) {
	if err := ValidateToken(token); err != nil {
		return "", err
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// VerifyToken verifies a plaintext token against a bcrypt hash.
func VerifyToken(tokenHash, candidate string) bool {
	if strings.TrimSpace(tokenHash) == "" || candidate == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(tokenHash), []byte(candidate)) == nil
}

// GenerateToken returns a random URL-safe token.
func GenerateToken() (string, error) {
	buf := make([]byte, generatedTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
