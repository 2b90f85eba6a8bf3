package crypto

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

const (
	passwordSaltLen = 16
	passwordKeyLen  = 64
	scryptN         = 1 << 15
	scryptR         = 8
	scryptP         = 1
)

// HashPassword derives a scrypt hash in "salt$hash" base64 form
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	salt := make([]byte, passwordSaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	derived, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, passwordKeyLen)
	if err != nil {
		return "", fmt.Errorf("derive password hash: %w", err)
	}
	return base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(derived), nil
}

// VerifyPassword checks password against an encoded hash in constant time
func VerifyPassword(password, encoded string) bool {
	saltPart, hashPart, ok := strings.Cut(encoded, "$")
	if !ok {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(saltPart)
	if err != nil {
		return false
	}
	expected, err := base64.StdEncoding.DecodeString(hashPart)
	if err != nil {
		return false
	}
	derived, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, len(expected))
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(derived, expected) == 1
}
