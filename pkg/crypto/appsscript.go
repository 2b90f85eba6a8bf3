package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	appsScriptTokenVersion = "v1"

	// Apps Script token TTL is bounded: at least a minute, five by default
	appsScriptMinTTL     = 60 * time.Second
	appsScriptDefaultTTL = 5 * time.Minute
)

// AppsScriptTokens issues purpose-scoped encrypted packages consumed by the
// Apps Script side. The shared key is HKDF-derived from the process secret;
// integrity is a deterministic HMAC over the package fields.
type AppsScriptTokens struct {
	encKey         []byte
	macKey         []byte
	ClockTolerance time.Duration
}

// NewAppsScriptTokens derives the encryption and MAC keys from secret
func NewAppsScriptTokens(secret []byte) (*AppsScriptTokens, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret cannot be empty")
	}
	encKey, err := hkdfExpand(secret, "camber-apps-script-enc")
	if err != nil {
		return nil, err
	}
	macKey, err := hkdfExpand(secret, "camber-apps-script-mac")
	if err != nil {
		return nil, err
	}
	return &AppsScriptTokens{encKey: encKey, macKey: macKey, ClockTolerance: 30 * time.Second}, nil
}

func hkdfExpand(secret []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return key, nil
}

// appsScriptPackage is the wire form of a token
type appsScriptPackage struct {
	Version    string `json:"v"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ct"`
	IssuedAt   int64  `json:"iat"`
	ExpiresAt  int64  `json:"exp"`
	Purpose    string `json:"purpose"`
	MAC        string `json:"mac"`
}

// CreateSecretToken encrypts payload into a versioned, signed, purpose-scoped
// package. TTL is clamped to [60s, ...]; zero means the 5 minute default.
func (a *AppsScriptTokens) CreateSecretToken(payload map[string]any, ttl time.Duration, purpose string) (string, error) {
	if purpose == "" {
		return "", fmt.Errorf("purpose cannot be empty")
	}
	if ttl == 0 {
		ttl = appsScriptDefaultTTL
	}
	if ttl < appsScriptMinTTL {
		ttl = appsScriptMinTTL
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	iv := make([]byte, 12)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	block, err := aes.NewCipher(a.encKey)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create gcm: %w", err)
	}
	ciphertext := gcm.Seal(nil, iv, raw, []byte(purpose))

	now := time.Now().UTC()
	pkg := appsScriptPackage{
		Version:    appsScriptTokenVersion,
		IV:         base64.RawURLEncoding.EncodeToString(iv),
		Ciphertext: base64.RawURLEncoding.EncodeToString(ciphertext),
		IssuedAt:   now.Unix(),
		ExpiresAt:  now.Add(ttl).Unix(),
		Purpose:    purpose,
	}
	pkg.MAC = a.mac(&pkg)

	encoded, err := json.Marshal(pkg)
	if err != nil {
		return "", fmt.Errorf("marshal package: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(encoded), nil
}

// ReadSecretToken verifies and decrypts a token for the expected purpose
func (a *AppsScriptTokens) ReadSecretToken(token, purpose string) (map[string]any, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	var pkg appsScriptPackage
	if err := json.Unmarshal(decoded, &pkg); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if pkg.Version != appsScriptTokenVersion {
		return nil, fmt.Errorf("unsupported token version %q", pkg.Version)
	}
	if pkg.Purpose != purpose {
		return nil, fmt.Errorf("token purpose mismatch")
	}

	if !hmac.Equal([]byte(pkg.MAC), []byte(a.mac(&pkg))) {
		return nil, fmt.Errorf("token signature mismatch")
	}

	now := time.Now().UTC()
	if now.Add(a.ClockTolerance).Unix() < pkg.IssuedAt {
		return nil, fmt.Errorf("token not yet valid")
	}
	if now.Add(-a.ClockTolerance).Unix() > pkg.ExpiresAt {
		return nil, fmt.Errorf("token expired")
	}

	iv, err := base64.RawURLEncoding.DecodeString(pkg.IV)
	if err != nil {
		return nil, fmt.Errorf("decode iv: %w", err)
	}
	ciphertext, err := base64.RawURLEncoding.DecodeString(pkg.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decode ciphertext: %w", err)
	}

	block, err := aes.NewCipher(a.encKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	raw, err := gcm.Open(nil, iv, ciphertext, []byte(purpose))
	if err != nil {
		return nil, fmt.Errorf("token decryption failed")
	}

	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return payload, nil
}

// mac computes the deterministic HMAC over {iv,ciphertext,issuedAt,expiresAt,purpose}
func (a *AppsScriptTokens) mac(pkg *appsScriptPackage) string {
	h := hmac.New(sha256.New, a.macKey)
	fmt.Fprintf(h, "%s|%s|%d|%d|%s", pkg.IV, pkg.Ciphertext, pkg.IssuedAt, pkg.ExpiresAt, pkg.Purpose)
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
