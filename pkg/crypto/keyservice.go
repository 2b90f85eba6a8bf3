package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/sync/singleflight"

	"github.com/camber-io/camber/pkg/errs"
	"github.com/camber-io/camber/pkg/log"
	"github.com/camber-io/camber/pkg/types"
)

const (
	// credentialAAD binds every credential blob to its purpose
	credentialAAD = "api-credentials"

	// legacyScryptSalt is fixed so the legacy key is stable across restarts
	legacyScryptSalt = "camber-credential-key-v1"

	keyCacheTTL     = 5 * time.Minute
	dataKeyCacheTTL = 60 * time.Second
)

// ErrKeyUnavailable is returned when no decryption path works
var ErrKeyUnavailable = errs.New(errs.KindKeyUnavailable, "no usable encryption key")

// KeyStore loads encryption key records
type KeyStore interface {
	ActiveEncryptionKey(ctx context.Context) (*types.EncryptionKey, error)
	GetEncryptionKey(ctx context.Context, id string) (*types.EncryptionKey, error)
}

// EncryptedBlob is the result of an envelope encryption
type EncryptedBlob struct {
	Ciphertext        []byte `json:"ciphertext"`
	IV                []byte `json:"iv"`
	KeyRecordID       string `json:"keyRecordId,omitempty"`
	DataKeyCiphertext []byte `json:"dataKeyCiphertext,omitempty"`
}

// KeyService performs envelope encryption of credential blobs.
//
// Key sources, in precedence order:
//  1. KMS data keys wrapped by the active record's KEK (kmsKeyArn set)
//  2. a 32-byte derived key stored base64 on the key record
//  3. a process legacy key derived from ENCRYPTION_MASTER_KEY via scrypt
//
// At least one source must be available at construction time.
type KeyService struct {
	store KeyStore
	kms   KMS

	legacyKey []byte // nil when ENCRYPTION_MASTER_KEY unset

	// keyCache holds key records (5 min); dataKeyCache holds unwrapped
	// data-key plaintext (60 s) keyed by (recordID, ciphertext).
	keyCache     *gocache.Cache
	dataKeyCache *gocache.Cache
	refresh      singleflight.Group
}

// NewKeyService constructs the key service. masterKey may be empty when a
// key table with KMS or derived keys is present.
func NewKeyService(ctx context.Context, store KeyStore, kms KMS, masterKey string) (*KeyService, error) {
	s := &KeyService{
		store:        store,
		kms:          kms,
		keyCache:     gocache.New(keyCacheTTL, 2*keyCacheTTL),
		dataKeyCache: gocache.New(dataKeyCacheTTL, 2*dataKeyCacheTTL),
	}

	if masterKey != "" {
		if len(masterKey) < 32 {
			return nil, fmt.Errorf("master key must be at least 32 characters")
		}
		derived, err := scrypt.Key([]byte(masterKey), []byte(legacyScryptSalt), 1<<15, 8, 1, 32)
		if err != nil {
			return nil, fmt.Errorf("derive legacy key: %w", err)
		}
		s.legacyKey = derived
	}

	// Fail startup when no key source can serve.
	active, err := s.activeKey(ctx)
	if err != nil && s.legacyKey == nil {
		return nil, fmt.Errorf("no encryption key available: %w", err)
	}
	if active == nil && s.legacyKey == nil {
		return nil, fmt.Errorf("no encryption key available")
	}

	return s, nil
}

// Encrypt envelope-encrypts plaintext with AES-256-GCM
func (s *KeyService) Encrypt(ctx context.Context, plaintext []byte) (*EncryptedBlob, error) {
	keyMaterial, record, dataKeyCiphertext, err := s.encryptionKey(ctx)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, 12)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("generate iv: %w", err)
	}

	ciphertext, err := sealGCM(keyMaterial, iv, plaintext)
	if err != nil {
		return nil, err
	}

	blob := &EncryptedBlob{Ciphertext: ciphertext, IV: iv, DataKeyCiphertext: dataKeyCiphertext}
	if record != nil {
		blob.KeyRecordID = record.ID
	}
	return blob, nil
}

// Decrypt reverses Encrypt. Key resolution order: KMS-unwrapped data key,
// stored derived key, legacy key (logged at WARN).
func (s *KeyService) Decrypt(ctx context.Context, blob *EncryptedBlob) ([]byte, error) {
	keyMaterial, err := s.decryptionKey(ctx, blob)
	if err != nil {
		return nil, err
	}
	plaintext, err := openGCM(keyMaterial, blob.IV, blob.Ciphertext)
	if err != nil {
		return nil, errs.Wrap(errs.KindIntegrity, "decrypt credential blob", err)
	}
	return plaintext, nil
}

// EncryptCredentials JSON-encodes creds and encrypts the document
func (s *KeyService) EncryptCredentials(ctx context.Context, creds map[string]any) (*EncryptedBlob, error) {
	raw, err := json.Marshal(creds)
	if err != nil {
		return nil, fmt.Errorf("marshal credentials: %w", err)
	}
	return s.Encrypt(ctx, raw)
}

// DecryptCredentials decrypts and JSON-decodes a credential document
func (s *KeyService) DecryptCredentials(ctx context.Context, blob *EncryptedBlob) (map[string]any, error) {
	raw, err := s.Decrypt(ctx, blob)
	if err != nil {
		return nil, err
	}
	var creds map[string]any
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return creds, nil
}

// RefreshKeys forces the key metadata cache to reload, post-rotation
func (s *KeyService) RefreshKeys(ctx context.Context) error {
	s.keyCache.Flush()
	_, err := s.activeKey(ctx)
	return err
}

// encryptionKey resolves key material for an Encrypt call
func (s *KeyService) encryptionKey(ctx context.Context) ([]byte, *types.EncryptionKey, []byte, error) {
	record, err := s.activeKey(ctx)
	if err != nil || record == nil {
		if s.legacyKey != nil {
			return s.legacyKey, nil, nil, nil
		}
		if err != nil {
			return nil, nil, nil, errs.Wrap(errs.KindKeyUnavailable, "load active key", err)
		}
		return nil, nil, nil, ErrKeyUnavailable
	}

	if record.KMSKeyARN != "" && s.kms != nil {
		dk, err := s.kms.GenerateDataKey(ctx, record.KMSKeyARN)
		if err == nil {
			return dk.Plaintext, record, dk.Ciphertext, nil
		}
		log.WithComponent("crypto").Warn().Err(err).Str("key_record", record.ID).
			Msg("kms generate data key failed, trying stored derived key")
	}

	if record.DerivedKey != "" {
		material, err := decodeDerivedKey(record.DerivedKey)
		if err != nil {
			log.WithComponent("crypto").Warn().Err(err).Str("key_record", record.ID).
				Msg("stored derived key unusable, skipping record")
		} else {
			return material, record, nil, nil
		}
	}

	if s.legacyKey != nil {
		log.WithComponent("crypto").Warn().Str("key_record", record.ID).
			Msg("falling back to legacy encryption key")
		return s.legacyKey, nil, nil, nil
	}

	return nil, nil, nil, ErrKeyUnavailable
}

// decryptionKey resolves key material for a Decrypt call
func (s *KeyService) decryptionKey(ctx context.Context, blob *EncryptedBlob) ([]byte, error) {
	if blob.KeyRecordID == "" {
		if s.legacyKey == nil {
			return nil, ErrKeyUnavailable
		}
		return s.legacyKey, nil
	}

	record, err := s.keyRecord(ctx, blob.KeyRecordID)
	if err != nil || record == nil {
		// Record referenced but missing: warn + legacy fallback only when
		// the legacy key is configured, otherwise fail.
		if s.legacyKey != nil {
			log.WithComponent("crypto").Warn().Str("key_record", blob.KeyRecordID).
				Msg("key record not found, falling back to legacy key")
			return s.legacyKey, nil
		}
		if err != nil {
			return nil, errs.Wrap(errs.KindKeyUnavailable, "load key record", err)
		}
		return nil, ErrKeyUnavailable
	}

	if len(blob.DataKeyCiphertext) > 0 && record.KMSKeyARN != "" && s.kms != nil {
		cacheKey := record.ID + "|" + base64.StdEncoding.EncodeToString(blob.DataKeyCiphertext)
		if cached, ok := s.dataKeyCache.Get(cacheKey); ok {
			return cached.([]byte), nil
		}
		plaintext, err := s.kms.Decrypt(ctx, record.KMSKeyARN, blob.DataKeyCiphertext)
		if err == nil {
			s.dataKeyCache.Set(cacheKey, plaintext, dataKeyCacheTTL)
			return plaintext, nil
		}
		log.WithComponent("crypto").Warn().Err(err).Str("key_record", record.ID).
			Msg("kms decrypt failed, trying stored derived key")
		if record.DerivedKey == "" {
			return nil, errs.Wrap(errs.KindKeyUnavailable, "kms decrypt", err)
		}
	}

	if record.DerivedKey != "" {
		material, err := decodeDerivedKey(record.DerivedKey)
		if err == nil {
			return material, nil
		}
		log.WithComponent("crypto").Warn().Err(err).Str("key_record", record.ID).
			Msg("stored derived key unusable")
	}

	if s.legacyKey != nil {
		log.WithComponent("crypto").Warn().Str("key_record", record.ID).
			Msg("falling back to legacy encryption key")
		return s.legacyKey, nil
	}

	return nil, ErrKeyUnavailable
}

const activeKeyCacheKey = "active"

// activeKey loads the active key record through the metadata cache.
// Refreshes are collapsed through a singleflight group.
func (s *KeyService) activeKey(ctx context.Context) (*types.EncryptionKey, error) {
	if cached, ok := s.keyCache.Get(activeKeyCacheKey); ok {
		if cached == nil {
			return nil, nil
		}
		return cached.(*types.EncryptionKey), nil
	}

	v, err, _ := s.refresh.Do(activeKeyCacheKey, func() (any, error) {
		record, err := s.store.ActiveEncryptionKey(ctx)
		if err != nil {
			return nil, err
		}
		s.keyCache.Set(activeKeyCacheKey, record, keyCacheTTL)
		return record, nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	record, _ := v.(*types.EncryptionKey)
	return record, nil
}

func (s *KeyService) keyRecord(ctx context.Context, id string) (*types.EncryptionKey, error) {
	if cached, ok := s.keyCache.Get(id); ok {
		if cached == nil {
			return nil, nil
		}
		return cached.(*types.EncryptionKey), nil
	}
	record, err := s.store.GetEncryptionKey(ctx, id)
	if err != nil {
		return nil, err
	}
	s.keyCache.Set(id, record, keyCacheTTL)
	return record, nil
}

func decodeDerivedKey(encoded string) ([]byte, error) {
	material, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode derived key: %w", err)
	}
	if len(material) != 32 {
		return nil, fmt.Errorf("derived key must be 32 bytes, got %d", len(material))
	}
	return material, nil
}

func sealGCM(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm.Seal(nil, iv, plaintext, []byte(credentialAAD)), nil
}

func openGCM(key, iv, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(iv))
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	plaintext, err := gcm.Open(nil, iv, ciphertext, []byte(credentialAAD))
	if err != nil {
		return nil, errors.New("authentication failed")
	}
	return plaintext, nil
}

// HashSHA256 returns the hex SHA-256 of data; used for token hashes
func HashSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}
