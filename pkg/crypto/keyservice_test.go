package crypto

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camber-io/camber/pkg/errs"
	"github.com/camber-io/camber/pkg/types"
)

const testMasterKey = "unit-test-master-key-0123456789abcdef"

type stubKeyStore struct {
	active  *types.EncryptionKey
	records map[string]*types.EncryptionKey
}

func (s *stubKeyStore) ActiveEncryptionKey(ctx context.Context) (*types.EncryptionKey, error) {
	return s.active, nil
}

func (s *stubKeyStore) GetEncryptionKey(ctx context.Context, id string) (*types.EncryptionKey, error) {
	return s.records[id], nil
}

func randomKey(t *testing.T) []byte {
	t.Helper()
	k := make([]byte, 32)
	_, err := rand.Read(k)
	require.NoError(t, err)
	return k
}

func TestLegacyKeyRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, err := NewKeyService(ctx, &stubKeyStore{}, nil, testMasterKey)
	require.NoError(t, err)

	blob, err := svc.Encrypt(ctx, []byte("hello workflows"))
	require.NoError(t, err)
	assert.Empty(t, blob.KeyRecordID)
	assert.Empty(t, blob.DataKeyCiphertext)

	plain, err := svc.Decrypt(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello workflows"), plain)
}

func TestKMSDataKeyRoundTrip(t *testing.T) {
	ctx := context.Background()
	kms, err := NewLocalKMS(randomKey(t))
	require.NoError(t, err)
	store := &stubKeyStore{
		active: &types.EncryptionKey{ID: "key-1", KeyID: "primary", KMSKeyARN: "arn:test:key-1"},
	}
	store.records = map[string]*types.EncryptionKey{"key-1": store.active}

	svc, err := NewKeyService(ctx, store, kms, "")
	require.NoError(t, err)

	blob, err := svc.Encrypt(ctx, []byte("envelope me"))
	require.NoError(t, err)
	assert.Equal(t, "key-1", blob.KeyRecordID)
	assert.NotEmpty(t, blob.DataKeyCiphertext)

	plain, err := svc.Decrypt(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("envelope me"), plain)
}

func TestDerivedKeyRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := &stubKeyStore{
		active: &types.EncryptionKey{
			ID:         "key-2",
			DerivedKey: base64.StdEncoding.EncodeToString(randomKey(t)),
		},
	}
	store.records = map[string]*types.EncryptionKey{"key-2": store.active}

	svc, err := NewKeyService(ctx, store, nil, "")
	require.NoError(t, err)

	blob, err := svc.Encrypt(ctx, []byte("derived path"))
	require.NoError(t, err)
	assert.Equal(t, "key-2", blob.KeyRecordID)
	assert.Empty(t, blob.DataKeyCiphertext)

	plain, err := svc.Decrypt(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("derived path"), plain)
}

func TestKMSRecordPreferredOverLegacy(t *testing.T) {
	ctx := context.Background()
	kms, err := NewLocalKMS(randomKey(t))
	require.NoError(t, err)
	store := &stubKeyStore{
		active: &types.EncryptionKey{ID: "key-3", KMSKeyARN: "arn:test:key-3"},
	}
	store.records = map[string]*types.EncryptionKey{"key-3": store.active}

	svc, err := NewKeyService(ctx, store, kms, testMasterKey)
	require.NoError(t, err)

	blob, err := svc.Encrypt(ctx, []byte("precedence"))
	require.NoError(t, err)
	assert.Equal(t, "key-3", blob.KeyRecordID)
	assert.NotEmpty(t, blob.DataKeyCiphertext)
}

func TestMissingKeyRecordFallsBackToLegacy(t *testing.T) {
	ctx := context.Background()
	svc, err := NewKeyService(ctx, &stubKeyStore{}, nil, testMasterKey)
	require.NoError(t, err)

	blob, err := svc.Encrypt(ctx, []byte("survivor"))
	require.NoError(t, err)

	// The referenced key record has since disappeared.
	blob.KeyRecordID = "ghost"
	plain, err := svc.Decrypt(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, []byte("survivor"), plain)
}

func TestMissingKeyRecordWithoutLegacyFails(t *testing.T) {
	ctx := context.Background()
	store := &stubKeyStore{
		active: &types.EncryptionKey{
			ID:         "key-4",
			DerivedKey: base64.StdEncoding.EncodeToString(randomKey(t)),
		},
	}
	store.records = map[string]*types.EncryptionKey{"key-4": store.active}

	svc, err := NewKeyService(ctx, store, nil, "")
	require.NoError(t, err)

	blob, err := svc.Encrypt(ctx, []byte("orphaned"))
	require.NoError(t, err)

	blob.KeyRecordID = "ghost"
	_, err = svc.Decrypt(ctx, blob)
	require.Error(t, err)
	assert.Equal(t, errs.KindKeyUnavailable, errs.KindOf(err))
}

func TestDecryptDetectsTampering(t *testing.T) {
	ctx := context.Background()
	svc, err := NewKeyService(ctx, &stubKeyStore{}, nil, testMasterKey)
	require.NoError(t, err)

	blob, err := svc.Encrypt(ctx, []byte("integrity"))
	require.NoError(t, err)
	blob.Ciphertext[0] ^= 0xff

	_, err = svc.Decrypt(ctx, blob)
	require.Error(t, err)
	assert.Equal(t, errs.KindIntegrity, errs.KindOf(err))
}

func TestCredentialsRoundTrip(t *testing.T) {
	ctx := context.Background()
	svc, err := NewKeyService(ctx, &stubKeyStore{}, nil, testMasterKey)
	require.NoError(t, err)

	creds := map[string]any{"apiKey": "sk-12345", "region": "us-east-1"}
	blob, err := svc.EncryptCredentials(ctx, creds)
	require.NoError(t, err)

	decrypted, err := svc.DecryptCredentials(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, creds, decrypted)
}

func TestNewKeyServiceRequiresAKeySource(t *testing.T) {
	_, err := NewKeyService(context.Background(), &stubKeyStore{}, nil, "")
	require.Error(t, err)
}

func TestLocalKMSFromSecretAcceptsAnyLength(t *testing.T) {
	ctx := context.Background()
	kms, err := NewLocalKMSFromSecret("0123456789abcdef0123456789abcdef01234567")
	require.NoError(t, err)

	dk, err := kms.GenerateDataKey(ctx, "arn:test")
	require.NoError(t, err)
	plain, err := kms.Decrypt(ctx, "arn:test", dk.Ciphertext)
	require.NoError(t, err)
	assert.Equal(t, dk.Plaintext, plain)

	_, err = NewLocalKMSFromSecret("too-short")
	assert.Error(t, err)
}
