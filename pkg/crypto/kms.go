package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
)

// DataKey is a generated data key: 32 bytes of plaintext key material plus
// the KEK-wrapped ciphertext persisted alongside the encrypted blob.
type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
}

// KMS abstracts the key-management backend used for envelope encryption
type KMS interface {
	// GenerateDataKey returns a fresh 32-byte data key wrapped by keyARN
	GenerateDataKey(ctx context.Context, keyARN string) (*DataKey, error)

	// Decrypt unwraps a data-key ciphertext produced by GenerateDataKey
	Decrypt(ctx context.Context, keyARN string, ciphertext []byte) ([]byte, error)
}

// AWSKMS implements KMS over the AWS KMS service
type AWSKMS struct {
	client *kms.Client
}

// NewAWSKMS builds an AWS-backed KMS from the default credential chain
func NewAWSKMS(ctx context.Context) (*AWSKMS, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return &AWSKMS{client: kms.NewFromConfig(cfg)}, nil
}

func (a *AWSKMS) GenerateDataKey(ctx context.Context, keyARN string) (*DataKey, error) {
	out, err := a.client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(keyARN),
		KeySpec: kmstypes.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("kms generate data key: %w", err)
	}
	return &DataKey{Plaintext: out.Plaintext, Ciphertext: out.CiphertextBlob}, nil
}

func (a *AWSKMS) Decrypt(ctx context.Context, keyARN string, ciphertext []byte) ([]byte, error) {
	out, err := a.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          aws.String(keyARN),
		CiphertextBlob: ciphertext,
	})
	if err != nil {
		return nil, fmt.Errorf("kms decrypt: %w", err)
	}
	return out.Plaintext, nil
}

// LocalKMS implements KMS over an in-process master key. Development and
// tests only; the wrapped form is AES-GCM under the master key.
type LocalKMS struct {
	master []byte
}

// NewLocalKMS creates a local KMS from a 32-byte master key
func NewLocalKMS(master []byte) (*LocalKMS, error) {
	if len(master) != 32 {
		return nil, fmt.Errorf("local kms master key must be 32 bytes, got %d", len(master))
	}
	return &LocalKMS{master: master}, nil
}

// NewLocalKMSFromSecret derives the 32-byte master key from a configured
// secret of any length >= 32 characters via SHA-256.
func NewLocalKMSFromSecret(secret string) (*LocalKMS, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("local kms secret must be at least 32 characters, got %d", len(secret))
	}
	sum := sha256.Sum256([]byte(secret))
	return NewLocalKMS(sum[:])
}

func (l *LocalKMS) GenerateDataKey(ctx context.Context, keyARN string) (*DataKey, error) {
	plaintext := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, plaintext); err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}
	wrapped, err := l.seal(plaintext, keyARN)
	if err != nil {
		return nil, err
	}
	return &DataKey{Plaintext: plaintext, Ciphertext: wrapped}, nil
}

func (l *LocalKMS) Decrypt(ctx context.Context, keyARN string, ciphertext []byte) ([]byte, error) {
	return l.open(ciphertext, keyARN)
}

func (l *LocalKMS) seal(plaintext []byte, aad string) ([]byte, error) {
	block, err := aes.NewCipher(l.master)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, []byte(aad)), nil
}

func (l *LocalKMS) open(ciphertext []byte, aad string) ([]byte, error) {
	block, err := aes.NewCipher(l.master)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ct := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, []byte(aad))
	if err != nil {
		return nil, fmt.Errorf("unwrap data key: %w", err)
	}
	return plaintext, nil
}
