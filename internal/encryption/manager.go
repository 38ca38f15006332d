package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"go.uber.org/zap"

	"marketplace-identity/internal/config"
	"marketplace-identity/internal/util"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const localKeyID = "local"

// KMSAPI is the slice of the KMS client used for envelope encryption.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

type EncryptedData struct {
	EncryptedValue string `json:"encrypted_value"`
	EncryptedDEK   string `json:"encrypted_dek"`
	KeyID          string `json:"key_id"`
}

// EncryptionManager does envelope encryption of account PII. Each field gets
// a fresh data key which is wrapped by KMS, or by a local master key when
// KMS is disabled.
type EncryptionManager struct {
	kmsClient KMSAPI
	kmsKeyID  string
	masterKey []byte
	keyCache  sync.Map
}

type DataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

func NewEncryptionManager(cfg *config.Config, kmsClient KMSAPI) (*EncryptionManager, error) {
	em := &EncryptionManager{kmsClient: kmsClient}
	if cfg.KMS.Enabled {
		if kmsClient == nil {
			return nil, errors.New("kms enabled but no client configured")
		}
		em.kmsKeyID = cfg.KMS.KeyID
		return em, nil
	}

	key, err := base64.StdEncoding.DecodeString(cfg.KMS.LocalMasterKey)
	if err != nil || len(key) != 32 {
		return nil, errors.New("kms.local_master_key must be 32 bytes of base64")
	}
	em.masterKey = key
	em.kmsClient = nil
	return em, nil
}

func (em *EncryptionManager) GenerateDataKey(ctx context.Context) (*DataKey, error) {
	if em.kmsClient == nil {
		return em.generateLocalKey()
	}

	result, err := em.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(em.kmsKeyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &DataKey{
		Plaintext:  result.Plaintext,
		Ciphertext: result.CiphertextBlob,
		KeyID:      em.kmsKeyID,
	}, nil
}

func (em *EncryptionManager) generateLocalKey() (*DataKey, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate local data key: %w", err)
	}
	wrapped, err := seal(em.masterKey, key)
	if err != nil {
		return nil, err
	}
	return &DataKey{Plaintext: key, Ciphertext: wrapped, KeyID: localKeyID}, nil
}

func (em *EncryptionManager) EncryptField(ctx context.Context, plaintext string) (*EncryptedData, error) {
	dataKey, err := em.GenerateDataKey(ctx)
	if err != nil {
		return nil, err
	}

	ciphertext, err := seal(dataKey.Plaintext, []byte(plaintext))
	if err != nil {
		return nil, err
	}

	cacheKey := base64.StdEncoding.EncodeToString(dataKey.Ciphertext)
	em.keyCache.Store(cacheKey, dataKey.Plaintext)

	return &EncryptedData{
		EncryptedValue: base64.StdEncoding.EncodeToString(ciphertext),
		EncryptedDEK:   cacheKey,
		KeyID:          dataKey.KeyID,
	}, nil
}

func (em *EncryptionManager) DecryptField(ctx context.Context, data *EncryptedData) (string, error) {
	dek, err := em.unwrapDEK(ctx, data)
	if err != nil {
		return "", err
	}

	ciphertext, err := base64.StdEncoding.DecodeString(data.EncryptedValue)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}
	plaintext, err := open(dek, ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (em *EncryptionManager) unwrapDEK(ctx context.Context, data *EncryptedData) ([]byte, error) {
	if cached, ok := em.keyCache.Load(data.EncryptedDEK); ok {
		return cached.([]byte), nil
	}

	blob, err := base64.StdEncoding.DecodeString(data.EncryptedDEK)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
	}

	var dek []byte
	if data.KeyID == localKeyID {
		if em.masterKey == nil {
			return nil, fmt.Errorf("%w: local key material unavailable", ErrDecryptionFailed)
		}
		dek, err = open(em.masterKey, blob)
		if err != nil {
			return nil, err
		}
	} else {
		if em.kmsClient == nil {
			return nil, fmt.Errorf("%w: kms disabled", ErrDecryptionFailed)
		}
		out, err := em.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
		if err != nil {
			util.Error("KMS decrypt failed", zap.String("key_id", data.KeyID), zap.Error(err))
			return nil, fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}
		dek = out.Plaintext
	}

	em.keyCache.Store(data.EncryptedDEK, dek)
	return dek, nil
}

func seal(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return plaintext, nil
}
