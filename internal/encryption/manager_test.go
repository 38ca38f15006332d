package encryption

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace-identity/internal/config"
)

func localConfig() *config.Config {
	return &config.Config{KMS: config.KMSConfig{
		LocalMasterKey: "ZGV2LW1hc3Rlci1rZXktMzItYnl0ZXMtbG9uZy0hISE=",
	}}
}

func TestLocalEnvelopeRoundTrip(t *testing.T) {
	em, err := NewEncryptionManager(localConfig(), nil)
	require.NoError(t, err)

	enc, err := em.EncryptField(context.Background(), "0244000000")
	require.NoError(t, err)
	assert.Equal(t, localKeyID, enc.KeyID)
	assert.NotContains(t, enc.EncryptedValue, "0244000000")

	// a second manager has no cached DEK and must unwrap with the master key
	other, err := NewEncryptionManager(localConfig(), nil)
	require.NoError(t, err)
	plain, err := other.DecryptField(context.Background(), enc)
	require.NoError(t, err)
	assert.Equal(t, "0244000000", plain)
}

func TestRejectsShortMasterKey(t *testing.T) {
	cfg := localConfig()
	cfg.KMS.LocalMasterKey = "c2hvcnQ="
	_, err := NewEncryptionManager(cfg, nil)
	assert.Error(t, err)
}

type fakeKMS struct {
	key []byte
}

func (f *fakeKMS) GenerateDataKey(_ context.Context, _ *kms.GenerateDataKeyInput, _ ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error) {
	return &kms.GenerateDataKeyOutput{Plaintext: f.key, CiphertextBlob: []byte("wrapped")}, nil
}

func (f *fakeKMS) Decrypt(_ context.Context, in *kms.DecryptInput, _ ...func(*kms.Options)) (*kms.DecryptOutput, error) {
	return &kms.DecryptOutput{Plaintext: f.key}, nil
}

func TestKMSBackedEnvelope(t *testing.T) {
	cfg := &config.Config{KMS: config.KMSConfig{Enabled: true, KeyID: "alias/identity"}}
	fake := &fakeKMS{key: make([]byte, 32)}

	em, err := NewEncryptionManager(cfg, fake)
	require.NoError(t, err)
	enc, err := em.EncryptField(context.Background(), "0501234567")
	require.NoError(t, err)
	assert.Equal(t, "alias/identity", enc.KeyID)

	fresh, err := NewEncryptionManager(cfg, fake)
	require.NoError(t, err)
	plain, err := fresh.DecryptField(context.Background(), enc)
	require.NoError(t, err)
	assert.Equal(t, "0501234567", plain)
}
