package tls

import (
	"crypto/x509"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"marketplace-identity/internal/util"
)

func TestFallbackGeneratesAndCachesDevCertificate(t *testing.T) {
	util.SetLogger(zaptest.NewLogger(t))
	m := NewTLSManager(&TLSConfig{
		EnableTLS:   true,
		Domain:      "identity.local",
		AutoCertDir: t.TempDir(),
		Environment: "development",
	})

	first, err := m.GetCertificate(nil)
	require.NoError(t, err)
	second, err := m.GetCertificate(nil)
	require.NoError(t, err)
	assert.Same(t, first, second)

	leaf, err := x509.ParseCertificate(first.Certificate[0])
	require.NoError(t, err)
	assert.Contains(t, leaf.DNSNames, "identity.local")
	assert.Contains(t, leaf.DNSNames, "localhost")
}

func TestGeneratorReusesValidCertificate(t *testing.T) {
	util.SetLogger(zaptest.NewLogger(t))
	dir := t.TempDir()

	a, err := NewDevCertGenerator(dir).GenerateCert([]string{"localhost"})
	require.NoError(t, err)
	b, err := NewDevCertGenerator(dir).GenerateCert([]string{"localhost"})
	require.NoError(t, err)
	assert.Equal(t, a.Certificate[0], b.Certificate[0])
}

func TestProductionRefusesSelfSigned(t *testing.T) {
	util.SetLogger(zaptest.NewLogger(t))
	m := NewTLSManager(&TLSConfig{
		EnableTLS:   true,
		Domain:      "identity.example.com",
		AutoCertDir: t.TempDir(),
		Environment: "production",
	})
	_, err := m.GetCertificate(nil)
	assert.Error(t, err)
}
