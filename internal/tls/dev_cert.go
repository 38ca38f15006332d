package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"marketplace-identity/internal/util"
)

const devCertValidity = 90 * 24 * time.Hour

// DevCertGenerator writes a self-signed certificate for local HTTPS and
// reuses it until it expires.
type DevCertGenerator struct {
	certDir string
	now     func() time.Time
}

func NewDevCertGenerator(certDir string) *DevCertGenerator {
	return &DevCertGenerator{certDir: certDir, now: time.Now}
}

func (d *DevCertGenerator) paths() (string, string) {
	return filepath.Join(d.certDir, "dev-cert.pem"), filepath.Join(d.certDir, "dev-key.pem")
}

func (d *DevCertGenerator) GenerateCert(hosts []string) (tls.Certificate, error) {
	certPath, keyPath := d.paths()

	if cert, err := tls.LoadX509KeyPair(certPath, keyPath); err == nil && d.isCertificateValid(certPath) {
		util.Info("Using existing development certificate", zap.String("cert_path", certPath))
		return cert, nil
	}

	util.Info("Generating self-signed certificate", zap.Strings("hosts", hosts))

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate private key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to generate serial: %w", err)
	}

	now := d.now()
	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"Marketplace Identity Development"}},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(devCertValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if h == "" {
			continue
		}
		if ip := net.ParseIP(h); ip != nil {
			template.IPAddresses = append(template.IPAddresses, ip)
		} else {
			template.DNSNames = append(template.DNSNames, h)
		}
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to encode private key: %w", err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	if err := os.MkdirAll(d.certDir, 0o700); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to create cert dir: %w", err)
	}
	if err := os.WriteFile(certPath, certPEM, 0o644); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to write key: %w", err)
	}

	util.Info("Wrote self-signed certificate",
		zap.String("cert_path", certPath),
		zap.String("key_path", keyPath))

	return tls.X509KeyPair(certPEM, keyPEM)
}

func (d *DevCertGenerator) isCertificateValid(certPath string) bool {
	data, err := os.ReadFile(certPath)
	if err != nil {
		return false
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return false
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return false
	}
	now := d.now()
	return now.After(cert.NotBefore) && now.Before(cert.NotAfter)
}
