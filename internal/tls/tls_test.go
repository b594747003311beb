package tls

import (
	"crypto/tls"
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func leaf(t *testing.T, cert tls.Certificate) *x509.Certificate {
	t.Helper()
	require.NotEmpty(t, cert.Certificate)
	c, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	return c
}

func TestDevCertGenerator_ReusesValidCertificate(t *testing.T) {
	g := NewDevCertGenerator(t.TempDir(), zap.NewNop())

	first, err := g.GenerateCert([]string{"localhost", "127.0.0.1"})
	require.NoError(t, err)
	c := leaf(t, first)
	assert.NoError(t, c.VerifyHostname("localhost"))
	assert.NoError(t, c.VerifyHostname("127.0.0.1"))

	second, err := g.GenerateCert([]string{"localhost"})
	require.NoError(t, err)
	assert.Equal(t, c.SerialNumber, leaf(t, second).SerialNumber)
}

func TestDevCertGenerator_RegeneratesForNewHostOrExpiry(t *testing.T) {
	g := NewDevCertGenerator(t.TempDir(), zap.NewNop())

	first, err := g.GenerateCert([]string{"localhost"})
	require.NoError(t, err)
	serial := leaf(t, first).SerialNumber

	other, err := g.GenerateCert([]string{"localhost", "security.internal"})
	require.NoError(t, err)
	assert.NotEqual(t, serial, leaf(t, other).SerialNumber)
	serial = leaf(t, other).SerialNumber

	g.now = func() time.Time { return time.Now().Add(devCertValidity + time.Hour) }
	renewed, err := g.GenerateCert([]string{"localhost"})
	require.NoError(t, err)
	assert.NotEqual(t, serial, leaf(t, renewed).SerialNumber)
}

func TestTLSManager_FallsBackToDevCertificate(t *testing.T) {
	m := NewTLSManager(&TLSConfig{EnableTLS: true, AutoCertDir: t.TempDir(), Environment: "development"}, zap.NewNop())

	cert, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	again, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	require.NoError(t, err)
	assert.Same(t, cert, again)

	cfg := m.GetTLSConfig()
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
}

func TestTLSManager_ProductionRequiresCertificate(t *testing.T) {
	m := NewTLSManager(&TLSConfig{EnableTLS: true, Environment: "production"}, zap.NewNop())

	_, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "example.com"})
	assert.Error(t, err)
}
