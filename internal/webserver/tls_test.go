package webserver

import (
	"bytes"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zsprackett/agent-relay/internal/config"
)

func TestSelfSignedCertificateIsCached(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	first, err := loadOrCreateSelfSigned(dir, now)
	require.NoError(t, err)
	second, err := loadOrCreateSelfSigned(dir, now)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(first.Certificate[0], second.Certificate[0]), "certificate regenerated")

	leaf, err := x509.ParseCertificate(first.Certificate[0])
	require.NoError(t, err)
	assert.NoError(t, leaf.VerifyHostname("localhost"))
	assert.NoError(t, leaf.VerifyHostname("127.0.0.1"))

	fi, err := os.Stat(filepath.Join(dir, "self-signed.key"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())
}

func TestSelfSignedCertificateRenewedNearExpiry(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	first, err := loadOrCreateSelfSigned(dir, now)
	require.NoError(t, err)

	later, err := loadOrCreateSelfSigned(dir, now.Add(selfSignedValidity-time.Hour))
	require.NoError(t, err)
	assert.False(t, bytes.Equal(first.Certificate[0], later.Certificate[0]), "stale certificate reused")
}

func TestTLSConfigModes(t *testing.T) {
	cfg, err := tlsConfig(config.TLSConfig{})
	require.NoError(t, err)
	assert.Nil(t, cfg)

	_, err = tlsConfig(config.TLSConfig{Mode: "manual"})
	assert.ErrorContains(t, err, "certFile and keyFile")

	_, err = tlsConfig(config.TLSConfig{Mode: "acme"})
	assert.ErrorContains(t, err, "unknown tls mode")

	cfg, err = tlsConfig(config.TLSConfig{Mode: "self-signed", CacheDir: t.TempDir()})
	require.NoError(t, err)
	require.Len(t, cfg.Certificates, 1)
}
