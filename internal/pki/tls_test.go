// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-VST License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package pki

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

type testPKI struct {
	caCertPath     string
	clientCertPath string
	clientKeyPath  string
}

func generateTestPKI(t *testing.T, dir string) *testPKI {
	t.Helper()

	caKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	caTemplate := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "PKI Test CA"},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(1 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	caCertDER, _ := x509.CreateCertificate(rand.Reader, caTemplate, caTemplate, &caKey.PublicKey, caKey)
	caCert, _ := x509.ParseCertificate(caCertDER)

	caCertPath := filepath.Join(dir, "ca.pem")
	writePEMFile(t, caCertPath, "CERTIFICATE", caCertDER)

	clientKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	clientTemplate := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "pki-test-client"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(1 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}
	clientCertDER, _ := x509.CreateCertificate(rand.Reader, clientTemplate, caCert, &clientKey.PublicKey, caKey)
	clientCertPath := filepath.Join(dir, "client.pem")
	writePEMFile(t, clientCertPath, "CERTIFICATE", clientCertDER)
	clientKeyPath := filepath.Join(dir, "client-key.pem")
	writeECKeyPEM(t, clientKeyPath, clientKey)

	return &testPKI{
		caCertPath:     caCertPath,
		clientCertPath: clientCertPath,
		clientKeyPath:  clientKeyPath,
	}
}

func writePEMFile(t *testing.T, path, blockType string, data []byte) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("creating %s: %v", path, err)
	}
	defer f.Close()
	if err := pem.Encode(f, &pem.Block{Type: blockType, Bytes: data}); err != nil {
		t.Fatalf("encoding %s: %v", path, err)
	}
}

func writeECKeyPEM(t *testing.T, path string, key *ecdsa.PrivateKey) {
	t.Helper()
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshaling key: %v", err)
	}
	writePEMFile(t, path, "EC PRIVATE KEY", der)
}

func TestNewClientTLSConfig_InsecureNoCA(t *testing.T) {
	cfg, err := NewClientTLSConfig("", "", "", true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.InsecureSkipVerify {
		t.Error("expected InsecureSkipVerify set")
	}
	if cfg.RootCAs != nil {
		t.Error("expected no RootCAs without a CA path")
	}
	if len(cfg.Certificates) != 0 {
		t.Error("expected no client certificates")
	}
	if cfg.MinVersion != tls.VersionTLS13 {
		t.Errorf("expected TLS 1.3 minimum, got %x", cfg.MinVersion)
	}
}

func TestNewClientTLSConfig_CAOnly(t *testing.T) {
	pki := generateTestPKI(t, t.TempDir())

	cfg, err := NewClientTLSConfig(pki.caCertPath, "", "", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.RootCAs == nil {
		t.Error("expected RootCAs pool from CA file")
	}
	if cfg.InsecureSkipVerify {
		t.Error("expected verification enabled")
	}
	if len(cfg.Certificates) != 0 {
		t.Error("expected no client certificates without a keypair")
	}
}

func TestNewClientTLSConfig_WithMTLS(t *testing.T) {
	pki := generateTestPKI(t, t.TempDir())

	cfg, err := NewClientTLSConfig(pki.caCertPath, pki.clientCertPath, pki.clientKeyPath, false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected 1 client certificate, got %d", len(cfg.Certificates))
	}
	if cfg.RootCAs == nil {
		t.Error("expected RootCAs pool alongside the client pair")
	}
}

func TestNewClientTLSConfig_MissingCAFile(t *testing.T) {
	_, err := NewClientTLSConfig(filepath.Join(t.TempDir(), "nope.pem"), "", "", false)
	if err == nil {
		t.Fatal("expected error for missing CA file")
	}
	if !strings.Contains(err.Error(), "reading CA certificate") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNewClientTLSConfig_BadCAPEM(t *testing.T) {
	badCA := filepath.Join(t.TempDir(), "bad-ca.pem")
	if err := os.WriteFile(badCA, []byte("not a pem certificate"), 0644); err != nil {
		t.Fatalf("writing bad CA: %v", err)
	}

	_, err := NewClientTLSConfig(badCA, "", "", false)
	if err == nil {
		t.Fatal("expected error for unparseable CA")
	}
	if !strings.Contains(err.Error(), "failed to parse CA certificate") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNewClientTLSConfig_MismatchedKeyPair(t *testing.T) {
	dir := t.TempDir()
	pki := generateTestPKI(t, dir)

	// Chave de outro par: LoadX509KeyPair precisa rejeitar.
	otherKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	otherKeyPath := filepath.Join(dir, "other-key.pem")
	writeECKeyPEM(t, otherKeyPath, otherKey)

	_, err := NewClientTLSConfig(pki.caCertPath, pki.clientCertPath, otherKeyPath, false)
	if err == nil {
		t.Fatal("expected error for mismatched certificate/key pair")
	}
	if !strings.Contains(err.Error(), "loading client certificate") {
		t.Errorf("unexpected error: %v", err)
	}
}
