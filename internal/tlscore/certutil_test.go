package tlscore

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"emberkv/internal/certgen"
)

func TestExtractCommonName(t *testing.T) {
	ca, err := certgen.GenerateCA("emberkv-test-ca")
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	leaf, err := certgen.GenerateLeaf(ca, "emberkv.example", []string{"emberkv.example"}, nil)
	if err != nil {
		t.Fatalf("GenerateLeaf: %v", err)
	}

	cn, err := extractCommonName(leaf.CertPEM)
	if err != nil {
		t.Fatalf("extractCommonName: %v", err)
	}
	if cn != "emberkv.example" {
		t.Fatalf("expected emberkv.example, got %q", cn)
	}
}

func TestExtractCommonName_Truncated(t *testing.T) {
	long := make([]byte, maxCommonNameLen+50)
	for i := range long {
		long[i] = 'a'
	}
	certPEM := genCertWithCN(t, string(long))

	cn, err := extractCommonName(certPEM)
	if err != nil {
		t.Fatalf("extractCommonName: %v", err)
	}
	if len(cn) != maxCommonNameLen {
		t.Fatalf("expected truncation to %d bytes, got %d", maxCommonNameLen, len(cn))
	}
}

func TestExtractCommonName_BadPEM(t *testing.T) {
	if _, err := extractCommonName([]byte("not a cert")); err == nil {
		t.Fatal("expected error for invalid PEM")
	}
}

func TestExtractValidity(t *testing.T) {
	ca, err := certgen.GenerateCA("emberkv-test-ca")
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}
	leaf, err := certgen.GenerateLeaf(ca, "emberkv.example", nil, nil)
	if err != nil {
		t.Fatalf("GenerateLeaf: %v", err)
	}

	nb, na, serial, err := extractValidity(leaf.CertPEM)
	if err != nil {
		t.Fatalf("extractValidity: %v", err)
	}
	if nb == "" || na == "" {
		t.Fatalf("expected non-empty validity strings, got %q / %q", nb, na)
	}
	if len(nb) > maxValidityLen || len(na) > maxValidityLen {
		t.Fatalf("validity strings exceed %d bytes", maxValidityLen)
	}
	if serial == nil || serial.Sign() == 0 {
		t.Fatalf("expected non-zero serial")
	}
	if _, err := time.Parse(time.RFC3339, nb); err != nil {
		t.Fatalf("not-before not RFC3339: %v", err)
	}
}

func TestExtractValidity_ZeroSerialRejected(t *testing.T) {
	certPEM := genCertWithSerial(t, big.NewInt(0))
	if _, _, _, err := extractValidity(certPEM); err == nil {
		t.Fatal("expected zero serial to be rejected")
	}
}

func genCertWithCN(t *testing.T, cn string) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func genCertWithSerial(t *testing.T, serial *big.Int) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "zero-serial"},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}
