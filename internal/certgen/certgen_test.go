package certgen

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"net"
	"testing"
)

func TestGenerateCAAndLeaf(t *testing.T) {
	ca, err := GenerateCA("test-ca")
	if err != nil {
		t.Fatalf("GenerateCA: %v", err)
	}

	leaf, err := GenerateLeaf(ca, "node-1", []string{"localhost"}, []net.IP{net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("GenerateLeaf: %v", err)
	}

	// The leaf must be usable directly with crypto/tls.
	if _, err := tls.X509KeyPair(leaf.CertPEM, leaf.KeyPEM); err != nil {
		t.Fatalf("X509KeyPair: %v", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(ca.CertPEM) {
		t.Fatal("failed to add CA to pool")
	}

	block, _ := pem.Decode(leaf.CertPEM)
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	if _, err := cert.Verify(x509.VerifyOptions{
		DNSName: "localhost",
		Roots:   pool,
	}); err != nil {
		t.Fatalf("leaf does not verify against CA: %v", err)
	}
}

func TestGenerateLeaf_BadCA(t *testing.T) {
	_, err := GenerateLeaf(CA{CertPEM: []byte("not pem"), KeyPEM: []byte("not pem")}, "x", nil, nil)
	if err == nil {
		t.Fatal("expected error for invalid CA material")
	}
}
