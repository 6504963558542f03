package tlscore

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/asn1"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ServerMaterial is the input to buildServerConfig (spec.md §4.3).
type ServerMaterial struct {
	CertPEM     []byte
	KeyPEM      []byte
	DHParamsPEM []byte // validated, not wired — see doc comment below
	CipherPrefs string
}

// ClientMaterial is the input to buildClientConfig (spec.md §4.3).
type ClientMaterial struct {
	CertPEM        []byte // used to populate intermediate trust anchors
	TrustStorePath string
	CipherPrefs    string
}

// cipherSuiteSets maps the operator-facing cipher preference label to a
// TLS ≤1.2 suite list. TLS 1.3 suites are fixed by crypto/tls and cannot
// be restricted this way; the label still governs the ≤1.2 fallback
// suites offered when a ≤1.2 peer is involved.
var cipherSuiteSets = map[string][]uint16{
	"modern": {
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	},
	"compat": {
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_128_CBC_SHA256,
		tls.TLS_RSA_WITH_AES_128_GCM_SHA256,
	},
}

// buildServerConfig assembles the server-role TLS configuration: cert
// chain, private key, DH params (validated, see below), cipher
// preference label.
func buildServerConfig(mat ServerMaterial, perf PerfMode) (*tls.Config, error) {
	cert, err := tls.X509KeyPair(mat.CertPEM, mat.KeyPEM)
	if err != nil {
		return nil, fmt.Errorf("tlscore: build server config: %w", err)
	}

	if len(mat.DHParamsPEM) > 0 {
		if err := validateDHParams(mat.DHParamsPEM); err != nil {
			return nil, fmt.Errorf("tlscore: invalid DH parameters: %w", err)
		}
	}

	cfg := &tls.Config{
		Certificates:             []tls.Certificate{cert},
		MinVersion:               tls.VersionTLS12,
		CipherSuites:             cipherSuiteSets[mat.CipherPrefs],
		DynamicRecordSizingDisabled: perf == PerfHighThroughput,
	}
	return cfg, nil
}

// buildClientConfig assembles the client-role TLS configuration: a
// trust store (intermediate anchors from certPEM plus any CA files
// found under trustStorePath), cipher preference label, and a host
// verification callback driven by expectedHostname (read live, since it
// tracks the server's active certificate and can change across a
// rotation — spec.md §3, "expected hostname is always derived from the
// same certificate as the active server configuration").
func buildClientConfig(mat ClientMaterial, expectedHostname func() string) (*tls.Config, error) {
	pool := x509.NewCertPool()
	if len(mat.CertPEM) > 0 {
		if !pool.AppendCertsFromPEM(mat.CertPEM) {
			return nil, fmt.Errorf("tlscore: build client config: no certificates found in trust material")
		}
	}
	if mat.TrustStorePath != "" {
		if err := appendTrustStoreDir(pool, mat.TrustStorePath); err != nil {
			return nil, fmt.Errorf("tlscore: build client config: %w", err)
		}
	}

	cfg := &tls.Config{
		RootCAs:            pool,
		CipherSuites:        cipherSuiteSets[mat.CipherPrefs],
		MinVersion:          tls.VersionTLS12,
		InsecureSkipVerify:  true, // verification is done in VerifyPeerCertificate below
		VerifyPeerCertificate: func(rawCerts [][]byte, _ [][]x509.Certificate) error {
			return verifyPeerCertificate(pool, rawCerts, expectedHostname())
		},
	}
	return cfg, nil
}

// appendTrustStoreDir adds every *.pem/*.crt file directly under dir to
// pool. Missing directory or unreadable files are reported; a file that
// parses to zero certificates is skipped rather than treated as fatal.
func appendTrustStoreDir(pool *x509.CertPool, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read trust store directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".pem" && ext != ".crt" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("read trust store file %s: %w", entry.Name(), err)
		}
		pool.AppendCertsFromPEM(data)
	}
	return nil
}

// verifyPeerCertificate parses the leaf, checks it chains to pool, then
// applies the RFC 6125 §6.4-style hostname policy from spec.md §4.3.
func verifyPeerCertificate(pool *x509.CertPool, rawCerts [][]byte, expected string) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("tlscore: no peer certificate presented")
	}
	leaf, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("tlscore: parse peer certificate: %w", err)
	}

	intermediates := x509.NewCertPool()
	for _, raw := range rawCerts[1:] {
		if c, err := x509.ParseCertificate(raw); err == nil {
			intermediates.AddCert(c)
		}
	}
	if _, err := leaf.Verify(x509.VerifyOptions{Roots: pool, Intermediates: intermediates}); err != nil {
		return fmt.Errorf("tlscore: peer certificate chain verification failed: %w", err)
	}

	if !verifyHostname(expected, leaf.Subject.CommonName) {
		for _, dns := range leaf.DNSNames {
			if verifyHostname(expected, dns) {
				return nil
			}
		}
		return fmt.Errorf("tlscore: peer certificate name does not match expected hostname %q", expected)
	}
	return nil
}

// verifyHostname implements spec.md §4.3's RFC 6125 §6.4-style subset:
//
//   - presented == expected, case-insensitively → accept
//   - presented is "*.<suffix>" and expected has a '.': compare suffix
//     against expected from its first '.' → accept iff equal
//     case-insensitively
//   - otherwise reject
//
// No expected hostname configured → reject, always (spec.md §9's
// preserved ambiguity: an unconfigured expectation never verifies).
func verifyHostname(expected, presented string) bool {
	if expected == "" {
		return false
	}
	if strings.EqualFold(expected, presented) {
		return true
	}
	if strings.HasPrefix(presented, "*.") {
		dot := strings.IndexByte(expected, '.')
		if dot < 0 {
			return false
		}
		return strings.EqualFold(expected[dot+1:], presented[2:])
	}
	return false
}

// validateDHParams is a format-validity check only: crypto/tls has no
// static-DHE cipher suite support (TLS 1.3 removed classic DHE in favor
// of ECDHE/X25519 groups), so DH parameters can't be wired into the
// resulting tls.Config. This exists for config-validation parity with
// deployments migrating from an OpenSSL-based server, not functional use.
func validateDHParams(dhPEM []byte) error {
	block, _ := pem.Decode(dhPEM)
	if block == nil {
		return fmt.Errorf("no PEM block found")
	}
	var params struct {
		P asn1.RawValue
		G asn1.RawValue
	}
	_, err := asn1.Unmarshal(block.Bytes, &params)
	if err != nil {
		return fmt.Errorf("parse DH parameters: %w", err)
	}
	return nil
}
