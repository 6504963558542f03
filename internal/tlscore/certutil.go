package tlscore

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"
)

const (
	maxCommonNameLen = 256
	maxValidityLen   = 64
)

// extractCommonName parses a PEM certificate and returns its subject
// Common Name, truncated to maxCommonNameLen bytes (spec.md §4.2).
func extractCommonName(certPEM []byte) (string, error) {
	cert, err := parseCertPEM(certPEM)
	if err != nil {
		return "", err
	}
	cn := cert.Subject.CommonName
	if len(cn) > maxCommonNameLen {
		cn = cn[:maxCommonNameLen]
	}
	return cn, nil
}

// extractValidity parses a PEM certificate and returns human-readable
// UTC not-before/not-after strings and the serial number. A zero serial
// is treated as an invalid certificate, per spec.md §4.2.
func extractValidity(certPEM []byte) (notBefore, notAfter string, serial *big.Int, err error) {
	cert, err := parseCertPEM(certPEM)
	if err != nil {
		return "", "", nil, err
	}
	if cert.SerialNumber == nil || cert.SerialNumber.Sign() == 0 {
		return "", "", nil, fmt.Errorf("tlscore: certificate has zero serial number")
	}

	nb := formatValidityTime(cert.NotBefore)
	na := formatValidityTime(cert.NotAfter)
	return nb, na, cert.SerialNumber, nil
}

func formatValidityTime(t time.Time) string {
	s := t.UTC().Format(time.RFC3339)
	if len(s) > maxValidityLen {
		s = s[:maxValidityLen]
	}
	return s
}

func parseCertPEM(certPEM []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, fmt.Errorf("tlscore: no PEM block found in certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("tlscore: parse certificate: %w", err)
	}
	return cert, nil
}
