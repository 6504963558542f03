package tlscore

import (
	"net"
	"testing"

	"emberkv/internal/certgen"
)

func TestVerifyHostname(t *testing.T) {
	cases := []struct {
		expected, presented string
		want                bool
	}{
		{"foo.bar.example", "foo.bar.example", true},
		{"foo.bar.example", "*.bar.example", true},
		{"bar.example", "*.bar.example", false},
		{"foo.bar.example", "*.baz.example", false},
		{"", "anything", false},
		{"FOO.BAR.EXAMPLE", "foo.bar.example", true},
		{"foo.bar.example", "*.Bar.Example", true},
	}
	for _, c := range cases {
		if got := verifyHostname(c.expected, c.presented); got != c.want {
			t.Errorf("verifyHostname(%q, %q) = %v, want %v", c.expected, c.presented, got, c.want)
		}
	}
}

func TestVerifyHostname_NoWildcardWithoutDot(t *testing.T) {
	if verifyHostname("localhost", "*.example") {
		t.Fatal("wildcard match should require a '.' in expected hostname")
	}
}

func TestBuildServerConfig(t *testing.T) {
	ca, _ := certgen.GenerateCA("ca")
	leaf, err := certgen.GenerateLeaf(ca, "srv", []string{"srv"}, []net.IP{net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatal(err)
	}

	cfg, err := buildServerConfig(ServerMaterial{
		CertPEM:     leaf.CertPEM,
		KeyPEM:      leaf.KeyPEM,
		CipherPrefs: "modern",
	}, PerfLowLatency)
	if err != nil {
		t.Fatalf("buildServerConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("expected 1 certificate, got %d", len(cfg.Certificates))
	}
	if cfg.DynamicRecordSizingDisabled {
		t.Fatal("low-latency perf mode must not disable dynamic record sizing")
	}
}

func TestBuildServerConfig_HighThroughput(t *testing.T) {
	ca, _ := certgen.GenerateCA("ca")
	leaf, _ := certgen.GenerateLeaf(ca, "srv", nil, nil)

	cfg, err := buildServerConfig(ServerMaterial{CertPEM: leaf.CertPEM, KeyPEM: leaf.KeyPEM}, PerfHighThroughput)
	if err != nil {
		t.Fatalf("buildServerConfig: %v", err)
	}
	if !cfg.DynamicRecordSizingDisabled {
		t.Fatal("high-throughput perf mode must disable dynamic record sizing")
	}
}

func TestBuildServerConfig_BadMaterial(t *testing.T) {
	_, err := buildServerConfig(ServerMaterial{CertPEM: []byte("x"), KeyPEM: []byte("y")}, PerfLowLatency)
	if err == nil {
		t.Fatal("expected error for invalid cert/key material")
	}
}

func TestBuildClientConfig_HostVerificationWiring(t *testing.T) {
	ca, _ := certgen.GenerateCA("ca")

	cfg, err := buildClientConfig(ClientMaterial{CertPEM: ca.CertPEM}, func() string { return "peer.example" })
	if err != nil {
		t.Fatalf("buildClientConfig: %v", err)
	}
	if cfg.VerifyPeerCertificate == nil {
		t.Fatal("expected VerifyPeerCertificate callback to be installed")
	}
	if !cfg.InsecureSkipVerify {
		t.Fatal("expected InsecureSkipVerify=true (verification deferred to VerifyPeerCertificate)")
	}
}
