package tlscore

import (
	"log/slog"
	"net"
	"os"
	"testing"

	"emberkv/internal/certgen"
	"emberkv/internal/reactor"
)

// testMaterial is a throwaway self-signed identity cert for a Core
// under test. Core.loadInitialMaterial builds its client trust pool
// from its own server certPEM (the shared-material peering scheme
// certgen.GenerateLeaf's doc comment describes), so two Cores built
// from the SAME self-signed cert can complete a mutual handshake: a
// self-signed cert is its own issuer, so it verifies directly against a
// pool containing only itself. A CA-signed leaf would not, since the
// pool wouldn't contain the signing CA — that shape is covered
// separately in engine_test.go/tlsconfig_test.go against a real CA.
type testMaterial struct {
	certPEM, keyPEM []byte
}

func genTestMaterial(t *testing.T, cn string) testMaterial {
	t.Helper()
	ca, err := certgen.GenerateCA(cn)
	if err != nil {
		t.Fatal(err)
	}
	return testMaterial{certPEM: ca.CertPEM, keyPEM: ca.KeyPEM}
}

// newTestCore builds an enabled Core backed by a Fake reactor and
// throwaway certificate material written to tmp files.
func newTestCore(t *testing.T, mat testMaterial) (*Core, *reactor.Fake) {
	t.Helper()
	dir := t.TempDir()
	certPath := dir + "/cert.pem"
	keyPath := dir + "/key.pem"
	if err := os.WriteFile(certPath, mat.certPEM, 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyPath, mat.keyPEM, 0o600); err != nil {
		t.Fatal(err)
	}

	fake := reactor.NewFake()
	core, err := New(Config{
		Enabled:     true,
		CertFile:    certPath,
		KeyFile:     keyPath,
		CipherPrefs: "modern",
		MaxClients:  16,
		Reserve:     4,
		Reactor:     fake,
		Logger:      slog.New(slog.DiscardHandler),
	})
	if err != nil {
		t.Fatal(err)
	}
	return core, fake
}

func loopbackConns(t *testing.T) (server, client net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	type result struct {
		conn net.Conn
		err  error
	}
	acceptCh := make(chan result, 1)
	go func() {
		c, err := ln.Accept()
		acceptCh <- result{c, err}
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	r := <-acceptCh
	if r.err != nil {
		t.Fatal(r.err)
	}
	return r.conn, client
}
