package tlscore

import (
	"crypto/tls"
	"net"
	"testing"
	"time"

	"emberkv/internal/certgen"
)

func testConfigs(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()
	ca, err := certgen.GenerateCA("engine-test-ca")
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := certgen.GenerateLeaf(ca, "engine.test", []string{"engine.test"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	srvCfg, err := buildServerConfig(ServerMaterial{CertPEM: leaf.CertPEM, KeyPEM: leaf.KeyPEM, CipherPrefs: "modern"}, PerfLowLatency)
	if err != nil {
		t.Fatal(err)
	}
	cliCfg, err := buildClientConfig(ClientMaterial{CertPEM: ca.CertPEM}, func() string { return "engine.test" })
	if err != nil {
		t.Fatal(err)
	}
	return srvCfg, cliCfg
}

// loopbackPair returns a real connected TCP loopback pair. Unlike
// net.Pipe, TCP sockets have real kernel buffering, so the immediate-
// deadline non-blocking trick nbConn relies on behaves the way it would
// against a production socket: a Write completes once OS buffer space
// is available rather than rendezvousing with a concurrent Read.
func loopbackPair(t *testing.T) (server, client net.Conn) {
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

// pumpUntilDone repeatedly calls step until it reports completion,
// backing off briefly on a blocked result so the peer goroutine gets a
// chance to run — the same pattern a reactor's readiness callback plays
// against a real non-blocking socket.
func pumpUntilDone(t *testing.T, step func() (BlockDir, error)) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatal("operation did not complete in time")
		}
		dir, err := step()
		if err != nil {
			t.Fatal(err)
		}
		if dir == NotBlocked {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEngineConn_HandshakeAndSendRecv(t *testing.T) {
	srvCfg, cliCfg := testConfigs(t)
	srvNet, cliNet := loopbackPair(t)
	defer srvNet.Close()
	defer cliNet.Close()

	srv := newEngineConn(RoleServer, srvNet, srvCfg, nil)
	cli := newEngineConn(RoleClient, cliNet, nil, cliCfg)

	done := make(chan struct{})
	go func() {
		pumpUntilDone(t, func() (BlockDir, error) { return cli.Handshake() })
		close(done)
	}()
	pumpUntilDone(t, func() (BlockDir, error) { return srv.Handshake() })
	<-done

	payload := []byte("hello over tls")
	sendDone := make(chan struct{})
	go func() {
		sent := 0
		pumpUntilDone(t, func() (BlockDir, error) {
			n, dir, err := cli.Send(payload[sent:])
			sent += n
			if sent == len(payload) {
				return NotBlocked, err
			}
			return dir, err
		})
		close(sendDone)
	}()

	buf := make([]byte, len(payload))
	got := 0
	pumpUntilDone(t, func() (BlockDir, error) {
		n, dir, err := srv.Recv(buf[got:])
		got += n
		if got == len(payload) {
			return NotBlocked, err
		}
		return dir, err
	})
	<-sendDone

	if string(buf) != string(payload) {
		t.Fatalf("got %q, want %q", buf, payload)
	}

	if _, ok := srv.PeerLeaf(); ok {
		t.Fatal("server requires no client cert, expected no peer leaf")
	}
}

func TestEngineConn_HandshakeFailsOnHostnameMismatch(t *testing.T) {
	ca, err := certgen.GenerateCA("mismatch-ca")
	if err != nil {
		t.Fatal(err)
	}
	leaf, err := certgen.GenerateLeaf(ca, "wrong.name", []string{"wrong.name"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	srvCfg, err := buildServerConfig(ServerMaterial{CertPEM: leaf.CertPEM, KeyPEM: leaf.KeyPEM}, PerfLowLatency)
	if err != nil {
		t.Fatal(err)
	}
	cliCfg, err := buildClientConfig(ClientMaterial{CertPEM: ca.CertPEM}, func() string { return "expected.name" })
	if err != nil {
		t.Fatal(err)
	}

	srvNet, cliNet := loopbackPair(t)
	defer srvNet.Close()
	defer cliNet.Close()

	srv := newEngineConn(RoleServer, srvNet, srvCfg, nil)
	cli := newEngineConn(RoleClient, cliNet, nil, cliCfg)

	srvErrCh := make(chan error, 1)
	go func() {
		deadline := time.Now().Add(5 * time.Second)
		for {
			if time.Now().After(deadline) {
				srvErrCh <- nil
				return
			}
			dir, err := srv.Handshake()
			if err != nil {
				srvErrCh <- nil
				return
			}
			if dir == NotBlocked {
				srvErrCh <- nil
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	deadline := time.Now().Add(5 * time.Second)
	var gotErr error
	for time.Now().Before(deadline) {
		dir, err := cli.Handshake()
		if err != nil {
			gotErr = err
			break
		}
		if dir == NotBlocked {
			break
		}
		time.Sleep(time.Millisecond)
	}
	<-srvErrCh

	if gotErr == nil {
		t.Fatal("expected client handshake to fail on hostname mismatch")
	}
}
