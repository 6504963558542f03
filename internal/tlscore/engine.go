package tlscore

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
)

// engineConn is the TLS Library Adapter of spec.md §4.1: it owns one
// crypto/tls.Conn plus the non-blocking wrapper underneath it, and
// translates the engine's always-blocking calls into the tri-state
// blocked-on-read / blocked-on-write / not-blocked signal the reactor
// needs. Every method here runs on the single reactor goroutine; there
// is no locking.
type engineConn struct {
	role Role
	raw  *nbConn
	conn *tls.Conn
}

// newEngineConn binds rawConn to a role and a TLS configuration,
// combining spec.md §4.1's separate "create" and "bind socket" steps —
// crypto/tls.Server/Client already do both in one call.
func newEngineConn(role Role, rawConn net.Conn, serverCfg, clientCfg *tls.Config) *engineConn {
	nb := newNBConn(rawConn)
	var tlsConn *tls.Conn
	if role == RoleServer {
		tlsConn = tls.Server(nb, serverCfg)
	} else {
		tlsConn = tls.Client(nb, clientCfg)
	}
	return &engineConn{role: role, raw: nb, conn: tlsConn}
}

// Handshake drives one step of the handshake. A nil error with
// NotBlocked means the handshake completed; a nil error with
// BlockedOnRead/BlockedOnWrite means the caller must re-arm the
// reactor for that direction and call Handshake again once ready. A
// non-nil error is fatal — spec.md §4.1's "no silent retry on a fatal
// handshake error".
func (e *engineConn) Handshake() (BlockDir, error) {
	e.raw.reset()
	err := e.conn.Handshake()
	if err == nil {
		return NotBlocked, nil
	}
	if isTimeout(err) {
		return e.raw.lastBlocked, nil
	}
	return NotBlocked, newEngineError(classify(err), err)
}

// Send writes buf and reports how many bytes were actually accepted
// before any blocking condition. Per spec.md §4.1, on a blocked result
// the caller must retry with the SAME buffer (or its unsent suffix) —
// crypto/tls, like OpenSSL, does not tolerate a changed buffer across a
// retried partial write.
func (e *engineConn) Send(buf []byte) (int, BlockDir, error) {
	e.raw.reset()
	n, err := e.conn.Write(buf)
	if err == nil {
		return n, NotBlocked, nil
	}
	if isTimeout(err) {
		return n, e.raw.lastBlocked, nil
	}
	return n, NotBlocked, newEngineError(classify(err), err)
}

// Recv reads into buf. A blocked result with n == 0 means try again
// later; TLS record framing means a blocked read can still have
// delivered application bytes from a previously buffered record, so
// callers must check n before treating BlockDir as "nothing happened".
func (e *engineConn) Recv(buf []byte) (int, BlockDir, error) {
	e.raw.reset()
	n, err := e.conn.Read(buf)
	if err == nil {
		return n, NotBlocked, nil
	}
	if isTimeout(err) {
		return n, e.raw.lastBlocked, nil
	}
	if errors.Is(err, net.ErrClosed) {
		return n, NotBlocked, newEngineError(ClassIO, err)
	}
	return n, NotBlocked, newEngineError(classify(err), err)
}

// Shutdown sends a close_notify alert without closing the underlying
// socket, matching cleanup_connection's send_shutdown_alert path in
// spec.md §4.6 — WipeFree, which CleanupConnection calls next, closes it.
func (e *engineConn) Shutdown() error {
	e.raw.reset()
	err := e.conn.CloseWrite()
	if err != nil && !isTimeout(err) {
		return newEngineError(classify(err), err)
	}
	return nil
}

// WipeFree releases the adapter's resources — the underlying raw
// socket — completing cleanup_connection's "shutdown, then wipe+free"
// pair from spec.md §4.6. crypto/tls has no separate handle to free;
// the garbage collector reclaims conn/raw once unreferenced.
func (e *engineConn) WipeFree() error {
	return e.raw.Conn.Close()
}

// ConnectionState exposes the negotiated state for introspection
// (cipher suite, version, peer certificates) once the handshake
// completes.
func (e *engineConn) ConnectionState() tls.ConnectionState {
	return e.conn.ConnectionState()
}

// PeerLeaf returns the verified peer leaf certificate, if any —
// for callers needing the replica/peer identity after a successful
// mutual-auth handshake.
func (e *engineConn) PeerLeaf() (*x509.Certificate, bool) {
	state := e.conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil, false
	}
	return state.PeerCertificates[0], true
}

// classify maps an engine error to the coarse Classification spec.md
// §4.1 wants surfaced to the host: protocol-level alerts are
// distinguished from plain I/O failures so the host can log and react
// differently (e.g. a protocol error is never worth retrying).
func classify(err error) Classification {
	var alertErr tls.AlertError
	if errors.As(err, &alertErr) {
		return ClassProtocol
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return ClassProtocol
	}
	var certErr x509.CertificateInvalidError
	if errors.As(err, &certErr) {
		return ClassProtocol
	}
	var unknownAuthErr x509.UnknownAuthorityError
	if errors.As(err, &unknownAuthErr) {
		return ClassProtocol
	}
	var hostErr x509.HostnameError
	if errors.As(err, &hostErr) {
		return ClassProtocol
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassIO
	}
	return ClassInternal
}
