package tlscore

import (
	"crypto/tls"

	"emberkv/internal/reactor"
)

// Replication Renegotiation Orchestrator (spec.md §4.8). A forked
// child has written the RDB snapshot to the replica over the parent's
// TLS connection; the parent's send state is now stale and both ends
// must tear down and renegotiate a fresh TLS connection on the same
// fd, without interleaving handshake records with the replica's
// post-snapshot bootstrap signalling ('\n' pings, '+' completion).

// TeardownFunc tears down the logical object owning conn (the host's
// free_client/cancel_replication_handshake collaborators) on a hard
// failure.
type TeardownFunc func(conn *Connection)

// FinishSyncFunc is the host's finish_sync_after_receiving_bulk_payload
// hook, invoked once the replica's renegotiation with the master
// completes.
type FinishSyncFunc func(conn *Connection)

// MasterReplicaLink is the master-side state machine, one instance per
// replica being transferred a snapshot.
type MasterReplicaLink struct {
	core           *Core
	conn           *Connection
	commandHandler reactor.HandlerFunc
	teardown       TeardownFunc
}

// StartWaitForReplicaToLoadRDB enters the TRANSFER_DONE state: arm a
// read-only handler that watches for the replica's '\n' keepalive
// pings and its final '+' completion byte.
func (c *Core) StartWaitForReplicaToLoadRDB(conn *Connection, commandHandler reactor.HandlerFunc, teardown TeardownFunc) *MasterReplicaLink {
	link := &MasterReplicaLink{core: c, conn: conn, commandHandler: commandHandler, teardown: teardown}
	c.rx.Disarm(conn.FD, reactor.Writable)
	c.rx.Arm(conn.FD, reactor.Readable, link.handleWaitForRDBLoaded, link)
	return link
}

func (l *MasterReplicaLink) handleWaitForRDBLoaded(fd int, mask reactor.Mask) {
	var b [1]byte
	n, err := l.core.Read(l.conn, b[:])
	if err == ErrWouldBlock {
		return
	}
	if err != nil {
		l.teardown(l.conn)
		return
	}
	if n == 0 {
		return
	}

	switch b[0] {
	case '\n':
		// keepalive ping from the replica while it loads the RDB; stay.
	case '+':
		l.core.StartRenegotiateWithReplicaAfterTransfer(l)
	default:
		l.teardown(l.conn)
	}
}

// StartRenegotiateWithReplicaAfterTransfer performs the "on completion"
// transition: drop the stale TLS connection without a shutdown alert
// (an alert here would race the replica's own fresh handshake on the
// wire), bind a new server-role TLS connection to the same fd, and
// drive the handshake.
func (c *Core) StartRenegotiateWithReplicaAfterTransfer(l *MasterReplicaLink) {
	conn := l.conn
	// The stale engine is dropped rather than passed to CleanupConnection,
	// whose WipeFree would close the raw socket the new handshake reuses.
	c.removeRepeatedRead(conn)

	conn.Engine = newEngineConn(RoleServer, conn.Conn, c.serverConfig.config, nil)
	conn.Flags &^= FlagLoadNotificationSent
	conn.listIndex = -1
	c.reg.insert(conn)

	c.rx.Disarm(conn.FD, reactor.Readable|reactor.Writable)
	c.rx.Arm(conn.FD, reactor.Readable|reactor.Writable, l.negotiate, l)
}

func (l *MasterReplicaLink) negotiate(fd int, mask reactor.Mask) {
	switch l.core.NegotiateAsync(l.conn, l.commandHandler, reactor.Readable, l.negotiate) {
	case Failed:
		l.teardown(l.conn)
	case Done, Retry:
	}
}

// DeleteReadHandlersForReplicasAwaitingBGSave disarms the readable
// interest for every given link, per spec.md §6's
// delete_read_handlers_for_replicas_awaiting_bgsave — used when a fresh
// background save is about to replace the set of pending transfers.
func (c *Core) DeleteReadHandlersForReplicasAwaitingBGSave(links []*MasterReplicaLink) {
	for _, l := range links {
		c.rx.Disarm(l.conn.FD, reactor.Readable)
	}
}

// ReplicaLink is the replica-side state machine (one instance, for the
// replica's connection to its master).
type ReplicaLink struct {
	core       *Core
	conn       *Connection
	masterHost string
	onFinish   FinishSyncFunc
}

// StartRenegotiateWithMasterAfterRDBLoad enters the replica-side
// machine once the local RDB load completes: arm a writable handler
// that will send the '+' completion signal over the still-live (but
// about to be torn down) TLS connection.
func (c *Core) StartRenegotiateWithMasterAfterRDBLoad(conn *Connection, masterHost string, onFinish FinishSyncFunc) *ReplicaLink {
	link := &ReplicaLink{core: c, conn: conn, masterHost: masterHost, onFinish: onFinish}
	c.rx.Disarm(conn.FD, reactor.Readable)
	c.rx.Arm(conn.FD, reactor.Writable, link.step, link)
	return link
}

func (l *ReplicaLink) step(fd int, mask reactor.Mask) {
	if !l.conn.notifiedLoad() {
		n, err := l.core.Write(l.conn, completionPayload)
		if err == ErrWouldBlock {
			return
		}
		if err != nil || n == 0 {
			return
		}

		// As on the master side, the stale engine is dropped without
		// CleanupConnection so the raw socket stays open for the new
		// handshake; no shutdown alert is sent.
		l.core.removeRepeatedRead(l.conn)

		clientCfg, err := l.core.clientConfigForHost(l.masterHost)
		if err != nil {
			l.core.logger.Error("failed to build client config for master renegotiation", "err", err)
			return
		}
		l.conn.Engine = newEngineConn(RoleClient, l.conn.Conn, nil, clientCfg)
		l.conn.Flags |= FlagLoadNotificationSent
		l.conn.listIndex = -1
		l.core.reg.insert(l.conn)

		l.core.rx.Disarm(l.conn.FD, reactor.Readable|reactor.Writable)
		l.core.rx.Arm(l.conn.FD, reactor.Readable|reactor.Writable, l.step, l)
		return
	}

	switch l.core.NegotiateAsync(l.conn, nil, 0, l.step) {
	case Done:
		l.onFinish(l.conn)
	case Failed:
		l.core.logger.Error("replica renegotiation with master failed", "fd", l.conn.FD)
	case Retry:
	}
}

var completionPayload = []byte("+")

// clientConfigForHost builds a one-off client tls.Config whose host
// verification targets hostname specifically, rather than the
// process-wide expected hostname used for cluster peers — the replica
// must verify its master's certificate, not its own.
func (c *Core) clientConfigForHost(hostname string) (*tls.Config, error) {
	return buildClientConfig(ClientMaterial{
		CertPEM:        []byte(c.certPEM),
		TrustStorePath: c.trustStorePath,
		CipherPrefs:    c.cipherPrefs,
	}, func() string { return hostname })
}
