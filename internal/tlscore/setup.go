package tlscore

import (
	"net"
	"time"

	"github.com/google/uuid"
)

// Connection-setup entry points (spec.md §6's setup_on_accepted_client/
// setup_on_cluster_peer/setup_on_outbound) and teardown
// (cleanup_connection). Every Connection gets a uuid session id
// attached to its lifecycle log lines so one connection's events are
// greppable across a busy server's log stream — this has no effect on
// control flow (SPEC_FULL.md §3).

// SetupOnAcceptedClient registers an inbound client connection
// (server-role TLS) and starts it counted against the current
// certificate epoch. perf documents the caller's intended performance
// mode; a mismatch against the Core-wide mode set at init is logged but
// not applied per-connection, since crypto/tls bakes
// DynamicRecordSizingDisabled into the shared server tls.Config rather
// than per-handshake.
func (c *Core) SetupOnAcceptedClient(raw net.Conn, fd int, perf PerfMode) (*Connection, error) {
	if perf != c.perfMode {
		c.logger.Debug("accepted client requested different perf mode than core default", "fd", fd, "requested", perf, "core", c.perfMode)
	}

	conn, err := c.newConnection(raw, fd, RoleServer)
	if err != nil {
		return nil, err
	}
	conn.Flags |= FlagIsClient
	c.countCurrent++

	c.reg.insert(conn)
	c.logger.Info("client connection set up", "fd", fd, "session_id", conn.sessionID)
	return conn, nil
}

// SetupOnClusterPeer registers an inbound cluster-bus peer connection
// (server-role TLS). Cluster connections are not epoch-counted: they
// don't carry FlagIsClient, matching spec.md §3's invariant that the
// epoch counters track only client-flagged records.
func (c *Core) SetupOnClusterPeer(raw net.Conn, fd int) (*Connection, error) {
	conn, err := c.newConnection(raw, fd, RoleServer)
	if err != nil {
		return nil, err
	}
	c.reg.insert(conn)
	c.logger.Info("cluster peer connection set up", "fd", fd, "session_id", conn.sessionID)
	return conn, nil
}

// SetupOnOutbound registers an outbound connection (client-role TLS) —
// used for outbound cluster-bus dials and replica-to-master links.
func (c *Core) SetupOnOutbound(raw net.Conn, fd int) (*Connection, error) {
	conn, err := c.newConnection(raw, fd, RoleClient)
	if err != nil {
		return nil, err
	}
	c.reg.insert(conn)
	c.logger.Info("outbound connection set up", "fd", fd, "session_id", conn.sessionID)
	return conn, nil
}

func (c *Core) newConnection(raw net.Conn, fd int, role Role) (*Connection, error) {
	if !c.enabled {
		return &Connection{FD: fd, Role: role, Conn: raw, listIndex: -1, createdAt: time.Now(), sessionID: uuid.NewString()}, nil
	}

	var engine *engineConn
	if role == RoleServer {
		engine = newEngineConn(RoleServer, raw, c.serverConfig.config, nil)
	} else {
		engine = newEngineConn(RoleClient, raw, nil, c.clientConfig)
	}

	return &Connection{
		FD:        fd,
		Role:      role,
		Conn:      raw,
		Engine:    engine,
		listIndex: -1,
		createdAt: time.Now(),
		sessionID: uuid.NewString(),
	}, nil
}

// CleanupConnection tears down conn: optionally sends a TLS shutdown
// alert, wipes/frees the engine handle, removes the connection from the
// repeated-read list and the registry, and decrements the epoch
// counter it was attached to. Per spec.md §8, looking it up again after
// this call is a programming error (registry.lookup asserts).
func (c *Core) CleanupConnection(conn *Connection, sendShutdownAlert bool) error {
	c.removeRepeatedRead(conn)

	var firstErr error
	if c.enabled && conn.Engine != nil {
		if sendShutdownAlert {
			if err := conn.Engine.Shutdown(); err != nil {
				firstErr = err
			}
		}
		if err := conn.Engine.WipeFree(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if conn.isClient() {
		if conn.oldCert() {
			c.countPrevious--
		} else {
			c.countCurrent--
		}
	}

	c.reg.remove(conn.FD)
	c.logger.Info("connection cleaned up", "fd", conn.FD, "session_id", conn.sessionID, "shutdown_alert", sendShutdownAlert)
	return firstErr
}

// SyncNegotiate exposes NegotiateSync under the spec's external name
// (spec.md §6 sync_negotiate(fd, timeout_ms)).
func (c *Core) SyncNegotiate(conn *Connection, timeout time.Duration) error {
	return c.NegotiateSync(conn, timeout)
}
