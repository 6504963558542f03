package tlscore

import (
	"time"

	"emberkv/internal/reactor"
)

// NegotiateResult is negotiate_async's tri-state outcome (spec.md §4.5).
type NegotiateResult int

const (
	Done NegotiateResult = iota
	Retry
	Failed
)

func (r NegotiateResult) String() string {
	switch r {
	case Done:
		return "done"
	case Retry:
		return "retry"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// NegotiateAsync drives one step of a reactor-driven handshake. The
// caller supplies sourceHandler so the reactor re-enters the same
// negotiation on the fd's next readiness edge; postHandler/postMask are
// armed only once the handshake completes.
func (c *Core) NegotiateAsync(conn *Connection, postHandler reactor.HandlerFunc, postMask reactor.Mask, sourceHandler reactor.HandlerFunc) NegotiateResult {
	dir, err := conn.Engine.Handshake()
	if err != nil {
		c.disarmBoth(conn.FD)
		c.logHandshakeFailure(conn, err)
		return Failed
	}

	switch dir {
	case NotBlocked:
		c.disarmBoth(conn.FD)
		if postHandler != nil {
			c.rx.Arm(conn.FD, postMask, postHandler, conn)
		}
		return Done

	case BlockedOnRead:
		c.rx.Disarm(conn.FD, reactor.Writable)
		if !c.rx.CurrentMask(conn.FD).Has(reactor.Readable) {
			c.rx.Arm(conn.FD, reactor.Readable, sourceHandler, conn)
		}
		return Retry

	case BlockedOnWrite:
		c.rx.Disarm(conn.FD, reactor.Readable)
		c.rx.Arm(conn.FD, reactor.Writable, sourceHandler, conn)
		return Retry

	default:
		c.disarmBoth(conn.FD)
		return Failed
	}
}

func (c *Core) disarmBoth(fd int) {
	c.rx.Disarm(fd, reactor.Readable|reactor.Writable)
}

// logHandshakeFailure consults the process-wide handshake rate limiter
// (spec.md §4.1's "caller manages pacing" in place of engine blinding):
// once it's exhausted, repeated failures log at Warn rather than Error
// to avoid amplifying a handshake-failure storm into a log storm. This
// never changes the returned Failed result.
func (c *Core) logHandshakeFailure(conn *Connection, err error) {
	fields := []any{"fd", conn.FD, "session_id", conn.sessionID, "err", err}
	if c.handshakeLimiter.Allow() {
		c.logger.Error("tls handshake failed", fields...)
	} else {
		c.logger.Warn("tls handshake failed (rate limited)", fields...)
	}
}

// NegotiateSync drives a handshake to completion synchronously, using
// the reactor's WaitUntilReady primitive between blocked attempts —
// appropriate for replication bootstrap phases that want simple,
// ordered control flow instead of multiplexing on the reactor.
// timeout bounds each individual wait, not the whole handshake.
func (c *Core) NegotiateSync(conn *Connection, timeout time.Duration) error {
	for {
		dir, err := conn.Engine.Handshake()
		if err != nil {
			return err
		}
		if dir == NotBlocked {
			return nil
		}

		waitDir := reactor.Readable
		if dir == BlockedOnWrite {
			waitDir = reactor.Writable
		}
		if _, err := c.rx.WaitUntilReady(conn.FD, waitDir, timeout); err != nil {
			return err
		}
	}
}
