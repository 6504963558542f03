package tlscore

// I/O Shim (spec.md §4.6): read/write/ping/strerror, dispatching to the
// raw socket when TLS is disabled and to the engine adapter when
// enabled, translating the engine's blocked signal into the reactor's
// would-block convention (ErrWouldBlock).

// Read delivers up to len(buf) bytes. A return of (0, ErrWouldBlock)
// means no application bytes are available right now; a positive n is
// always real data.
//
// spec.md §4.6 enqueues for a repeated read when the engine reports
// blocked-on-read alongside n>0 bytes — OpenSSL's SSL_read exposes that
// distinction directly. crypto/tls does not: a successful Read that
// drains an already-decrypted record never reports "blocked", whether
// or not more plaintext remains cached behind it. The equivalent,
// reliable signal in Go is a full buffer: if Recv returns exactly
// len(buf) bytes with no error, the record may still hold more than fit
// in this call, so the connection is enqueued for a repeated read;
// a short read (n < len(buf)) means this record, or what's left of the
// kernel's readable bytes, is exhausted.
func (c *Core) Read(conn *Connection, buf []byte) (int, error) {
	if !c.enabled {
		return conn.Conn.Read(buf)
	}

	n, dir, err := conn.Engine.Recv(buf)
	if err != nil {
		c.recordEngineErr(err)
		return n, err
	}

	if n > 0 && n == len(buf) {
		c.addRepeatedRead(conn)
	} else {
		c.removeRepeatedRead(conn)
	}

	if n == 0 && dir != NotBlocked {
		return 0, ErrWouldBlock
	}
	return n, nil
}

// Write sends buf. If a ping is mid-flight (FlagPingInProgress), the
// pending "\n" byte is flushed first — the engine's send state is
// stateful, so the same bytes must be replayed until they succeed
// before any new payload can be queued behind them.
func (c *Core) Write(conn *Connection, buf []byte) (int, error) {
	if !c.enabled {
		return conn.Conn.Write(buf)
	}

	if conn.pinging() {
		n, dir, err := conn.Engine.Send(newlinePayload)
		if err != nil {
			c.recordEngineErr(err)
			return 0, err
		}
		if n == 0 && dir != NotBlocked {
			return 0, ErrWouldBlock
		}
		conn.Flags &^= FlagPingInProgress
	}

	n, dir, err := conn.Engine.Send(buf)
	if err != nil {
		c.recordEngineErr(err)
		return n, err
	}
	if n == 0 && dir != NotBlocked {
		return 0, ErrWouldBlock
	}
	return n, nil
}

var newlinePayload = []byte("\n")

// Ping attempts a best-effort single-byte keepalive. If the byte can't
// be sent immediately, FlagPingInProgress is set so the next Write call
// flushes it before its own payload — the caller of Ping never retries
// the ping itself.
func (c *Core) Ping(conn *Connection) error {
	if !c.enabled {
		_, err := conn.Conn.Write(newlinePayload)
		return err
	}

	n, dir, err := conn.Engine.Send(newlinePayload)
	if err != nil {
		c.recordEngineErr(err)
		return err
	}
	if n == 0 && dir != NotBlocked {
		conn.Flags |= FlagPingInProgress
		return ErrWouldBlock
	}
	return nil
}

// Strerror reports the last engine error's message: the system error
// string when it was classified as I/O, otherwise the engine's own error
// string. With TLS disabled, Read, Write and Ping do not record their
// socket errors, so Strerror returns "".
func (c *Core) Strerror() string {
	if !c.enabled {
		if c.lastIOErr != nil {
			return c.lastIOErr.Error()
		}
		return ""
	}
	if c.lastEngineErr != nil {
		if c.lastEngineErr.Class == ClassIO {
			return c.lastEngineErr.Err.Error()
		}
		return c.lastEngineErr.Error()
	}
	return ""
}

func (c *Core) recordEngineErr(err error) {
	if ee, ok := err.(*EngineError); ok {
		c.lastEngineErr = ee
		if ee.Class == ClassIO {
			c.lastIOErr = ee.Err
		}
	}
}
