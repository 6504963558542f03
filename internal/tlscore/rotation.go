package tlscore

import (
	"fmt"
	"time"
)

// Certificate Rotation Manager (spec.md §4.9): atomically swaps the
// active server configuration, sweeps clients that have now aged past
// two certificate epochs, and preserves the "at most two server
// configurations coexist" invariant.

// Renew installs a new certificate/key as the active server
// configuration. On any validation failure, no state is modified —
// the old certificate remains active (spec.md §7's "rotation
// pre-validation failure" kind).
func (c *Core) Renew(certPEM, keyPEM []byte, certPath, keyPath string, clients []*Connection) error {
	newServerCfg, err := buildServerConfig(ServerMaterial{
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
		DHParamsPEM: c.dhParamsPEM,
		CipherPrefs: c.cipherPrefs,
	}, c.perfMode)
	if err != nil {
		return fmt.Errorf("tlscore: renew: build server config: %w", err)
	}

	notBefore, notAfter, serial, err := extractValidity(certPEM)
	if err != nil {
		return fmt.Errorf("tlscore: renew: extract validity: %w", err)
	}
	cn, err := extractCommonName(certPEM)
	if err != nil {
		return fmt.Errorf("tlscore: renew: extract common name: %w", err)
	}

	clientCfg, err := buildClientConfig(ClientMaterial{
		CertPEM:        certPEM,
		TrustStorePath: c.trustStorePath,
		CipherPrefs:    c.cipherPrefs,
	}, func() string { return c.expectedHostname })
	if err != nil {
		return fmt.Errorf("tlscore: renew: build client config: %w", err)
	}

	c.sweepOldClients(clients)

	c.prevServerConfig = c.serverConfig
	c.serverConfig = &tlsServerConfig{config: newServerCfg, createdAt: time.Now()}

	c.certPEM, c.certPath = string(certPEM), certPath
	c.keyPEM, c.keyPath = string(keyPEM), keyPath
	c.notBefore, c.notAfter, c.serial = notBefore, notAfter, serial
	c.expectedHostname = cn
	c.clientConfig = clientCfg

	c.countPrevious = c.countCurrent
	c.countCurrent = 0

	c.logger.Info("certificate rotated", "cert_path", certPath, "serial", fmt.Sprintf("%x", serial),
		"not_before", notBefore, "not_after", notAfter)
	return nil
}

// sweepOldClients runs step 3 of spec.md §4.9: if a previous-epoch
// config is already installed, every client created at or before the
// current config's creation time is two generations old and must be
// disconnected now, before the new config replaces the current one.
// Every client that survives is marked with FlagOldCert.
func (c *Core) sweepOldClients(clients []*Connection) {
	disconnected := make(map[*Connection]bool)

	if c.prevServerConfig != nil {
		cutoff := c.serverConfig.createdAt
		for _, conn := range clients {
			if !conn.isClient() {
				continue
			}
			if !conn.createdAt.After(cutoff) {
				c.logger.Info("disconnecting client on two-generations-old certificate", "fd", conn.FD, "session_id", conn.sessionID)
				_ = c.CleanupConnection(conn, true)
				disconnected[conn] = true
			}
		}
		c.prevServerConfig = nil
	}

	for _, conn := range clients {
		if conn.isClient() && !disconnected[conn] {
			conn.Flags |= FlagOldCert
		}
	}
}
