// Package tlscore is the TLS integration core for emberkv's three
// connection classes: client commands, cluster-bus peers, and
// replication streams. It drives crypto/tls handshakes and I/O through
// the abstract internal/reactor contract, tracks a dense fd→connection
// registry, schedules repeated reads for cached plaintext, orchestrates
// replication renegotiation across a fork boundary, and hot-rotates the
// server certificate.
//
// Every exported method on Core and Connection must only be called from
// the single reactor goroutine; there are no locks on Core's fields by
// design (see Core's doc comment).
package tlscore
