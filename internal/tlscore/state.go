package tlscore

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"os"
	"time"

	"golang.org/x/time/rate"

	"emberkv/internal/logging"
	"emberkv/internal/reactor"
)

// Role selects which side of the handshake a Connection negotiates.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// PerfMode trades handshake/record latency against steady-state
// throughput, per spec.md §4.1.
type PerfMode int

const (
	PerfLowLatency PerfMode = iota
	PerfHighThroughput
)

// BlockDir is the TLS engine adapter's tri-state blocked signal
// (spec.md §4.1): a handshake/send/recv call reports which direction,
// if any, it is waiting on.
type BlockDir int

const (
	NotBlocked BlockDir = iota
	BlockedOnRead
	BlockedOnWrite
)

// ConnFlags is the Connection Record flags bitset from spec.md §3.
type ConnFlags uint8

const (
	FlagIsClient ConnFlags = 1 << iota
	FlagOldCert
	FlagPingInProgress
	FlagLoadNotificationSent
)

// Config holds the recognized configuration options from spec.md §6.
type Config struct {
	Enabled bool

	CertFile     string
	KeyFile      string
	DHParamsFile string
	CipherPrefs  string
	PerfMode     PerfMode
	RootCACerts  string // root_ca_certs_path

	// MaxClients plus Reserve sizes the fd registry: max-clients + reserve.
	MaxClients int
	Reserve    int

	Reactor reactor.Reactor
	Logger  *slog.Logger
}

// Core is the process-wide Global TLS State from spec.md §3. Every
// method must only be called from the single reactor goroutine: there
// are no mutexes here by design, matching spec.md §5 ("there are no
// locks on the core data structures").
type Core struct {
	logger *slog.Logger
	rx     reactor.Reactor

	enabled bool

	serverConfig     *tlsServerConfig
	prevServerConfig *tlsServerConfig
	clientConfig     *tls.Config

	certPEM, certPath string
	keyPEM, keyPath   string
	notBefore         string
	notAfter          string
	serial            *big.Int

	expectedHostname string
	cipherPrefs      string
	perfMode         PerfMode
	dhParamsPEM      []byte
	trustStorePath   string

	reg *registry

	cachedReadList     []*Connection
	repeatedReadTask   reactor.TaskHandle
	repeatedReadArmed  bool

	countCurrent  int
	countPrevious int

	totalRepeatedReads uint64
	maxCachedListLen   int

	// handshakeLimiter paces repeated fatal handshake failures — the
	// caller-managed pacing spec.md §4.1 calls for in place of the TLS
	// engine's internal blinding, which is disabled.
	handshakeLimiter *rate.Limiter

	// lastIOErr/lastEngineErr back strerror()'s classification-dependent
	// message, per spec.md §4.6.
	lastIOErr     error
	lastEngineErr *EngineError
}

// tlsServerConfig bundles a built server tls.Config with the creation
// timestamp rotation accounting needs.
type tlsServerConfig struct {
	config    *tls.Config
	createdAt time.Time
}

// Connection is the per-socket Connection Record from spec.md §3.
type Connection struct {
	FD     int
	Role   Role
	Conn   net.Conn // raw socket; read/written directly when TLS is disabled
	Engine *engineConn
	Flags  ConnFlags

	// listIndex is the intrusive back-pointer into Core.cachedReadList:
	// -1 when the connection is not enqueued, else its index in the
	// slice (kept current by swap-remove in removeRepeatedRead).
	listIndex int

	createdAt time.Time
	sessionID string
}

func (c *Connection) isClient() bool   { return c.Flags&FlagIsClient != 0 }
func (c *Connection) oldCert() bool    { return c.Flags&FlagOldCert != 0 }
func (c *Connection) pinging() bool    { return c.Flags&FlagPingInProgress != 0 }
func (c *Connection) notifiedLoad() bool { return c.Flags&FlagLoadNotificationSent != 0 }

// New initializes the Global TLS State (spec.md §6 init(config)). A
// fatal init error (bad certificate, unreadable key) aborts — callers
// in cmd/emberkv treat a non-nil error as fatal-process-exit, matching
// spec.md §7's "Fatal init errors... abort process".
func New(cfg Config) (*Core, error) {
	logger := logging.Scoped(cfg.Logger, "tlscore")

	c := &Core{
		logger:           logger,
		rx:               cfg.Reactor,
		enabled:          cfg.Enabled,
		cipherPrefs:      cfg.CipherPrefs,
		perfMode:         cfg.PerfMode,
		trustStorePath:   cfg.RootCACerts,
		repeatedReadTask: -1,
		handshakeLimiter: rate.NewLimiter(rate.Limit(50), 50),
	}

	size := cfg.MaxClients + cfg.Reserve
	if size <= 0 {
		size = 1024
	}
	c.reg = newRegistry(size)

	if !cfg.Enabled {
		return c, nil
	}

	if err := c.loadInitialMaterial(cfg); err != nil {
		return nil, err
	}

	logger.Info("tls core initialized", "cert_path", cfg.CertFile, "registry_size", size)
	return c, nil
}

func (c *Core) loadInitialMaterial(cfg Config) error {
	certPEM, err := os.ReadFile(cfg.CertFile)
	if err != nil {
		return fmt.Errorf("tlscore: read certificate file: %w", err)
	}
	keyPEM, err := os.ReadFile(cfg.KeyFile)
	if err != nil {
		return fmt.Errorf("tlscore: read private key file: %w", err)
	}
	var dhPEM []byte
	if cfg.DHParamsFile != "" {
		dhPEM, err = os.ReadFile(cfg.DHParamsFile)
		if err != nil {
			return fmt.Errorf("tlscore: read DH params file: %w", err)
		}
	}

	notBefore, notAfter, serial, err := extractValidity(certPEM)
	if err != nil {
		return fmt.Errorf("tlscore: extract certificate validity: %w", err)
	}
	cn, err := extractCommonName(certPEM)
	if err != nil {
		return fmt.Errorf("tlscore: extract certificate common name: %w", err)
	}

	serverCfg, err := buildServerConfig(ServerMaterial{
		CertPEM:     certPEM,
		KeyPEM:      keyPEM,
		DHParamsPEM: dhPEM,
		CipherPrefs: cfg.CipherPrefs,
	}, cfg.PerfMode)
	if err != nil {
		return fmt.Errorf("tlscore: build server config: %w", err)
	}

	c.certPEM, c.certPath = string(certPEM), cfg.CertFile
	c.keyPEM, c.keyPath = string(keyPEM), cfg.KeyFile
	c.dhParamsPEM = dhPEM
	c.notBefore, c.notAfter, c.serial = notBefore, notAfter, serial
	c.expectedHostname = cn
	c.serverConfig = &tlsServerConfig{config: serverCfg, createdAt: time.Now()}

	clientCfg, err := buildClientConfig(ClientMaterial{
		CertPEM:        certPEM,
		TrustStorePath: cfg.RootCACerts,
		CipherPrefs:    cfg.CipherPrefs,
	}, func() string { return c.expectedHostname })
	if err != nil {
		return fmt.Errorf("tlscore: build client config: %w", err)
	}
	c.clientConfig = clientCfg

	return nil
}

// Close tears down the Global TLS State (spec.md §6 cleanup()). It does
// not close any connection fds — the host is expected to have called
// CleanupConnection on every live connection first.
func (c *Core) Close() error {
	if c.repeatedReadArmed && c.rx != nil {
		c.rx.CancelRecurring(c.repeatedReadTask)
	}
	c.serverConfig = nil
	c.prevServerConfig = nil
	c.clientConfig = nil
	return nil
}

// Enabled reports whether TLS is active for this Core.
func (c *Core) Enabled() bool { return c.enabled }

// Introspection is the read-only snapshot spec.md §6 names: current/
// previous certificate counts, serial (hex), validity strings, repeated
// read telemetry.
type Introspection struct {
	CurrentCount     int
	PreviousCount    int
	SerialHex        string
	NotBefore        string
	NotAfter         string
	TotalRepeatedReads uint64
	MaxCachedListLen   int
}

func (c *Core) Introspect() Introspection {
	serialHex := ""
	if c.serial != nil {
		serialHex = fmt.Sprintf("%x", c.serial)
	}
	return Introspection{
		CurrentCount:       c.countCurrent,
		PreviousCount:      c.countPrevious,
		SerialHex:          serialHex,
		NotBefore:          c.notBefore,
		NotAfter:           c.notAfter,
		TotalRepeatedReads: c.totalRepeatedReads,
		MaxCachedListLen:   c.maxCachedListLen,
	}
}

// ResizeRegistry exposes registry.resize as a host operation
// (spec.md §6 resize_registry).
func (c *Core) ResizeRegistry(newSize int) error {
	return c.reg.resize(newSize)
}
