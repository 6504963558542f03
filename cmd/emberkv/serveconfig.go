package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"emberkv/internal/tlscore"
)

type serveConfig struct {
	clientAddr, clusterAddr, replAddr string

	tlsEnabled   bool
	certFile     string
	keyFile      string
	dhParamsFile string
	cipherPrefs  string
	rootCACerts  string
	perfMode     tlscore.PerfMode
	maxClients   int
	reserve      int
	watchCert    bool
}

func loadServeConfig(cmd *cobra.Command) (serveConfig, error) {
	var cfg serveConfig
	flags := cmd.Flags()

	cfg.clientAddr, _ = flags.GetString("client-addr")
	cfg.clusterAddr, _ = flags.GetString("cluster-addr")
	cfg.replAddr, _ = flags.GetString("repl-addr")

	cfg.tlsEnabled, _ = flags.GetBool("tls")
	cfg.certFile, _ = flags.GetString("cert-file")
	cfg.keyFile, _ = flags.GetString("key-file")
	cfg.dhParamsFile, _ = flags.GetString("dh-params-file")
	cfg.cipherPrefs, _ = flags.GetString("cipher-prefs")
	cfg.rootCACerts, _ = flags.GetString("root-ca-certs")
	cfg.maxClients, _ = flags.GetInt("max-clients")
	cfg.reserve, _ = flags.GetInt("reserve")
	cfg.watchCert, _ = flags.GetBool("watch-cert")

	perfFlag, _ := flags.GetString("perf-mode")
	switch perfFlag {
	case "low-latency":
		cfg.perfMode = tlscore.PerfLowLatency
	case "high-throughput":
		cfg.perfMode = tlscore.PerfHighThroughput
	default:
		return serveConfig{}, fmt.Errorf("unknown perf-mode %q: want low-latency or high-throughput", perfFlag)
	}

	if cfg.tlsEnabled && (cfg.certFile == "" || cfg.keyFile == "") {
		return serveConfig{}, fmt.Errorf("--cert-file and --key-file are required when --tls is enabled")
	}

	return cfg, nil
}
