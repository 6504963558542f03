package main

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

func newRenewCertCmd(logger *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "renew-cert",
		Short: "Validate and install new certificate material for a running server",
		Long: "Validates --new-cert/--new-key as a matching PEM pair, then overwrites " +
			"--cert-file/--key-file with them. A running server started with " +
			"--watch-cert picks up the change on its own; this command has no RPC " +
			"path into a live process and never needs one.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRenewCert(cmd, logger)
		},
	}

	cmd.Flags().String("new-cert", "", "path to the replacement certificate PEM")
	cmd.Flags().String("new-key", "", "path to the replacement private key PEM")
	cmd.Flags().String("cert-file", "", "server certificate PEM path to overwrite")
	cmd.Flags().String("key-file", "", "server private key PEM path to overwrite")
	_ = cmd.MarkFlagRequired("new-cert")
	_ = cmd.MarkFlagRequired("new-key")
	_ = cmd.MarkFlagRequired("cert-file")
	_ = cmd.MarkFlagRequired("key-file")

	return cmd
}

func runRenewCert(cmd *cobra.Command, logger *slog.Logger) error {
	newCertPath, _ := cmd.Flags().GetString("new-cert")
	newKeyPath, _ := cmd.Flags().GetString("new-key")
	certFile, _ := cmd.Flags().GetString("cert-file")
	keyFile, _ := cmd.Flags().GetString("key-file")

	certPEM, err := os.ReadFile(newCertPath)
	if err != nil {
		return fmt.Errorf("read new certificate: %w", err)
	}
	keyPEM, err := os.ReadFile(newKeyPath)
	if err != nil {
		return fmt.Errorf("read new private key: %w", err)
	}

	if _, err := tls.X509KeyPair(certPEM, keyPEM); err != nil {
		return fmt.Errorf("new certificate and key do not form a valid pair: %w", err)
	}

	if err := writeFileAtomic(certFile, certPEM, 0o644); err != nil {
		return fmt.Errorf("install new certificate: %w", err)
	}
	if err := writeFileAtomic(keyFile, keyPEM, 0o600); err != nil {
		return fmt.Errorf("install new private key: %w", err)
	}

	logger.Info("installed new certificate material", "cert-file", certFile, "key-file", keyFile)
	fmt.Printf("installed %s and %s\n", certFile, keyFile)
	return nil
}

// writeFileAtomic writes to a temp file in the same directory as path and
// renames over it, so a watcher polling path never observes a partial write.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
