package main

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"

	"emberkv/internal/certgen"
)

func newGenCertCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gencert",
		Short: "Generate throwaway self-signed certificate material for first-run bootstrap",
		Long: "Writes a certificate and key signed by a freshly generated self-signed CA, " +
			"plus that CA's certificate, suitable for a single-node " +
			"bootstrap where every connection class (client, cluster-bus, replication) " +
			"dials its peers with the same identity. For a multi-node deployment with a " +
			"real CA, provision certificates externally instead.",
		RunE: runGenCert,
	}

	cmd.Flags().String("cn", "emberkv", "certificate common name")
	cmd.Flags().StringSlice("dns", nil, "additional DNS SANs")
	cmd.Flags().StringSlice("ip", nil, "additional IP SANs")
	cmd.Flags().String("out-cert", "emberkv.crt", "output certificate PEM path")
	cmd.Flags().String("out-key", "emberkv.key", "output private key PEM path")

	return cmd
}

func runGenCert(cmd *cobra.Command, args []string) error {
	cn, _ := cmd.Flags().GetString("cn")
	dnsNames, _ := cmd.Flags().GetStringSlice("dns")
	ipStrs, _ := cmd.Flags().GetStringSlice("ip")
	outCert, _ := cmd.Flags().GetString("out-cert")
	outKey, _ := cmd.Flags().GetString("out-key")

	var ips []net.IP
	for _, s := range ipStrs {
		ip := net.ParseIP(s)
		if ip == nil {
			return fmt.Errorf("invalid --ip value %q", s)
		}
		ips = append(ips, ip)
	}

	ca, err := certgen.GenerateCA(cn)
	if err != nil {
		return fmt.Errorf("generate self-signed identity: %w", err)
	}

	leaf, err := certgen.GenerateLeaf(ca, cn, dnsNames, ips)
	if err != nil {
		return fmt.Errorf("generate leaf certificate: %w", err)
	}

	if err := os.WriteFile(outCert, leaf.CertPEM, 0o644); err != nil {
		return fmt.Errorf("write certificate: %w", err)
	}
	if err := os.WriteFile(outKey, leaf.KeyPEM, 0o600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	caCertPath := outCert + ".ca"
	if err := os.WriteFile(caCertPath, ca.CertPEM, 0o644); err != nil {
		return fmt.Errorf("write CA certificate: %w", err)
	}

	fmt.Printf("wrote %s, %s, and issuing CA %s\n", outCert, outKey, caCertPath)
	fmt.Println("copy the CA file into a directory under a .pem or .crt name and point --root-ca-certs at that directory to let peers verify this leaf")
	return nil
}
