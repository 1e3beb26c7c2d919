package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/postalsys/remote-shell/internal/certutil"
)

func certCmd() *cobra.Command {
	var (
		outDir   string
		hosts    []string
		validFor time.Duration
		der      bool
	)

	cmd := &cobra.Command{
		Use:   "cert",
		Short: "Generate a development CA and server certificate",
		Long: `Generate a self-signed CA and a server certificate signed by it.
The server certificate always covers localhost, 127.0.0.1 and ::1.

Files written to the output directory:
  ca.crt, ca.key          CA certificate and key (--ca on the dialing side)
  server.crt, server.key  server chain and PKCS8 key (--cert/--key on the listening side)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := certutil.EncodingPEM
			if der {
				enc = certutil.EncodingDER
			}

			ca, err := certutil.GenerateCA("remote-shell development CA", validFor)
			if err != nil {
				return err
			}
			server, err := certutil.GenerateServerCert(hosts, validFor, ca)
			if err != nil {
				return err
			}

			caCert := filepath.Join(outDir, "ca.crt")
			serverCert := filepath.Join(outDir, "server.crt")
			if err := ca.Save(caCert, filepath.Join(outDir, "ca.key"), enc); err != nil {
				return err
			}
			if err := server.Save(serverCert, filepath.Join(outDir, "server.key"), enc); err != nil {
				return err
			}

			banner("certificates generated",
				[2]string{"CA", caCert},
				[2]string{"Server", serverCert},
				[2]string{"Hosts", fmt.Sprint(server.Cert.DNSNames, server.Cert.IPAddresses)},
				[2]string{"Fingerprint", server.Fingerprint()},
				[2]string{"Expires", fmt.Sprintf("%s (%s)",
					server.Cert.NotAfter.Format(time.DateOnly), humanize.Time(server.Cert.NotAfter))})
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", "./certs", "Output directory")
	cmd.Flags().StringSliceVar(&hosts, "host", nil, "Additional DNS name or IP for the server certificate (repeatable)")
	cmd.Flags().DurationVar(&validFor, "valid-for", 365*24*time.Hour, "Certificate validity")
	cmd.Flags().BoolVar(&der, "der", false, "Write DER instead of PEM")

	return cmd
}
