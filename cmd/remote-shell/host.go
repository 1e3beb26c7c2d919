package main

import (
	"github.com/spf13/cobra"

	"github.com/postalsys/remote-shell/internal/config"
	"github.com/postalsys/remote-shell/internal/health"
	"github.com/postalsys/remote-shell/internal/host"
)

func hostCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "host",
		Short: "Run the interactive host",
		Long: `The host reads command lines from stdin, sends them to a device and
prints each result before reading the next line.`,
	}

	cmd.AddCommand(hostListenCmd(g))
	cmd.AddCommand(hostConnectCmd(g))

	return cmd
}

type hostFlags struct {
	endpoint endpointFlags
	prompt   string
}

func (f *hostFlags) register(cmd *cobra.Command) {
	f.endpoint.register(cmd.Flags())
	cmd.Flags().StringVar(&f.prompt, "prompt", "", "Prompt shown when stdin is a terminal")
}

func (f *hostFlags) config(cmd *cobra.Command, g *globalFlags, args []string) (*config.Config, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	if len(args) > 0 {
		cfg.Host.Address = args[0]
	}
	f.endpoint.apply(cmd.Flags(), &cfg.Host.TLS, &cfg.Host.Path, &cfg.Host.HandshakeTimeout)
	if cmd.Flags().Changed("prompt") {
		cfg.Host.Prompt = f.prompt
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func hostConfig(cfg *config.Config) host.Config {
	return host.Config{
		Address:          cfg.Host.Address,
		ServerName:       cfg.Host.TLS.ServerName,
		Path:             cfg.Host.Path,
		HandshakeTimeout: cfg.Host.HandshakeTimeout,
		DialTimeout:      cfg.Host.DialTimeout,
		Relay:            host.RelayConfig{Prompt: cfg.Host.Prompt},
	}
}

func hostListenCmd(g *globalFlags) *cobra.Command {
	f := &hostFlags{}

	cmd := &cobra.Command{
		Use:   "listen [address]",
		Short: "Wait for one device to connect and run a session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.config(cmd, g, args)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			tlsConfig, err := cfg.Host.TLS.ServerTLS()
			if err != nil {
				return err
			}

			hc := hostConfig(cfg)
			hc.TLS = tlsConfig
			hc.Logger = logger

			l, err := host.Bind(hc)
			if err != nil {
				return err
			}
			defer l.Close()

			status := health.NewStatus("host")
			stopHealth, err := startHealth(cfg, status, logger)
			if err != nil {
				return err
			}
			defer stopHealth()

			banner("remote-shell host",
				[2]string{"Listening", l.Addr().String()},
				[2]string{"Path", cfg.Host.Path},
				[2]string{"TLS", tlsLabel(tlsConfig != nil)})

			status.SetRunning(true)
			defer status.SetRunning(false)
			return l.Serve(cmd.Context())
		},
	}

	f.register(cmd)
	return cmd
}

func hostConnectCmd(g *globalFlags) *cobra.Command {
	f := &hostFlags{}

	cmd := &cobra.Command{
		Use:   "connect [address]",
		Short: "Connect to a listening device and run a session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.config(cmd, g, args)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			tlsConfig, err := cfg.Host.TLS.ClientTLS()
			if err != nil {
				return err
			}

			hc := hostConfig(cfg)
			hc.TLS = tlsConfig
			hc.Logger = logger

			status := health.NewStatus("host")
			stopHealth, err := startHealth(cfg, status, logger)
			if err != nil {
				return err
			}
			defer stopHealth()

			banner("remote-shell host",
				[2]string{"Device", cfg.Host.Address},
				[2]string{"Path", cfg.Host.Path},
				[2]string{"TLS", tlsLabel(tlsConfig != nil)})

			status.SetRunning(true)
			defer status.SetRunning(false)
			return host.Connect(cmd.Context(), hc)
		},
	}

	f.register(cmd)
	return cmd
}
