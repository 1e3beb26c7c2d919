package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"github.com/postalsys/remote-shell/internal/config"
	"github.com/postalsys/remote-shell/internal/device"
	"github.com/postalsys/remote-shell/internal/health"
	"github.com/postalsys/remote-shell/internal/shell"
)

func deviceCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Run the device that executes commands",
		Long: `The device runs every command it receives and replies with the
combined output. A command that cannot be run is answered with a
"Shell error:" line and the connection stays open.`,
	}

	cmd.AddCommand(deviceServeCmd(g))
	cmd.AddCommand(deviceConnectCmd(g))

	return cmd
}

type deviceFlags struct {
	endpoint       endpointFlags
	program        string
	workDir        string
	maxConnections int
	acceptRate     float64
	failurePolicy  string
}

func (f *deviceFlags) register(cmd *cobra.Command, serving bool) {
	fs := cmd.Flags()
	f.endpoint.register(fs)
	fs.StringVar(&f.program, "shell", "", "Interpreter run as '<shell> -c <command>' (default: run directly)")
	fs.StringVar(&f.workDir, "workdir", "", "Working directory of commands")
	if serving {
		fs.IntVar(&f.maxConnections, "max-connections", 0, "Maximum concurrent host connections (0 = unlimited)")
		fs.Float64Var(&f.acceptRate, "accept-rate", 0, "Accepted connections per second (0 = unlimited)")
		fs.StringVar(&f.failurePolicy, "failure-policy", "", "cascade stops on the first failed connection, isolate keeps serving")
	}
}

func (f *deviceFlags) config(cmd *cobra.Command, g *globalFlags, args []string) (*config.Config, error) {
	cfg, err := g.load()
	if err != nil {
		return nil, err
	}
	if len(args) > 0 {
		cfg.Device.Address = args[0]
	}

	fs := cmd.Flags()
	f.endpoint.apply(fs, &cfg.Device.TLS, &cfg.Device.Path, &cfg.Device.HandshakeTimeout)
	if fs.Changed("shell") {
		cfg.Shell.Program = f.program
	}
	if fs.Changed("workdir") {
		cfg.Shell.WorkDir = f.workDir
	}
	if fs.Changed("max-connections") {
		cfg.Device.MaxConnections = f.maxConnections
	}
	if fs.Changed("accept-rate") {
		cfg.Device.AcceptRate = f.acceptRate
	}
	if fs.Changed("failure-policy") {
		cfg.Device.FailurePolicy = f.failurePolicy
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func deviceConfig(cfg *config.Config) device.Config {
	return device.Config{
		Address:          cfg.Device.Address,
		ServerName:       cfg.Device.TLS.ServerName,
		Path:             cfg.Device.Path,
		HandshakeTimeout: cfg.Device.HandshakeTimeout,
		DialTimeout:      cfg.Device.DialTimeout,
		MaxConnections:   cfg.Device.MaxConnections,
		AcceptRate:       cfg.Device.AcceptRate,
		AcceptBurst:      cfg.Device.AcceptBurst,
		FailurePolicy:    device.FailurePolicy(cfg.Device.FailurePolicy),
		Runner:           shell.NewExecutor(cfg.Shell),
	}
}

func shellLabel(program string) string {
	if program == "" {
		return "direct"
	}
	return program
}

// serverStats adapts a device server to the health endpoints.
type serverStats struct {
	srv *device.Server
}

func (s serverStats) IsRunning() bool {
	return s.srv.IsRunning()
}

func (s serverStats) Stats() health.Stats {
	active, total := s.srv.Connections()
	return health.Stats{Role: "device", ActiveConnections: active, TotalConnections: total}
}

func deviceServeCmd(g *globalFlags) *cobra.Command {
	f := &deviceFlags{}

	cmd := &cobra.Command{
		Use:   "serve [address]",
		Short: "Accept host connections and execute their commands",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.config(cmd, g, args)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			tlsConfig, err := cfg.Device.TLS.ServerTLS()
			if err != nil {
				return err
			}

			dc := deviceConfig(cfg)
			dc.TLS = tlsConfig
			dc.Logger = logger

			srv, err := device.NewServer(dc)
			if err != nil {
				return err
			}
			if err := srv.Listen(); err != nil {
				return err
			}

			stopHealth, err := startHealth(cfg, serverStats{srv: srv}, logger)
			if err != nil {
				return err
			}
			defer stopHealth()

			limit := "unlimited"
			if cfg.Device.MaxConnections > 0 {
				limit = strconv.Itoa(cfg.Device.MaxConnections)
			}
			banner("remote-shell device",
				[2]string{"Listening", srv.Addr().String()},
				[2]string{"Path", cfg.Device.Path},
				[2]string{"TLS", tlsLabel(tlsConfig != nil)},
				[2]string{"Shell", shellLabel(cfg.Shell.Program)},
				[2]string{"Policy", cfg.Device.FailurePolicy},
				[2]string{"Max conns", limit})

			return srv.Serve(cmd.Context())
		},
	}

	f.register(cmd, true)
	return cmd
}

func deviceConnectCmd(g *globalFlags) *cobra.Command {
	f := &deviceFlags{}

	cmd := &cobra.Command{
		Use:   "connect [address]",
		Short: "Connect to a listening host and execute its commands",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := f.config(cmd, g, args)
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			tlsConfig, err := cfg.Device.TLS.ClientTLS()
			if err != nil {
				return err
			}

			dc := deviceConfig(cfg)
			dc.TLS = tlsConfig
			dc.Logger = logger

			status := health.NewStatus("device")
			stopHealth, err := startHealth(cfg, status, logger)
			if err != nil {
				return err
			}
			defer stopHealth()

			banner("remote-shell device",
				[2]string{"Host", cfg.Device.Address},
				[2]string{"Path", cfg.Device.Path},
				[2]string{"TLS", tlsLabel(tlsConfig != nil)},
				[2]string{"Shell", shellLabel(cfg.Shell.Program)})

			status.SetRunning(true)
			defer status.SetRunning(false)
			return device.Connect(cmd.Context(), dc)
		},
	}

	f.register(cmd, false)
	return cmd
}
