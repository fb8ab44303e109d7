package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/sigbus/internal/bridge"
	"github.com/danmuck/sigbus/internal/config"
	"github.com/danmuck/sigbus/internal/logging"
	"github.com/danmuck/sigbus/internal/services"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sigbusctl: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "sigbusctl",
		Short:         "Message-bus client for the Signal messaging service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newRunCmd(), newConfigCmd(), newServicesCmd())
	return root
}

type runOptions struct {
	configPath string
	address    string
	adminAddr  string
	noObey     bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to the bus and relay incoming messages",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBridge(cmd.Context(), cmd, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "settings file (TOML)")
	cmd.Flags().StringVar(&opts.address, "address", "", "bus address, overrides the settings file")
	cmd.Flags().StringVar(&opts.adminAddr, "admin", "", "admin listen address, overrides the settings file")
	cmd.Flags().BoolVar(&opts.noObey, "no-obey", false, "do not subscribe to incoming messages")
	return cmd
}

func runBridge(ctx context.Context, cmd *cobra.Command, opts runOptions) error {
	cfg := bridge.DefaultConfig()
	logCfg := config.Default().Logging()
	if opts.configPath != "" {
		var err error
		cfg, logCfg, err = loadServiceConfig(opts.configPath)
		if err != nil {
			return err
		}
	}
	if cmd.Flags().Changed("address") {
		cfg.Address = opts.address
	}
	if cmd.Flags().Changed("admin") {
		cfg.AdminAddr = opts.adminAddr
	}
	if opts.noObey {
		cfg.Obey = false
	}
	logging.Setup(logCfg)

	svc, err := bridge.NewService(cfg, nil)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("name", cfg.Name).
		Str("address", cfg.Address).
		Str("auth", cfg.AuthPolicy.String()).
		Bool("obey", cfg.Obey).
		Str("version", version).
		Msg("sigbus_start")
	return svc.Run(ctx)
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and generate settings files",
	}

	check := &cobra.Command{
		Use:   "check <path>",
		Short: "Validate a settings file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := config.Load(args[0])
			if err != nil {
				return err
			}
			cfg, err := s.Bridge()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s -> %s (auth=%s obey=%t admin=%q)\n",
				cfg.Name, cfg.Address, cfg.AuthPolicy, cfg.Obey, cfg.AdminAddr)
			return nil
		},
	}

	export := &cobra.Command{
		Use:   "export [path]",
		Short: "Print the effective settings, defaults filled in",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s := config.Default()
			if len(args) == 1 {
				var err error
				if s, err = config.Load(args[0]); err != nil {
					return err
				}
			}
			data, err := config.Export(s)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write a commented settings template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(args[0], force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	cmd.AddCommand(check, export, initCmd)
	return cmd
}

func newServicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List the services the client knows how to address",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, name := range services.Names() {
				svc, err := services.Lookup(name)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%-16s %-36s %-28s %s\n", svc.Name, svc.BusName, svc.Path, svc.Interface)
			}
			return nil
		},
	}
}
