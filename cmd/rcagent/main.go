// Package main provides the CLI entry point for the agent.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/duskline/rcagent/internal/config"
	"github.com/duskline/rcagent/internal/control"
	"github.com/duskline/rcagent/internal/handler"
	"github.com/duskline/rcagent/internal/logging"
	"github.com/duskline/rcagent/internal/metrics"
	"github.com/duskline/rcagent/internal/scheduler"
	"github.com/duskline/rcagent/internal/sysinfo"
	"github.com/duskline/rcagent/internal/transport"
)

var (
	// Version is set at build time via ldflags.
	Version = "dev"
)

func init() {
	if Version == "dev" {
		Version = sysinfo.Version
	} else {
		sysinfo.Version = Version
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:     "rcagent",
		Short:   "rcagent - TCP/TLS remote-control agent transport",
		Version: Version,
		Long: `rcagent establishes a bidirectional, framed, optionally-encrypted
TCP/TLS control channel to a remote controller, then dispatches incoming
command packets to a local handler until the session ends.`,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(gencertCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Establish the transport and run the dispatch loop",
		Long:  "Resolve the configured transport URL, establish the connection, negotiate TLS, and dispatch incoming command packets until the session ends or a shutdown signal arrives.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Agent.LogLevel, cfg.Agent.LogFormat)
			logger.Info("starting agent", logging.KeyComponent, "main")

			m := metrics.Default()

			tp, err := transport.New(cfg.Transport.URL, transport.Timeouts{
				RetryTotal:     cfg.Transport.RetryTotal,
				RetryWait:      cfg.Transport.RetryWait,
				Comms:          cfg.Transport.Comms,
				Expiry:         cfg.Transport.Expiry,
				MaxAttemptRate: cfg.Transport.MaxAttemptRate,
			}, logger, cfg.Agent.DataDir)
			if err != nil {
				return fmt.Errorf("create transport: %w", err)
			}
			tp.SetMetrics(m)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			connectStart := time.Now()
			if err := tp.Init(ctx); err != nil {
				return fmt.Errorf("establish transport: %w", err)
			}
			m.RecordConnected(time.Since(connectStart).Seconds())
			logger.Info("transport established",
				logging.KeySessionID, tp.SessionID.ShortString(),
				logging.KeyBound, tp.IsBound(),
			)

			var ctl *control.Server
			if cfg.Control.Enabled {
				ctl = control.NewServer(control.ServerConfig{
					SocketPath:   cfg.Control.SocketPath,
					ReadTimeout:  cfg.Control.ReadTimeout,
					WriteTimeout: cfg.Control.WriteTimeout,
				}, tp)
				if err := ctl.Start(); err != nil {
					return fmt.Errorf("start control server: %w", err)
				}
				logger.Info("control server listening", "socket", cfg.Control.SocketPath)
			}

			sched := scheduler.New(logger)
			h := handler.New(logger)

			terminate := make(chan struct{})
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				sig := <-sigCh
				logger.Info("received signal, shutting down", "signal", sig.String())
				close(terminate)
			}()

			result := tp.Dispatch(ctx, sched, h, terminate)
			m.RecordDispatchExit(result.Reason)

			if ctl != nil {
				if err := ctl.Stop(); err != nil {
					logger.Error("stop control server", logging.KeyError, err)
				}
			}

			if err := tp.Destroy(); err != nil {
				logger.Error("destroy transport", logging.KeyError, err)
			}

			logger.Info("dispatch loop exited", "reason", result.Reason)
			if result.Err != nil {
				return fmt.Errorf("dispatch loop: %w", result.Err)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "./config.yaml", "Path to configuration file")

	return cmd
}

func statusCmd() *cobra.Command {
	var socketPath string
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query a running agent's transport status",
		Long:  "Query the control socket of a running agent for its transport status: connection state, bind mode, and remaining time budgets.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			client := control.NewClient(socketPath)
			defer client.Close()

			status, err := client.Status(ctx)
			if err != nil {
				return fmt.Errorf("query status: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(status)
			}

			fmt.Printf("Transport Status\n")
			fmt.Printf("================\n")
			fmt.Printf("Session ID:  %s\n", status.SessionID)
			fmt.Printf("URL:         %s\n", status.URL)
			fmt.Printf("Connected:   %v\n", status.Connected)
			fmt.Printf("Bound:       %v\n", status.Bound)
			fmt.Printf("Last packet: %.1fs ago\n", status.LastPacketAge)
			if status.ExpiresIn > 0 {
				fmt.Printf("Expires in:  %.1fs\n", status.ExpiresIn)
			} else {
				fmt.Printf("Expires in:  never\n")
			}
			fmt.Printf("Sent:        %s\n", humanize.Bytes(status.BytesSent))
			fmt.Printf("Received:    %s\n", humanize.Bytes(status.BytesReceived))

			return nil
		},
	}

	cmd.Flags().StringVarP(&socketPath, "socket", "s", "./data/control.sock", "Path to the control Unix socket")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}

func gencertCmd() *cobra.Command {
	var (
		commonName string
		certPath   string
		keyPath    string
		validDays  int
	)

	cmd := &cobra.Command{
		Use:   "gencert",
		Short: "Generate a self-signed TLS certificate",
		Long:  "Generate a self-signed certificate and private key for bind-mode TLS, writing them to the configured cert/key paths.",
		RunE: func(cmd *cobra.Command, args []string) error {
			validFor := time.Duration(validDays) * 24 * time.Hour

			fmt.Printf("Generating self-signed certificate...\n")
			fmt.Printf("  Common Name: %s\n", commonName)
			fmt.Printf("  Valid for:   %d days\n", validDays)

			if err := transport.GenerateAndSaveCert(certPath, keyPath, commonName, validFor); err != nil {
				return fmt.Errorf("generate certificate: %w", err)
			}

			fmt.Printf("\nCertificate written:\n")
			fmt.Printf("  Certificate: %s\n", certPath)
			fmt.Printf("  Private key: %s\n", keyPath)

			return nil
		},
	}

	cmd.Flags().StringVar(&commonName, "cn", "rcagent", "Common name for the certificate")
	cmd.Flags().StringVar(&certPath, "cert", "./data/agent.crt", "Output path for the certificate")
	cmd.Flags().StringVar(&keyPath, "key", "./data/agent.key", "Output path for the private key")
	cmd.Flags().IntVar(&validDays, "days", 365, "Validity period in days")

	return cmd
}

func versionCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print build and version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := sysinfo.Collect()

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}

			fmt.Printf("rcagent %s\n", info.Version)
			fmt.Printf("  os/arch:    %s/%s\n", info.OS, info.Arch)
			fmt.Printf("  go version: %s\n", info.GoVersion)
			fmt.Printf("  uptime:     %s\n", sysinfo.Uptime().Round(time.Second))

			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	return cmd
}
