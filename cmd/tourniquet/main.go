// Package main provides the CLI entry point for the Tourniquet SOCKS5 proxy.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/tourniquet/internal/config"
	"github.com/postalsys/tourniquet/internal/logging"
	"github.com/postalsys/tourniquet/internal/metrics"
	"github.com/postalsys/tourniquet/internal/wizard"
	"github.com/postalsys/tourniquet/socks5"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:           "tourniquet",
		Short:         "SOCKS5 proxy server",
		Long:          "Tourniquet is a SOCKS5 proxy server (RFC 1928/1929) with pluggable authentication and per-command handlers.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(hashPasswordCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runProxy(cfg)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "tourniquet.yaml", "config file path")
	return cmd
}

// runProxy starts the configured listeners and blocks until a signal.
func runProxy(cfg config.Config) error {
	log := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)

	proxy, err := buildProxy(cfg, log)
	if err != nil {
		return err
	}

	if err := proxy.Start(); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
		go func() {
			log.Info("metrics listening", logging.KeyAddress, cfg.Metrics.Address)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", logging.KeyError, err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
	return proxy.StopWithContext(shutdownCtx)
}

// proxyServer abstracts over the credential type the configuration picks.
type proxyServer interface {
	Start() error
	StopWithContext(ctx context.Context) error
	Address() net.Addr
}

// buildProxy instantiates the server with either no-auth (unit
// credentials) or username/password (string credentials).
func buildProxy(cfg config.Config, log *slog.Logger) (proxyServer, error) {
	if cfg.SOCKS5.Auth.Enabled {
		return assembleServer[string](cfg, socks5.NewStoreAuth(cfg.CredentialStore()), log)
	}
	return assembleServer[struct{}](cfg, socks5.NoAuth{}, log)
}

func assembleServer[C any](cfg config.Config, auth socks5.Authenticator[C], log *slog.Logger) (proxyServer, error) {
	maxDatagram, err := cfg.MaxDatagramBytes()
	if err != nil {
		return nil, err
	}

	serverCfg := socks5.Config[C]{
		Address:          cfg.SOCKS5.Address,
		MaxConnections:   cfg.SOCKS5.MaxConnections,
		HandshakeTimeout: cfg.SOCKS5.HandshakeTimeout,
		MaxDatagramSize:  maxDatagram,
		Authenticator:    auth,
		Connector:        socks5.DenyConnector[C]{},
		Binder:           socks5.DenyBinder[C]{},
		Associator:       socks5.DenyAssociator[C]{},
		Logger:           log,
		Metrics:          metrics.Default(),
	}
	if cfg.SOCKS5.Commands.Connect {
		serverCfg.Connector = socks5.TunnelConnector[C]{DialTimeout: 30 * time.Second}
	}
	if cfg.SOCKS5.Commands.Bind {
		serverCfg.Binder = socks5.TunnelBinder[C]{}
	}
	if cfg.SOCKS5.Commands.Associate {
		associator := socks5.TunnelAssociator[C]{}
		if host, _, err := net.SplitHostPort(cfg.SOCKS5.Address); err == nil {
			if ip := net.ParseIP(host); ip != nil && !ip.IsUnspecified() {
				associator.BindIP = ip
			}
		}
		serverCfg.Associator = associator
	}

	server := socks5.NewServer(serverCfg)

	if cfg.WebSocket.Enabled {
		wsCfg := socks5.WebSocketConfig{
			Address:   cfg.WebSocket.Address,
			Path:      cfg.WebSocket.Path,
			PlainText: cfg.WebSocket.PlainText,
		}
		if !cfg.WebSocket.PlainText {
			cert, err := tls.LoadX509KeyPair(cfg.WebSocket.CertFile, cfg.WebSocket.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("load websocket certificate: %w", err)
			}
			wsCfg.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
		}
		if cfg.WebSocket.BasicAuth {
			wsCfg.Credentials = cfg.CredentialStore()
		}
		if err := server.Start(); err != nil {
			return nil, err
		}
		if err := server.StartWebSocket(wsCfg); err != nil {
			server.Stop()
			return nil, err
		}
		return &startedServer[C]{server}, nil
	}

	return server, nil
}

// startedServer makes an already-started server's Start a no-op.
type startedServer[C any] struct {
	*socks5.Server[C]
}

func (s *startedServer[C]) Start() error { return nil }

func setupCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Interactive configuration wizard",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := wizard.New(configPath).Run()
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "tourniquet.yaml", "config file to write")
	return cmd
}

func hashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password",
		Short: "Hash a password for use in password_hash config fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprint(os.Stderr, "Password: ")
			password, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read password: %w", err)
			}

			fmt.Fprint(os.Stderr, "Confirm: ")
			confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
			fmt.Fprintln(os.Stderr)
			if err != nil {
				return fmt.Errorf("read confirmation: %w", err)
			}

			if string(password) != string(confirm) {
				return fmt.Errorf("passwords do not match")
			}
			if len(password) == 0 {
				return fmt.Errorf("password must not be empty")
			}

			hash, err := socks5.HashPassword(string(password))
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tourniquet %s\n", version)
		},
	}
}
