package main

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/simplexmq/simplexmq/core/b64"
	"github.com/simplexmq/simplexmq/core/log"
	"github.com/simplexmq/simplexmq/smp/server"
	"github.com/simplexmq/simplexmq/smp/server/config"
	"github.com/simplexmq/simplexmq/smp/transport"
)

type cliConfig struct {
	configFile string
}

func newRootCommand() *cobra.Command {
	var cfg cliConfig

	cmd := &cobra.Command{
		Use:   "smp-server",
		Short: "SMP message broker",
		Long: `smp-server runs a SimpleX Messaging Protocol broker: a queue-based
relay that lets a recipient receive messages without ever learning who sent
them, and a sender deliver messages without ever contacting the recipient
directly.`,
		Example: `  # Start with the default config path
  smp-server

  # Start with an explicit config file
  smp-server --config /etc/smp-server/server.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfg)
		},
	}
	cmd.PersistentFlags().StringVarP(&cfg.configFile, "config", "f", "smp-server.toml",
		"path to the server configuration file (TOML format)")
	cmd.AddCommand(newKeysCommand(&cfg))
	return cmd
}

func newKeysCommand(cfg *cliConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "print the key_hash clients must pin against for this server's certificate",
		RunE: func(cmd *cobra.Command, args []string) error {
			serverCfg, err := config.LoadFile(cfg.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config file %q: %w", cfg.configFile, err)
			}
			pemBytes, err := os.ReadFile(serverCfg.Server.CertFile)
			if err != nil {
				return fmt.Errorf("failed to read cert file %q: %w", serverCfg.Server.CertFile, err)
			}
			block, _ := pem.Decode(pemBytes)
			if block == nil {
				return fmt.Errorf("failed to find a PEM certificate block in %q", serverCfg.Server.CertFile)
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return fmt.Errorf("failed to parse certificate: %w", err)
			}
			digest, err := transport.SPKIFingerprint(cert)
			if err != nil {
				return fmt.Errorf("failed to fingerprint certificate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), b64.EncodeURL(digest))
			return nil
		},
	}
}

func main() {
	defer func() {
		if r := recover(); r != nil {
			reportPanic(r)
			os.Exit(2)
		}
	}()
	if err := fang.Execute(context.Background(), newRootCommand(), fang.WithVersion(versioninfo.Short())); err != nil {
		os.Exit(1)
	}
}

// reportPanic logs a recovered panic through the ambient logging
// backend before main exits with status 2, rather than letting it
// fall through to Go's raw unstructured stack-trace dump.
func reportPanic(r interface{}) {
	backend, err := log.New("", "CRITICAL", false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "panic: %v\n%s", r, debug.Stack())
		return
	}
	backend.GetLogger("main").Critical("panic: %v\n%s", r, debug.Stack())
}

func run(cfg cliConfig) error {
	serverCfg, err := config.LoadFile(cfg.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config file %q: %w", cfg.configFile, err)
	}

	srv, err := server.New(serverCfg)
	if err != nil {
		return fmt.Errorf("failed to construct server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start server: %w", err)
	}
	defer srv.Shutdown()

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	go func() {
		for range rotateCh {
			srv.RotateLog()
		}
	}()

	<-haltCh
	return nil
}
