package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/getathos/athos-agent/internal/agent"
)

var (
	serveListen     string
	serveProxy      string
	serveGRPC       string
	serveProhibited string
)

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Bridge listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveProxy, "proxy", "", "Enable the forward proxy on this address")
	serveCmd.Flags().StringVar(&serveGRPC, "grpc", "", "Control service listen address (overrides config)")
	serveCmd.Flags().StringVar(&serveProhibited, "prohibited", "", "Path to a local prohibited-list override YAML")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent",
	Long: "Runs the agent: the extension bridge, policy and prohibited-list refresh,\n" +
		"tab time tracking and event reporting. Optional forward proxy and gRPC\n" +
		"control service. The prohibited override file is hot-reloaded.",
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveListen != "" {
		cfg.Listen = serveListen
	}
	if serveProxy != "" {
		cfg.ProxyListen = serveProxy
	}
	if serveGRPC != "" {
		cfg.GRPCListen = serveGRPC
	}
	if serveProhibited != "" {
		cfg.ProhibitedFile = serveProhibited
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	log := newLogger(cfg)
	defer log.Sync()

	a, err := agent.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("athos agent starting",
		zap.String("version", version),
		zap.String("environment", cfg.Environment),
		zap.String("listen", cfg.Listen),
		zap.String("grpc", cfg.GRPCListen),
		zap.String("proxy", cfg.ProxyListen))

	err = a.Run(ctx)
	log.Info("athos agent stopped")
	return err
}
