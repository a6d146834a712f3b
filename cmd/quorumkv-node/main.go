package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/quorumkv/quorumkv/pkg/api"
	"github.com/quorumkv/quorumkv/pkg/dynamo"
)

var rootCmd = &cobra.Command{
	Use:     "quorumkv-node",
	Short:   "Start a quorumkv replica node",
	Long:    "Start a quorumkv replica node. Configuration can be set via flags or environment variables of the form QUORUMKV_<FLAG> (e.g. QUORUMKV_PORT=9001).",
	PreRunE: processConfig,
	RunE:    run,
}

var cfg dynamo.Config

func init() {
	cobra.OnInitialize(initViper)

	rootCmd.Flags().Int("port", 0, "port to listen on (required)")
	rootCmd.Flags().String("peers", "", "comma-separated host:port list, identical on every node, including self")
	rootCmd.Flags().Int("vnodes", 128, "virtual nodes per physical node")
	rootCmd.Flags().Int("default-n", 3, "default replication factor")
	rootCmd.Flags().Int("default-w", 2, "default write quorum")
	rootCmd.Flags().Int("default-r", 2, "default read quorum")
	rootCmd.Flags().Int("peer-timeout-ms", 1000, "per-peer RPC deadline in milliseconds")
	rootCmd.Flags().Int("request-timeout-ms", 2000, "overall coordinator request deadline in milliseconds")
}

func initViper() {
	viper.SetEnvPrefix("quorumkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func processConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	port := viper.GetInt("port")
	if port == 0 {
		return fmt.Errorf("--port is required")
	}

	peersFlag := viper.GetString("peers")
	if peersFlag == "" {
		return fmt.Errorf("--peers is required")
	}
	peers := strings.Split(peersFlag, ",")
	for i := range peers {
		peers[i] = strings.TrimSpace(peers[i])
	}

	self := fmt.Sprintf("127.0.0.1:%d", port)
	for _, p := range peers {
		if strings.HasSuffix(p, fmt.Sprintf(":%d", port)) {
			self = p
			break
		}
	}

	cfg = dynamo.Config{
		Self:                self,
		Peers:               peers,
		VirtualNodes:        viper.GetInt("vnodes"),
		DefaultN:            viper.GetInt("default-n"),
		DefaultR:            viper.GetInt("default-r"),
		DefaultW:            viper.GetInt("default-w"),
		PeerTimeout:         time.Duration(viper.GetInt("peer-timeout-ms")) * time.Millisecond,
		RequestTimeout:      time.Duration(viper.GetInt("request-timeout-ms")) * time.Millisecond,
		RepairQueueCapacity: 1024,
		RepairWorkers:       4,
	}
	return nil
}

func run(_ *cobra.Command, _ []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	node, err := dynamo.NewNode(cfg.Self, &cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize node: %w", err)
	}
	defer node.Close()

	server := api.New(cfg.Self, node, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-sigCh:
		logger.Info("shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(ctx)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
