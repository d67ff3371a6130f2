package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ledgersync/internal/app"
	"ledgersync/internal/config"
)

func main() {
	rootCmd := &cobra.Command{Use: "noded"}
	rootCmd.PersistentFlags().String("config", "", "path to node config YAML")
	rootCmd.PersistentFlags().String("data-dir", "./data", "directory for the WAL, event log and snapshots")
	rootCmd.PersistentFlags().String("node-id", "node-1", "this node's identifier")
	rootCmd.PersistentFlags().String("listen", ":8080", "HTTP listen address")

	rootCmd.AddCommand(startCmd())
	rootCmd.AddCommand(syncCmd())
	rootCmd.AddCommand(snapshotCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func buildNode(cmd *cobra.Command) (*app.Node, error) {
	configPath, _ := cmd.Flags().GetString("config")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	nodeID, _ := cmd.Flags().GetString("node-id")
	listen, _ := cmd.Flags().GetString("listen")

	settings, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("noded: load config: %w", err)
	}

	logger := logrus.StandardLogger()
	logger.SetFormatter(&logrus.JSONFormatter{})

	return app.New(app.Config{
		NodeID:     nodeID,
		DataDir:    dataDir,
		ListenAddr: listen,
		Settings:   settings,
		Logger:     logger,
	})
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "start the node's sync and HTTP services",
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := buildNode(cmd)
			if err != nil {
				return err
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sig
				_ = node.Stop()
			}()

			return node.Start()
		},
	}
}

func syncCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "sync"}
	var network uint64
	now := &cobra.Command{
		Use:   "now",
		Short: "run one sync attempt against a given network height",
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := buildNode(cmd)
			if err != nil {
				return err
			}
			result := node.SyncNow(context.Background(), network)
			fmt.Printf("strategy=%s state=%s applied=%d\n", result.Strategy, result.State, result.Applied)
			if result.Err != nil {
				return result.Err
			}
			return nil
		},
	}
	now.Flags().Uint64Var(&network, "network-height", 0, "the height to sync up to")
	cmd.AddCommand(now)
	return cmd
}

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "snapshot"}

	create := &cobra.Command{
		Use:   "create",
		Short: "create a snapshot at the current chain tip",
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := buildNode(cmd)
			if err != nil {
				return err
			}
			path, err := node.CreateSnapshot(context.Background())
			if err != nil {
				return err
			}
			fmt.Println(path)
			return nil
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "list known snapshots, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			node, err := buildNode(cmd)
			if err != nil {
				return err
			}
			snaps, err := node.ListSnapshots()
			if err != nil {
				return err
			}
			for _, s := range snaps {
				fmt.Printf("height=%d hash=%s compressed=%v encrypted=%v\n", s.Height, s.BlockHash, s.Compressed, s.Encrypted)
			}
			return nil
		},
	}

	cmd.AddCommand(create, list)
	return cmd
}
