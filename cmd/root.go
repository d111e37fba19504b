package cmd

import (
	"context"
	"fmt"

	"github.com/pkg/profile"
	"github.com/satishbabariya/meshsync/internal/config"
	"github.com/satishbabariya/meshsync/internal/logger"
	"github.com/satishbabariya/meshsync/internal/server"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configFile string
	peers      string
	profileDir string
	log        *logrus.Logger

	rootCmd = &cobra.Command{
		Use:   "meshsync",
		Short: "Peer-to-peer block level file synchronization",
		Long: `meshsync keeps a directory in sync across a mesh of peers. Nodes
handshake over TCP, advertise their files and download missing content
block by block from every peer that has it.`,
		SilenceUsage: true,
		RunE:         runServer,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.Flags().StringVar(&peers, "peers", "", "comma separated seed peers, overrides node.peers")
	rootCmd.Flags().StringVar(&profileDir, "profile", "", "write a CPU profile to this directory")
}

// Execute runs the root command with ctx, logging through l
func Execute(ctx context.Context, l *logrus.Logger) error {
	log = l
	return rootCmd.ExecuteContext(ctx)
}

func loadConfig() (*config.Config, error) {
	if configFile != "" {
		cfg, err := config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file %s: %w", configFile, err)
		}
		return cfg, nil
	}

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func runServer(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cmd.Flags().Changed("peers") {
		cfg.Node.Peers = peers
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid --peers: %w", err)
		}
	}

	if err := logger.Configure(log, cfg.LogLevel); err != nil {
		log.WithError(err).Warn("Invalid log level, using info")
	}

	if profileDir != "" {
		defer profile.Start(profile.CPUProfile, profile.ProfilePath(profileDir), profile.NoShutdownHook).Stop()
	}

	srv, err := server.New(cfg, log)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Start(ctx)
}
