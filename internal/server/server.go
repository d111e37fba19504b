package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/satishbabariya/meshsync/internal/config"
	"github.com/satishbabariya/meshsync/internal/logger"
	"github.com/satishbabariya/meshsync/internal/monitoring"
	"github.com/satishbabariya/meshsync/internal/p2p"
	"github.com/satishbabariya/meshsync/internal/pool"
	"github.com/satishbabariya/meshsync/internal/scheduler"
	"github.com/satishbabariya/meshsync/internal/store"
	"github.com/satishbabariya/meshsync/internal/transfer"
	"github.com/satishbabariya/meshsync/pkg/api"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Server represents the main application server
type Server struct {
	config     *config.Config
	monitoring *monitoring.Service
	pool       *pool.Pool
	store      *store.FileStore
	transfers  *transfer.Manager
	node       *p2p.Node
	scheduler  *scheduler.Scheduler
	watcher    *store.Watcher
	httpServer *http.Server
	logger     *logrus.Entry
}

// New wires every component from cfg. Nothing runs until Start.
func New(cfg *config.Config, log *logrus.Logger) (*Server, error) {
	monitoringService := monitoring.NewService(&cfg.Monitoring, logger.ForComponent(log, "monitoring"))
	metrics := monitoringService.Metrics()

	fileStore, err := store.NewFileStore(store.Config{
		DataDir:           cfg.Storage.DataDir,
		TempDir:           cfg.Storage.TempDir,
		ChecksumAlgorithm: cfg.Sync.ChecksumAlgorithm,
		ExcludePatterns:   cfg.Sync.ExcludePatterns,
	}, logger.ForComponent(log, "store"))
	if err != nil {
		return nil, fmt.Errorf("failed to open file store: %w", err)
	}

	seeds, err := cfg.SeedPeers()
	if err != nil {
		return nil, fmt.Errorf("invalid seed peers: %w", err)
	}

	workers := pool.New(cfg.Pool.Workers, metrics, logger.ForComponent(log, "pool"))

	transfers := transfer.NewManager(transfer.Options{
		BlockSize:         cfg.Sync.BlockSize,
		RequestLimit:      cfg.Sync.RequestLimit,
		InactivityTimeout: cfg.Sync.InactivityTimeout,
	}, fileStore, metrics, logger.ForComponent(log, "transfer"))

	node := p2p.NewNode(p2p.NodeConfig{
		Self:                   cfg.Self(),
		Seeds:                  seeds,
		MaxIncomingConnections: cfg.Node.MaxIncomingConnections,
		IncomingTimeout:        cfg.Handshake.IncomingTimeout,
		BlockSize:              cfg.Sync.BlockSize,
		Connector: p2p.ConnectorConfig{
			HandshakeTimeout: cfg.Handshake.OutgoingTimeout,
			RetryPenalty:     cfg.Handshake.RetryPenalty,
			PollInterval:     cfg.Handshake.PollInterval,
			DialTimeout:      cfg.Handshake.DialTimeout,
		},
	}, workers, transfers, fileStore, metrics, logger.ForComponent(log, "p2p"))

	s := &Server{
		config:     cfg,
		monitoring: monitoringService,
		pool:       workers,
		store:      fileStore,
		transfers:  transfers,
		node:       node,
		scheduler:  scheduler.New(cfg.Sync.Interval, node, transfers, workers, metrics, logger.ForComponent(log, "scheduler")),
		logger:     logger.ForComponent(log, "server"),
	}

	if cfg.Storage.Watch {
		s.watcher = store.NewWatcher(fileStore, node.OfferFile, logger.ForComponent(log, "watcher"))
	}

	if cfg.API.Enabled {
		metricsPath := ""
		if cfg.Monitoring.Enabled {
			metricsPath = cfg.Monitoring.MetricsPath
		}
		s.httpServer = &http.Server{
			Addr:              net.JoinHostPort(cfg.API.Host, strconv.Itoa(cfg.API.Port)),
			Handler:           api.NewHTTPHandler(node, transfers, monitoringService, metricsPath, logger.ForComponent(log, "http-api")),
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	s.registerHealthChecks()

	return s, nil
}

// Start runs every component until ctx is cancelled or one of them fails
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Starting meshsync node")

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Node.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.config.Node.Port, err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.pool.Run(ctx) })
	g.Go(func() error { return s.node.Run(ctx, ln) })
	g.Go(func() error { return s.scheduler.Run(ctx) })

	if s.config.Monitoring.Enabled {
		g.Go(func() error { return s.monitoring.Run(ctx) })
	}

	if s.watcher != nil {
		g.Go(func() error { return s.watcher.Run(ctx) })
	}

	if s.httpServer != nil {
		g.Go(func() error {
			s.logger.WithField("address", s.httpServer.Addr).Info("Starting HTTP server")
			if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
				s.logger.WithError(err).Error("Failed to shutdown HTTP server")
			}
			return nil
		})
	}

	s.logger.WithFields(logrus.Fields{
		"self":     s.config.Self().String(),
		"p2p_port": s.config.Node.Port,
		"data_dir": s.store.DataDir(),
	}).Info("Server started successfully")

	err = g.Wait()
	s.stop()
	return err
}

func (s *Server) stop() {
	s.transfers.CancelAll()
	if err := s.store.Close(); err != nil {
		s.logger.WithError(err).Error("Failed to close file store")
	}
	s.logger.Info("Server stopped successfully")
}

func (s *Server) registerHealthChecks() {
	s.monitoring.RegisterHealthCheck("storage", func() monitoring.HealthStatus {
		if _, err := os.Stat(s.store.DataDir()); err != nil {
			return monitoring.HealthStatus{
				Status:  monitoring.StatusUnhealthy,
				Message: fmt.Sprintf("Data dir unavailable: %v", err),
			}
		}
		return monitoring.HealthStatus{Status: monitoring.StatusHealthy, Message: "Data dir available"}
	})

	s.monitoring.RegisterHealthCheck("peers", func() monitoring.HealthStatus {
		peers := s.node.Peers()
		pending := s.node.Pending()
		return monitoring.HealthStatus{
			Status:  monitoring.StatusHealthy,
			Message: fmt.Sprintf("%d connected, %d pending", len(peers), len(pending)),
			Details: map[string]interface{}{
				"connected": len(peers),
				"pending":   len(pending),
			},
		}
	})

	s.monitoring.RegisterHealthCheck("transfers", func() monitoring.HealthStatus {
		sessions := s.transfers.Sessions()
		return monitoring.HealthStatus{
			Status:  monitoring.StatusHealthy,
			Message: fmt.Sprintf("%d active", len(sessions)),
			Details: map[string]interface{}{"active": len(sessions)},
		}
	})
}
