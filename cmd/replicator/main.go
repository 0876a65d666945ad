package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/IdanHaim/ravendb/internal/alerts"
	"github.com/IdanHaim/ravendb/internal/replication"
	"github.com/IdanHaim/ravendb/internal/store/memstore"
	"github.com/IdanHaim/ravendb/internal/transport"
	"github.com/IdanHaim/ravendb/internal/workcontext"
	"github.com/IdanHaim/ravendb/pkg/logging"
)

func main() {
	adminPort := flag.String("admin-port", "8090", "Port the admin/introspection HTTP surface listens on")
	localURL := flag.String("local-url", "http://localhost:8080", "URL this database advertises to peers")
	localDatabaseID := flag.String("database-id", "self", "Identity of this database, matched against Raven/Replication/Destinations.Source")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	logConfig := logging.LogConfig{
		ComponentName: "replication-controller",
		LogLevel:      *logLevel,
		OutputPaths:   []string{"stdout"},
		Development:   true,
	}
	logger, err := logging.GetLogger(logConfig)
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logger.Close()

	logger.Info("starting replication worker",
		zap.String("local_url", *localURL),
		zap.String("database_id", *localDatabaseID))

	store := memstore.NewMemoryStore()
	alertSink := alerts.NewLoggingSink(logger)
	httpClient := transport.New(transport.DefaultConfig())

	resolver := replication.NewDestinationResolver(store, alertSink, logger, *localDatabaseID)
	ledger := replication.NewFailureLedger(store)
	peer := replication.NewPeerClient(httpClient, logger, *localURL, *localDatabaseID)
	assembler := replication.NewBatchAssembler(store)
	work := workcontext.New(context.Background())

	controller := replication.NewReplicationController(
		store, resolver, ledger, peer, assembler, work, logger, *localURL, *localDatabaseID,
	)

	heartbeats := replication.NewHeartbeatTable(ledger, work)
	admin := replication.NewAdminServer(ledger, resolver, controller, heartbeats)

	go func() {
		controller.Run(work.CancellationToken())
	}()

	go func() {
		if err := admin.Run(":" + *adminPort); err != nil {
			logger.Error("admin server stopped", zap.Error(err))
		}
	}()

	setupGracefulShutdown(logger, work)

	<-work.CancellationToken().Done()
	logger.Info("replication worker stopped")
}

// setupGracefulShutdown cancels the work context (which unwinds the
// controller's main loop) on SIGINT/SIGTERM.
func setupGracefulShutdown(logger *logging.Logger, work *workcontext.WorkContext) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-c
		logger.Info("shutting down replication worker")
		work.Shutdown()
		logging.Shutdown()
	}()
}
