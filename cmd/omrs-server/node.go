package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"gorm.io/gorm"

	"github.com/systemshift/omrs/internal/config"
	"github.com/systemshift/omrs/internal/database"
	"github.com/systemshift/omrs/internal/server/api"
	"github.com/systemshift/omrs/internal/server/cohort"
	"github.com/systemshift/omrs/internal/server/graph"
	"github.com/systemshift/omrs/internal/server/repository"
	"github.com/systemshift/omrs/internal/server/subscriptions"
	"github.com/systemshift/omrs/internal/server/typedefs"
)

// systemUser loads type archives.
const systemUser = "omrs-server"

// node is one running cohort member and everything it owns.
type node struct {
	cfg     *config.Config
	logger  hclog.Logger
	db      *gorm.DB
	store   graph.Store
	types   *typedefs.Registry
	repo    *repository.Repository
	subs    *subscriptions.Manager
	cohorts *cohort.Manager
	api     *api.Server
}

func newNode(ctx context.Context, cfg *config.Config, logger hclog.Logger) (*node, error) {
	n := &node{cfg: cfg, logger: logger}
	if err := n.build(ctx); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

func (n *node) build(ctx context.Context) error {
	cfg, logger := n.cfg, n.logger
	var err error

	n.db, err = database.Open(cfg.DatabasePath(), logger)
	if err != nil {
		return err
	}

	n.store, err = openStore(ctx, cfg.Storage, n.db)
	if err != nil {
		return err
	}

	typeStore := typedefs.NewGormStore(n.db)
	if err := typeStore.AutoMigrate(); err != nil {
		return err
	}
	n.types, err = typedefs.New(ctx, typedefs.Config{
		Store:      typeStore,
		Categories: cfg.Repository.Categories,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("loading types: %w", err)
	}
	if _, err := n.types.LoadBaseArchive(ctx, systemUser); err != nil {
		return fmt.Errorf("loading base archive: %w", err)
	}
	for _, path := range cfg.Repository.TypeArchives {
		if err := n.loadArchive(ctx, path); err != nil {
			return err
		}
	}

	subStore := subscriptions.NewGormStore(n.db)
	if err := subStore.AutoMigrate(); err != nil {
		return err
	}
	n.subs = subscriptions.NewManager(subscriptions.Config{
		Store:    subStore,
		Notifier: subscriptions.NewNotifier(subscriptions.NotifierConfig{Logger: logger}),
		Logger:   logger,
	})

	n.repo, err = repository.New(repository.Config{
		MetadataCollectionID:   cfg.Member.MetadataCollectionID,
		MetadataCollectionName: cfg.Member.MetadataCollectionName,
		Store:                  n.store,
		Types:                  n.types,
		ExtraStatuses:          cfg.Repository.ExtraStatuses,
		DisableReferenceCopies: cfg.Repository.DisableReferenceCopies,
		RefreshTimeout:         cfg.Repository.RefreshTimeout,
		Events:                 n.subs.GetEmitter(),
		Logger:                 logger,
	})
	if err != nil {
		return err
	}

	if len(cfg.Cohorts) > 0 {
		registry := cohort.NewGormRegistryStore(n.db)
		if err := registry.AutoMigrate(); err != nil {
			return err
		}
		n.cohorts, err = cohort.NewManager(cohort.Config{
			Local:      cfg.Member.Registration(),
			Cohorts:    cfg.Cohorts,
			Channels:   channelFactory(cfg.Member.MetadataCollectionID, logger),
			Store:      registry,
			Replicator: n.repo,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		// Listeners see events in emission order, which keeps
		// replication of one instance ordered.
		n.subs.Listen(n.cohorts.HandleEvent)
	}

	n.api = api.New(api.Config{
		Repository:    n.repo,
		Types:         n.types,
		Cohorts:       n.cohorts,
		Subscriptions: n.subs,
		Logger:        logger,
	})
	return nil
}

func openStore(ctx context.Context, cfg config.Storage, db *gorm.DB) (graph.Store, error) {
	switch cfg.Backend {
	case config.BackendSQLite:
		store, err := graph.NewSQLite(ctx, db)
		if err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendNeo4j:
		dbName := cfg.Neo4j.Database
		if dbName == "" {
			dbName = "neo4j"
		}
		store, err := graph.NewNeo4j(ctx, graph.Neo4jConfig{
			URI:      cfg.Neo4j.URI,
			Username: cfg.Neo4j.Username,
			Password: cfg.Neo4j.Password,
			Database: dbName,
		})
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return graph.NewMemory(), nil
	}
}

// channelFactory opens Kafka channels for kafka cohorts and in-process
// channels for loopback cohorts.
func channelFactory(localID string, logger hclog.Logger) cohort.ChannelFactory {
	kafka := cohort.KafkaFactory(localID, logger)
	loopback := cohort.NewLoopbackHub().Factory()
	return func(cc cohort.CohortConfig) (cohort.Channel, error) {
		if cc.Transport == cohort.TransportKafka {
			return kafka(cc)
		}
		return loopback(cc)
	}
}

func (n *node) loadArchive(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening type archive: %w", err)
	}
	defer f.Close()

	count, err := n.types.LoadArchive(ctx, systemUser, f)
	if err != nil {
		return fmt.Errorf("loading type archive %s: %w", path, err)
	}
	n.logger.Info("loaded type archive", "path", path, "types", count)
	return nil
}

// Start begins event processing and, when configured, joins every cohort.
func (n *node) Start(ctx context.Context) error {
	if err := n.subs.Start(ctx); err != nil {
		return fmt.Errorf("starting subscriptions: %w", err)
	}
	if n.cohorts == nil {
		return nil
	}
	if err := n.cohorts.Start(ctx); err != nil {
		return fmt.Errorf("starting cohort manager: %w", err)
	}
	if n.cfg.AutoConnect {
		for _, cc := range n.cfg.Cohorts {
			n.cohorts.ConnectToCohort(cc.Name)
		}
	}
	return nil
}

func (n *node) Handler() http.Handler {
	return n.api.Routes()
}

// Close stops the node. Subscriptions stop first so that queued events
// still reach the cohort outbox.
func (n *node) Close() error {
	var result *multierror.Error
	if n.subs != nil {
		n.subs.Stop()
	}
	if n.cohorts != nil {
		n.cohorts.Close()
	}
	if n.store != nil {
		if err := n.store.Close(context.Background()); err != nil {
			result = multierror.Append(result, fmt.Errorf("closing instance store: %w", err))
		}
	}
	if n.db != nil {
		if sqlDB, err := n.db.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				result = multierror.Append(result, fmt.Errorf("closing database: %w", err))
			}
		}
	}
	if err := result.ErrorOrNil(); err != nil {
		n.logger.Warn("shutdown incomplete", "error", err)
		return err
	}
	return nil
}
