// Package servecmder provides the serve command for running the memory API
// server with its background drainer.
package servecmder

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/engramdev/engram/api"
	"github.com/engramdev/engram/pkg/audit"
	auditkafka "github.com/engramdev/engram/pkg/audit/kafka"
	auditsqlite "github.com/engramdev/engram/pkg/audit/sqlite"
	"github.com/engramdev/engram/pkg/config"
	embeddingsollama "github.com/engramdev/engram/pkg/embeddings/ollama"
	extractionollama "github.com/engramdev/engram/pkg/extraction/ollama"
	"github.com/engramdev/engram/pkg/graph"
	graphpostgres "github.com/engramdev/engram/pkg/graph/postgres"
	graphsqlite "github.com/engramdev/engram/pkg/graph/sqlite"
	"github.com/engramdev/engram/pkg/logger"
	"github.com/engramdev/engram/pkg/memory"
	"github.com/engramdev/engram/pkg/novelty"
	queuesqlite "github.com/engramdev/engram/pkg/queue/sqlite"
	"github.com/engramdev/engram/pkg/recall"
	"github.com/engramdev/engram/pkg/scheduler"
	"github.com/engramdev/engram/pkg/vector"
	vectorqdrant "github.com/engramdev/engram/pkg/vector/qdrant"
	vectorsqlitevec "github.com/engramdev/engram/pkg/vector/sqlitevec"
)

type ServeCommander struct {
	listen     string
	sqlitePath string
	configDir  string
	debug      bool
	logger     *zap.Logger
}

const serveLongDesc string = `Run the Engram memory API server.

Starts the HTTP API, the background queue drainer and the configured
storage, vector and gateway backends.

Examples:
  engram serve
  engram serve --listen :9000 --sqlite ./engram.db`

const serveShortDesc string = "Run the Engram memory server"

func NewServeCmd() *cobra.Command {
	cmder := &ServeCommander{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: serveShortDesc,
		Long:  serveLongDesc,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var err error
			cmder.debug, err = cmd.Flags().GetBool("debug")
			if err != nil {
				return fmt.Errorf("could not get debug flag: %v", err)
			}
			cmder.configDir, err = cmd.Flags().GetString("config-dir")
			if err != nil {
				return fmt.Errorf("could not get config-dir flag: %v", err)
			}
			return cmder.run()
		},
	}

	cmd.Flags().StringVarP(&cmder.listen, "listen", "l", "", "Address for the API server to listen on")
	cmd.Flags().StringVarP(&cmder.sqlitePath, "sqlite", "s", "", "Path to the SQLite database")

	return cmd
}

func (c *ServeCommander) run() error {
	c.logger = logger.NewLogger(c.debug)
	defer c.logger.Sync()

	v, err := config.InitViper(c.configDir)
	if err != nil {
		return err
	}
	cfg := config.FromViper(v)

	// Flags override everything.
	if c.listen != "" {
		cfg.API.Listen = c.listen
	}
	if c.sqlitePath != "" {
		cfg.Storage.SQLitePath = c.sqlitePath
	}

	store, err := c.createStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	vectors, err := c.createVectors(cfg)
	if err != nil {
		return err
	}
	defer vectors.Close()

	embedder, err := embeddingsollama.NewEmbedder(embeddingsollama.Config{
		BaseURL: cfg.Embedding.Target,
		Model:   cfg.Embedding.Model,
	})
	if err != nil {
		return fmt.Errorf("creating embedder: %w", err)
	}
	defer embedder.Close()

	extractor, err := extractionollama.NewExtractor(extractionollama.Config{
		BaseURL: cfg.Extraction.Target,
		Model:   cfg.Extraction.Model,
	}, c.logger)
	if err != nil {
		return fmt.Errorf("creating extractor: %w", err)
	}
	defer extractor.Close()

	q, err := queuesqlite.NewQueue(siblingPath(cfg.Storage.SQLitePath, "queue.db"))
	if err != nil {
		return fmt.Errorf("creating queue: %w", err)
	}
	defer q.Close()

	auditLog, err := auditsqlite.NewLog(siblingPath(cfg.Storage.SQLitePath, "audit.db"))
	if err != nil {
		return fmt.Errorf("creating audit log: %w", err)
	}
	defer auditLog.Close()

	publisher, err := c.createPublisher(cfg)
	if err != nil {
		return err
	}
	defer publisher.Close()

	registry := graph.NewRegistry()

	classifier := novelty.NewClassifier(store, vectors, embedder, registry, novelty.Config{
		EntityMatchThreshold:       cfg.Novelty.EntityMatchThreshold,
		SemanticDuplicateThreshold: cfg.Novelty.SemanticDuplicateThreshold,
		ImmediateScoreFloor:        cfg.Novelty.ImmediateScoreFloor,
	}, c.logger)

	sched := scheduler.NewScheduler(store, vectors, embedder, q, classifier, extractor, auditLog, publisher, scheduler.Config{
		MaxWriteAttempts: cfg.Scheduler.MaxWriteAttempts,
		DrainBatchSize:   cfg.Scheduler.DrainBatchSize,
	}, c.logger)

	recaller := recall.NewEngine(store, vectors, embedder, extractor, recall.Config{
		HopRadius:        cfg.Recall.HopRadius,
		TopK:             cfg.Recall.TopK,
		SubSearchTimeout: time.Duration(cfg.Recall.SubSearchTimeoutMS) * time.Millisecond,
		GraphWeight:      cfg.Recall.GraphWeight,
		VectorWeight:     cfg.Recall.VectorWeight,
		KeywordWeight:    cfg.Recall.KeywordWeight,
	}, c.logger)

	engine := memory.NewEngine(store, extractor, embedder, classifier, sched, recaller, auditLog, c.logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A fresh or lost vector index is rebuilt from the graph before serving.
	if err := sched.RebuildIndex(ctx); err != nil {
		c.logger.Warn("vector index rebuild failed", zap.Error(err))
	}

	drainInterval, err := time.ParseDuration(cfg.Scheduler.DrainInterval)
	if err != nil {
		return fmt.Errorf("parsing drain interval: %w", err)
	}
	drainer := scheduler.NewDrainer(sched, drainInterval, c.logger)
	drainer.Start(ctx)
	defer drainer.Stop()

	c.watchConfig()

	apiServer := api.NewServer(api.Config{ListenAddr: cfg.API.Listen}, engine, c.logger)

	errChan := make(chan error, 1)
	go func() {
		if err := apiServer.Run(); err != nil {
			errChan <- fmt.Errorf("API server error: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return err
	case sig := <-sigChan:
		c.logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		return apiServer.Shutdown()
	}
}

func (c *ServeCommander) createStore(cfg *config.Config) (graph.Store, error) {
	switch cfg.Storage.Provider {
	case "postgres":
		store, err := graphpostgres.NewStore(context.Background(), cfg.Storage.PostgresDSN, c.logger)
		if err != nil {
			return nil, fmt.Errorf("creating postgres store: %w", err)
		}
		c.logger.Info("using Postgres storage")
		return store, nil

	case "", "sqlite":
		store, err := graphsqlite.NewStore(cfg.Storage.SQLitePath, c.logger)
		if err != nil {
			return nil, fmt.Errorf("creating SQLite store: %w", err)
		}
		c.logger.Info("using SQLite storage", zap.String("path", cfg.Storage.SQLitePath))
		return store, nil

	default:
		return nil, fmt.Errorf("unknown storage provider: %q", cfg.Storage.Provider)
	}
}

func (c *ServeCommander) createVectors(cfg *config.Config) (vector.Driver, error) {
	switch cfg.VectorStore.Provider {
	case "qdrant":
		host, port := splitHostPort(cfg.VectorStore.Target)
		driver, err := vectorqdrant.NewDriver(context.Background(), vectorqdrant.Config{
			Host:       host,
			Port:       port,
			Dimensions: cfg.Embedding.Dimensions,
		}, c.logger)
		if err != nil {
			return nil, fmt.Errorf("creating qdrant driver: %w", err)
		}
		c.logger.Info("using Qdrant vector store", zap.String("target", cfg.VectorStore.Target))
		return driver, nil

	case "", "sqlite":
		driver, err := vectorsqlitevec.NewDriver(vectorsqlitevec.Config{
			DBPath:     siblingPath(cfg.Storage.SQLitePath, "vectors.db"),
			Dimensions: cfg.Embedding.Dimensions,
		}, c.logger)
		if err != nil {
			return nil, fmt.Errorf("creating sqlite-vec driver: %w", err)
		}
		c.logger.Info("using sqlite-vec vector store")
		return driver, nil

	default:
		return nil, fmt.Errorf("unknown vector store provider: %q", cfg.VectorStore.Provider)
	}
}

func (c *ServeCommander) createPublisher(cfg *config.Config) (audit.Publisher, error) {
	if len(cfg.Audit.KafkaBrokers) == 0 {
		return audit.NopPublisher{}, nil
	}

	publisher, err := auditkafka.NewPublisher(auditkafka.Config{
		Brokers: cfg.Audit.KafkaBrokers,
		Topic:   cfg.Audit.KafkaTopic,
	}, c.logger)
	if err != nil {
		return nil, fmt.Errorf("creating kafka publisher: %w", err)
	}
	c.logger.Info("publishing audit records to kafka",
		zap.Strings("brokers", cfg.Audit.KafkaBrokers),
		zap.String("topic", cfg.Audit.KafkaTopic),
	)
	return publisher, nil
}

// watchConfig logs config.toml changes so operators can see that a restart
// is needed to apply them. Settings are read once at startup.
func (c *ServeCommander) watchConfig() {
	dir, err := config.ResolveDir(c.configDir)
	if err != nil {
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		c.logger.Debug("config watcher unavailable", zap.Error(err))
		return
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		c.logger.Debug("config watcher unavailable", zap.Error(err))
		return
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) == "config.toml" && event.Op&fsnotify.Write != 0 {
					c.logger.Info("config.toml changed, restart to apply")
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
}

// siblingPath places an auxiliary database next to the main one, so
// engram.db gets queue.db, audit.db and vectors.db beside it.
func siblingPath(mainPath, name string) string {
	if mainPath == "" || mainPath == ":memory:" {
		return ":memory:"
	}
	return filepath.Join(filepath.Dir(mainPath), name)
}

func splitHostPort(target string) (string, int) {
	host, portRaw, err := net.SplitHostPort(target)
	if err != nil {
		return target, 0
	}
	port, err := strconv.Atoi(portRaw)
	if err != nil {
		return host, 0
	}
	return host, port
}
