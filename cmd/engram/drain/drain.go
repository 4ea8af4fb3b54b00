// Package draincmder provides the drain command for running one batch pass
// over an owner's deferred queue.
package draincmder

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/engramdev/engram/pkg/audit"
	auditsqlite "github.com/engramdev/engram/pkg/audit/sqlite"
	"github.com/engramdev/engram/pkg/config"
	embeddingsollama "github.com/engramdev/engram/pkg/embeddings/ollama"
	extractionollama "github.com/engramdev/engram/pkg/extraction/ollama"
	"github.com/engramdev/engram/pkg/graph"
	graphsqlite "github.com/engramdev/engram/pkg/graph/sqlite"
	"github.com/engramdev/engram/pkg/logger"
	"github.com/engramdev/engram/pkg/novelty"
	queuesqlite "github.com/engramdev/engram/pkg/queue/sqlite"
	"github.com/engramdev/engram/pkg/scheduler"
	vectorsqlitevec "github.com/engramdev/engram/pkg/vector/sqlitevec"
)

type DrainCommander struct {
	owner     string
	configDir string
	debug     bool
	logger    *zap.Logger
}

const drainLongDesc string = `Run one drain pass over an owner's deferred queue.

Each queued candidate is re-classified against the current graph and then
written, discarded or requeued. Normally the server's background drainer
does this; use this command for one-off catch-up against local SQLite state.

Examples:
  engram drain --owner alice`

const drainShortDesc string = "Drain an owner's deferred queue once"

func NewDrainCmd() *cobra.Command {
	cmder := &DrainCommander{}

	cmd := &cobra.Command{
		Use:   "drain",
		Short: drainShortDesc,
		Long:  drainLongDesc,
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

	cmd.Flags().StringVarP(&cmder.owner, "owner", "o", "", "Owner partition to drain (required)")
	cmd.MarkFlagRequired("owner")

	return cmd
}

func (c *DrainCommander) run() error {
	c.logger = logger.NewLogger(c.debug)
	defer c.logger.Sync()

	v, err := config.InitViper(c.configDir)
	if err != nil {
		return err
	}
	cfg := config.FromViper(v)

	store, err := graphsqlite.NewStore(cfg.Storage.SQLitePath, c.logger)
	if err != nil {
		return fmt.Errorf("creating SQLite store: %w", err)
	}
	defer store.Close()

	vectors, err := vectorsqlitevec.NewDriver(vectorsqlitevec.Config{
		DBPath:     siblingPath(cfg.Storage.SQLitePath, "vectors.db"),
		Dimensions: cfg.Embedding.Dimensions,
	}, c.logger)
	if err != nil {
		return fmt.Errorf("creating sqlite-vec driver: %w", err)
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

	registry := graph.NewRegistry()
	classifier := novelty.NewClassifier(store, vectors, embedder, registry, novelty.Config{
		EntityMatchThreshold:       cfg.Novelty.EntityMatchThreshold,
		SemanticDuplicateThreshold: cfg.Novelty.SemanticDuplicateThreshold,
		ImmediateScoreFloor:        cfg.Novelty.ImmediateScoreFloor,
	}, c.logger)

	sched := scheduler.NewScheduler(store, vectors, embedder, q, classifier, extractor, auditLog, audit.NopPublisher{}, scheduler.Config{
		MaxWriteAttempts: cfg.Scheduler.MaxWriteAttempts,
		DrainBatchSize:   cfg.Scheduler.DrainBatchSize,
	}, c.logger)

	report, err := sched.DrainBatch(context.Background(), c.owner)
	if err != nil {
		return fmt.Errorf("draining queue: %w", err)
	}

	c.logger.Info("drain complete",
		zap.String("owner", c.owner),
		zap.Int("processed", report.Processed),
		zap.Int("written", report.Written),
		zap.Int("discarded", report.Discarded),
		zap.Int("requeued", report.Requeued),
	)
	return nil
}

func siblingPath(mainPath, name string) string {
	if mainPath == "" || mainPath == ":memory:" {
		return ":memory:"
	}
	return filepath.Join(filepath.Dir(mainPath), name)
}
