package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/compemperor/engram/internal/config"
	"github.com/compemperor/engram/internal/decay"
	"github.com/compemperor/engram/internal/engine"
	"github.com/compemperor/engram/internal/llm"
	"github.com/compemperor/engram/internal/logging"
	"github.com/compemperor/engram/internal/metrics"
	"github.com/compemperor/engram/internal/model"
	"github.com/compemperor/engram/internal/scheduler"
	"github.com/compemperor/engram/internal/server"
	"github.com/compemperor/engram/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server and the consolidation scheduler",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Check for ANTHROPIC_API_KEY env override
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "anthropic"
		cfg.LLM.AnthropicKey = key
	}

	logger, closer, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Resolve database path
	dbPath := cfg.Database.Path
	if dbPath == "" {
		dbPath, err = store.DefaultDBPath()
		if err != nil {
			return fmt.Errorf("resolve db path: %w", err)
		}
	}
	db, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	m := metrics.New()
	strength := decay.New(cfg.Strength)
	st, err := store.New(db, store.Options{
		Strength:      strength,
		MaxEdges:      cfg.Linker.MaxEdgesPerRecord,
		SnapshotEvery: cfg.Database.SnapshotEvery,
		Logger:        logger,
	})
	if err != nil {
		return fmt.Errorf("load store: %w", err)
	}

	eng, err := newEngine(ctx, cfg, st, strength, logger, m)
	if err != nil {
		return err
	}

	n, err := eng.RebuildIndex(ctx)
	if err != nil {
		return fmt.Errorf("build index: %w", err)
	}
	logger.Info("store loaded", "db", dbPath, "records", st.Len(), "indexed", n)

	sched, err := scheduler.New(eng, cfg.Scheduler, logger, m)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	srv := server.New(server.Options{
		Engine:    eng,
		Scheduler: sched,
		Metrics:   m,
		Logger:    logger,
		Version:   VersionString(),
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("engram serving", "addr", httpServer.Addr, "version", VersionString())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	err = g.Wait()

	sched.Stop()
	snapCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if cerr := eng.Checkpoint(snapCtx); cerr != nil {
		logger.Error("final snapshot failed", "error", cerr)
	}
	return err
}

// newEngine builds the embedder, the optional LLM synthesizer and the engine.
func newEngine(ctx context.Context, cfg config.Config, st *store.Store, strength *decay.Model, logger *log.Logger, m *metrics.Metrics) (*engine.Engine, error) {
	var docs []string
	for r := range st.Query(store.Filter{States: []model.State{model.StateActive, model.StateDormant}}) {
		docs = append(docs, r.Content)
	}
	emb, err := engine.NewEmbedder(ctx, cfg.Embedding, docs, logger)
	if err != nil {
		return nil, fmt.Errorf("embedder: %w", err)
	}

	var synth engine.Synthesizer = engine.AggregateSynthesizer{}
	if cfg.LLM.Provider != "" {
		client, err := llm.NewClient(cfg.LLM)
		if err != nil {
			logger.Warn("LLM not configured, reflections use the aggregate synthesizer", "error", err)
		} else {
			synth = engine.NewLLMSynthesizer(client, synth, logger)
			logger.Info("reflections via llm", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model)
		}
	}

	return engine.New(engine.Options{
		Store:       st,
		Strength:    strength,
		Embedder:    engine.NewResilient(emb, cfg.Embedding, logger),
		Synthesizer: synth,
		Config:      cfg,
		Logger:      logger,
		Metrics:     m,
	})
}
