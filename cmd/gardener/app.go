package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/philippgille/chromem-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/gardener/internal/adapter"
	"github.com/fyrsmithlabs/gardener/internal/budget"
	"github.com/fyrsmithlabs/gardener/internal/config"
	"github.com/fyrsmithlabs/gardener/internal/conversation"
	"github.com/fyrsmithlabs/gardener/internal/inference"
	"github.com/fyrsmithlabs/gardener/internal/kvstore"
	"github.com/fyrsmithlabs/gardener/internal/logging"
	"github.com/fyrsmithlabs/gardener/internal/project"
	"github.com/fyrsmithlabs/gardener/internal/secrets"
	"github.com/fyrsmithlabs/gardener/internal/switcher"
	"github.com/fyrsmithlabs/gardener/internal/telemetry"
	"github.com/fyrsmithlabs/gardener/internal/vectorindex"
)

// activeKey remembers the last project switched to, so that one-shot
// commands like ask can resume it.
const activeKey = "session/active"

// app holds the wired components for one CLI invocation.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	tel    *telemetry.Telemetry

	kv       kvstore.Store
	registry *project.Registry
	budget   *budget.Budget
	adapters *adapter.Store
	contexts *conversation.Store
	opener   *vectorindex.ChromemOpener
	embed    chromem.EmbeddingFunc
	scrubber secrets.Scrubber
	coord    *switcher.Coordinator
	metrics  *prometheus.Registry
	watcher  *adapter.Watcher // set while a shell is running

	adapterDir string
	indexDir   string
}

// newApp loads configuration and wires every component. Nothing here
// contacts the model server; that happens on first use.
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, err
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry))
	if err != nil {
		return nil, err
	}
	logCfg.Output.OTEL = tel.IsEnabled()
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return nil, err
	}
	zl := logger.Underlying()

	a := &app{cfg: cfg, logger: logger, tel: tel, metrics: prometheus.NewRegistry()}
	a.metrics.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	if err := a.openStorage(ctx); err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.registry, err = project.NewRegistry(ctx, a.kv, project.WithLogger(zl.Named("project")))
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.adapters = adapter.NewStore(a.kv, a.adapterDir)

	ceiling := cfg.Budget.Ceiling.Bytes()
	if ceiling == 0 {
		ceiling, err = budget.HostCeiling(cfg.Budget.SafetyMargin.Bytes())
		if err != nil {
			a.Close(ctx)
			return nil, fmt.Errorf("detect memory ceiling (set budget.ceiling): %w", err)
		}
	}
	a.budget, err = budget.New(ceiling, budget.WithRegisterer(a.metrics))
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.scrubber, err = newScrubber(cfg.Secrets)
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	summarizer, err := a.newSummarizer()
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.contexts, err = conversation.NewStore(a.kv,
		conversation.WithSummarizer(summarizer),
		conversation.WithLimits(cfg.Context.MaxTurns, cfg.Context.RetainTurns),
		conversation.WithLogger(zl.Named("conversation")))
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	a.embed = vectorindex.NewOllamaEmbedding(cfg.Index.EmbeddingModel, cfg.Model.OllamaURL+"/api")
	a.opener = vectorindex.NewChromemOpener(a.embed, vectorindex.ChromemConfig{
		Compress:        cfg.Index.Compress,
		WorkingSetBytes: cfg.Switch.IndexWorkingSet.Bytes(),
	}, zl.Named("vectorindex"))

	metrics, err := switcher.NewMetrics(tel.Meter(switcher.InstrumentationName))
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.coord, err = switcher.NewCoordinator(switcher.Dependencies{
		Registry:    a.registry,
		Budget:      a.budget,
		Adapters:    a.adapters,
		Loader:      adapter.NewFileLoader(),
		Indexes:     a.opener,
		Contexts:    a.contexts,
		DeleteIndex: vectorindex.Delete,
	}, switcher.Config{
		BaseModelID: cfg.Model.BaseModelID,
		Timeout:     cfg.Switch.Timeout.Duration(),
		WarmSlots:   cfg.Switch.WarmSlots,
	}, switcher.WithLogger(switcher.NewLogger(zl)), switcher.WithMetrics(metrics))
	if err != nil {
		a.Close(ctx)
		return nil, err
	}

	logger.Debug(ctx, "gardener wired",
		zap.String("storage", cfg.Storage.Backend),
		zap.Int64("ceiling_bytes", ceiling),
		zap.String("ceiling", config.ByteSize(ceiling).String()),
		zap.Int("warm_slots", cfg.Switch.WarmSlots))
	return a, nil
}

func (a *app) openStorage(ctx context.Context) error {
	cfg := a.cfg.Storage
	path, err := config.ExpandHome(cfg.Path)
	if err != nil {
		return err
	}
	if cfg.Backend == config.BackendFile {
		if err := os.MkdirAll(path, 0700); err != nil {
			return fmt.Errorf("create storage dir: %w", err)
		}
	}

	a.kv, err = kvstore.Open(ctx, kvstore.Options{
		Backend: cfg.Backend,
		Path:    path,
		Redis: kvstore.RedisOptions{
			Addr:      cfg.RedisAddr,
			Password:  cfg.RedisPassword.Value(),
			DB:        cfg.RedisDB,
			Namespace: cfg.RedisPrefix,
		},
	})
	if err != nil {
		return fmt.Errorf("open %s storage: %w", cfg.Backend, err)
	}
	fields := []zap.Field{zap.String("backend", cfg.Backend)}
	if cfg.Backend == config.BackendRedis {
		fields = append(fields, zap.String("addr", cfg.RedisAddr), logging.Secret("redis_password", cfg.RedisPassword))
	} else {
		fields = append(fields, zap.String("path", path))
	}
	a.logger.Debug(ctx, "storage opened", fields...)

	if a.adapterDir, err = config.ExpandHome(cfg.AdapterDir); err != nil {
		return err
	}
	if a.indexDir, err = config.ExpandHome(a.cfg.Index.Dir); err != nil {
		return err
	}
	return nil
}

func newScrubber(cfg config.SecretsConfig) (secrets.Scrubber, error) {
	if !cfg.Enabled {
		return secrets.Noop{}, nil
	}
	var allowlist *secrets.Allowlist
	if cfg.Allowlist != "" {
		path, err := config.ExpandHome(cfg.Allowlist)
		if err != nil {
			return nil, err
		}
		if allowlist, err = secrets.LoadAllowlists("", path); err != nil {
			return nil, fmt.Errorf("load secrets allowlist: %w", err)
		}
	}
	r, err := secrets.NewRedactor(allowlist)
	if err != nil {
		return nil, fmt.Errorf("create secrets redactor: %w", err)
	}
	return r, nil
}

func (a *app) newSummarizer() (conversation.Summarizer, error) {
	if a.cfg.Context.Summarizer != config.SummarizerLLM {
		return conversation.NewExtractiveSummarizer(a.cfg.Context.SummaryChars), nil
	}
	model, err := a.model()
	if err != nil {
		return nil, err
	}
	return conversation.NewLLMSummarizer(model, a.cfg.Context.SummaryChars, a.scrubber), nil
}

// model returns the generation model served by ollama.
func (a *app) model() (llms.Model, error) {
	llm, err := ollama.New(
		ollama.WithServerURL(a.cfg.Model.OllamaURL),
		ollama.WithModel(a.cfg.Model.Generation))
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	return llm, nil
}

func (a *app) engine() (*inference.Engine, error) {
	model, err := a.model()
	if err != nil {
		return nil, err
	}
	return inference.NewEngine(a.coord, a.contexts, model,
		inference.WithTopK(a.cfg.Index.TopK),
		inference.WithRecentTurns(a.cfg.Context.PromptTurns),
		inference.WithLogger(a.logger.Underlying()))
}

// indexRef is where a project's vector index lives.
func (a *app) indexRef(projectID string) string {
	return filepath.Join(a.indexDir, projectID)
}

// sessionContext tags ctx with a fresh invocation id for log correlation.
func sessionContext(ctx context.Context) context.Context {
	return logging.WithSessionID(ctx, uuid.NewString())
}

func (a *app) rememberActive(ctx context.Context, projectID string) error {
	if projectID == "" {
		return a.kv.Delete(ctx, activeKey)
	}
	return a.kv.Save(ctx, activeKey, []byte(projectID))
}

func (a *app) lastActive(ctx context.Context) (string, error) {
	blob, err := a.kv.Load(ctx, activeKey)
	if errors.Is(err, kvstore.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(blob), nil
}

// serveMetrics exposes the Prometheus registry until ctx is done.
func (a *app) serveMetrics(ctx context.Context, addr string) {
	if addr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Warn(ctx, "metrics server stopped", zap.Error(err))
		}
	}()
	a.logger.Info(ctx, "serving metrics", zap.String("addr", addr))
}

// Close releases everything in reverse wiring order.
func (a *app) Close(ctx context.Context) {
	if a.coord != nil {
		if err := a.coord.Close(ctx); err != nil {
			a.logger.Warn(ctx, "coordinator close failed", zap.Error(err))
		}
	}
	if a.contexts != nil {
		if err := a.contexts.Close(ctx); err != nil {
			a.logger.Warn(ctx, "conversation store close failed", zap.Error(err))
		}
	}
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			a.logger.Warn(ctx, "storage close failed", zap.Error(err))
		}
	}
	if a.tel != nil {
		_ = a.tel.Shutdown(ctx)
	}
	_ = a.logger.Sync()
}
