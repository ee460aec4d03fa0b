package main

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/sinodata/fundreports/internal/config"
	"github.com/sinodata/fundreports/internal/fetcher"
	"github.com/sinodata/fundreports/internal/orchestrator"
	"github.com/sinodata/fundreports/internal/parser"
	"github.com/sinodata/fundreports/internal/portal"
	"github.com/sinodata/fundreports/internal/resilience"
	"github.com/sinodata/fundreports/internal/service"
	"github.com/sinodata/fundreports/internal/store"
	"github.com/sinodata/fundreports/internal/taxonomy"
	"github.com/sinodata/fundreports/pkg/anthropic"
)

// appEnv bundles the wired subsystems for a command invocation.
type appEnv struct {
	Store   store.Store
	Portal  *portal.Client
	Service *service.Service
}

func (e *appEnv) Close() {
	if err := e.Store.Close(); err != nil {
		zap.L().Warn("close store", zap.Error(err))
	}
}

// initApp builds the full pipeline from config: store, portal client,
// downloader, parse engine, orchestrator, service.
func initApp(ctx context.Context) (*appEnv, error) {
	st, err := store.Open(ctx, cfg.Store.Driver, cfg.Store.DatabaseURL, &store.PoolConfig{
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, err
	}

	portalClient := portal.NewClient(portal.Options{
		SearchURL:       cfg.Portal.SearchURL,
		InstanceURL:     cfg.Portal.InstanceURL,
		UserAgent:       cfg.Portal.UserAgent,
		MinInterval:     cfg.Portal.MinInterval(),
		Timeout:         time.Duration(cfg.Portal.TimeoutSecs) * time.Second,
		BreakerFailures: cfg.Portal.BreakerFailures,
	})

	retry := resilience.DownloadRetryConfig()
	if cfg.Download.MaxAttempts > 0 {
		retry.MaxAttempts = cfg.Download.MaxAttempts
	}
	downloader := fetcher.NewDownloader(fetcher.Options{
		UserAgent: cfg.Portal.UserAgent,
		Timeout:   time.Duration(cfg.Download.TimeoutSecs) * time.Second,
		Retry:     retry,
	})

	engine, err := buildEngine(cfg)
	if err != nil {
		st.Close()
		return nil, err
	}

	orc := orchestrator.New(st, portalClient, downloader, engine, orchestrator.Options{
		Workers:         cfg.Orchestrator.Workers,
		DownloadTimeout: time.Duration(cfg.Orchestrator.DownloadTimeoutSecs) * time.Second,
		ParseTimeout:    time.Duration(cfg.Orchestrator.ParseTimeoutSecs) * time.Second,
		PersistTimeout:  time.Duration(cfg.Orchestrator.PersistTimeoutSecs) * time.Second,
	})

	svc := service.New(portalClient, downloader, engine, st, orc, service.Options{
		SaveDir:  cfg.Download.Dir,
		MaxBatch: cfg.Orchestrator.MaxBatch,
	})

	return &appEnv{Store: st, Portal: portalClient, Service: svc}, nil
}

func buildEngine(cfg *config.Config) (*parser.Engine, error) {
	mappings, err := taxonomy.LoadMappingDir(cfg.Taxonomy.MappingDir)
	if err != nil {
		return nil, err
	}

	var cache *taxonomy.Cache
	if dirs := taxonomyDirs(cfg.Taxonomy.Dir); len(dirs) > 0 {
		cache = taxonomy.NewCache(dirs)
	}

	var llm *parser.LLMExtractor
	if cfg.LLM.Enabled {
		key := cfg.LLM.Key
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		llm = parser.NewLLMExtractor(anthropic.NewClient(key), cfg.LLM.Model)
	}

	return parser.NewEngine(parser.EngineOptions{
		Mappings:       mappings,
		Taxonomies:     cache,
		DefaultVersion: cfg.Taxonomy.DefaultVersion,
		LLM:            llm,
	}), nil
}

// taxonomyDirs maps each subdirectory of the taxonomy root to a version.
func taxonomyDirs(root string) map[string]string {
	entries, err := os.ReadDir(root)
	if err != nil {
		zap.L().Debug("taxonomy dir unavailable", zap.String("dir", root), zap.Error(err))
		return nil
	}
	dirs := map[string]string{}
	for _, entry := range entries {
		if entry.IsDir() {
			dirs[entry.Name()] = filepath.Join(root, entry.Name())
		}
	}
	return dirs
}
