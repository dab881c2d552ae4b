package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"skippy/internal/build"
	"skippy/internal/config"
	"skippy/internal/repo"
	"skippy/internal/repo/badgerstore"
	"skippy/internal/repo/fsstore"
	"skippy/internal/repo/gcsstore"
	"skippy/internal/repo/httpstore"
	"skippy/internal/repo/sqlitestore"
	"skippy/internal/tags"
	"skippy/internal/units"
)

func loadConfig() (*config.Config, error) {
	return config.LoadOrDefault(rootFlags.config)
}

func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if rootFlags.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// openBackend opens the backend the configuration selects.
func openBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Backend, error) {
	r := cfg.Repository
	switch r.Backend {
	case config.BackendFS:
		return fsstore.Open(r.Path)
	case config.BackendSQLite:
		return sqlitestore.Open(r.Path)
	case config.BackendBadger:
		bc := badgerstore.DefaultConfig(r.Path)
		bc.Logger = logger
		return badgerstore.Open(bc)
	case config.BackendGCS:
		return gcsstore.Open(ctx, gcsstore.Config{
			Bucket:          r.Bucket,
			Prefix:          r.Prefix,
			CredentialsFile: r.CredentialsFile,
		})
	case config.BackendHTTP:
		return httpstore.NewClient(r.URL), nil
	default:
		return nil, fmt.Errorf("unknown repository backend %q", r.Backend)
	}
}

// env is what every command works with.
type env struct {
	cfg  *config.Config
	log  *slog.Logger
	repo *repo.Repository
}

func (e *env) Close() error {
	return e.repo.Close()
}

func openEnv(cmd *cobra.Command) (*env, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := newLogger(cmd.ErrOrStderr())
	backend, err := openBackend(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening %s repository: %w", cfg.Repository.Backend, err)
	}
	return &env{
		cfg:  cfg,
		log:  logger,
		repo: repo.New(backend, repo.WithLogger(logger)),
	}, nil
}

// matcher combines the always_execute patterns with the tag rules file.
func (e *env) matcher() (*tags.Matcher, error) {
	var rules []tags.Rule
	if len(e.cfg.AlwaysExecute) > 0 {
		rules = append(rules, tags.Rule{Tag: tags.AlwaysExecute, Patterns: e.cfg.AlwaysExecute})
	}
	if e.cfg.TagRules != "" {
		m, err := tags.LoadRules(e.cfg.TagRules)
		switch {
		case errors.Is(err, os.ErrNotExist):
			e.log.Warn("tag rules file not found", "path", e.cfg.TagRules)
		case err != nil:
			return nil, err
		default:
			rules = append(rules, m.Rules()...)
		}
	}
	return tags.NewMatcher(rules)
}

func (e *env) api() (*build.API, error) {
	m, err := e.matcher()
	if err != nil {
		return nil, err
	}
	collector, err := units.NewDirCollector(e.cfg.Units.Dirs, units.WithPattern(e.cfg.Units.Pattern))
	if err != nil {
		return nil, err
	}
	return build.New(e.repo,
		build.WithLogger(e.log),
		build.WithMatcher(m),
		build.WithCollector(collector),
		build.WithDependencySet(rootFlags.dependencySet),
		build.WithCompactParallelism(e.cfg.Compaction.Parallelism),
		build.WithDiscardStale(e.cfg.Compaction.DiscardStale),
	), nil
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

// withRepo opens the environment, runs fn and closes it.
func withRepo(cmd *cobra.Command, fn func(ctx context.Context, e *env) error) error {
	e, err := openEnv(cmd)
	if err != nil {
		return err
	}
	defer e.Close()
	return fn(cmd.Context(), e)
}
