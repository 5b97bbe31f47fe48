// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package daemon runs maestro as a long-lived service: it loads
// ensembles from a directory, serves webhooks, fires cron schedules,
// and exposes Prometheus metrics.
package daemon

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/tombee/maestro/internal/daemon/scheduler"
	"github.com/tombee/maestro/internal/daemon/webhook"
	"github.com/tombee/maestro/internal/framestore"
	"github.com/tombee/maestro/internal/historystore"
	ilog "github.com/tombee/maestro/internal/log"
	"github.com/tombee/maestro/pkg/ensemble"
	"github.com/tombee/maestro/pkg/ensemble/engine"
	"github.com/tombee/maestro/pkg/ensemble/member"
	"github.com/tombee/maestro/pkg/errors"
	"github.com/tombee/maestro/pkg/observability"
)

// Config is the daemon's YAML configuration.
type Config struct {
	// Listen is the HTTP bind address, default ":8080"
	Listen string `yaml:"listen"`

	// EnsemblesDir holds the .yaml ensemble definitions
	EnsemblesDir string `yaml:"ensembles_dir"`

	// DataDir holds the SQLite frame and history databases; empty
	// keeps everything in memory
	DataDir string `yaml:"data_dir"`

	// Webhook credentials
	Auth webhook.AuthConfig `yaml:"auth"`

	// WebhookRate caps webhook requests per second, 0 for unlimited
	WebhookRate float64 `yaml:"webhook_rate"`

	// Tracing enables the stdout span exporter
	Tracing bool `yaml:"tracing"`

	// Env is the deployment environment exposed to templates
	Env map[string]any `yaml:"env"`
}

// LoadConfig reads a daemon configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ConfigError{Key: "config", Reason: "cannot read " + path, Cause: err}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &errors.ConfigError{Key: "config", Reason: "invalid YAML", Cause: err}
	}
	return &cfg, nil
}

// Server is a running daemon.
type Server struct {
	cfg      *Config
	engine   *engine.Engine
	schedule *scheduler.Scheduler
	webhooks *webhook.Dispatcher
	obs      *observability.Provider
	metrics  *observability.EngineMetrics
	logger   *slog.Logger

	mu        sync.RWMutex
	ensembles map[string]*ensemble.Definition
}

// New assembles a daemon from its configuration.
func New(cfg *Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}

	var frames framestore.Store
	var history historystore.Store
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, &errors.ConfigError{Key: "data_dir", Reason: "cannot create", Cause: err}
		}
		var err error
		if frames, err = framestore.NewSQLite(filepath.Join(cfg.DataDir, "frames.db")); err != nil {
			return nil, err
		}
		if history, err = historystore.NewSQLite(filepath.Join(cfg.DataDir, "history.db")); err != nil {
			return nil, err
		}
	} else {
		frames = framestore.NewMemory()
		history = historystore.NewMemory()
	}

	registry := member.NewRegistry()
	if err := member.RegisterBuiltins(registry); err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Config{
		Registry: registry,
		Frames:   frames,
		History:  history,
		Logger:   logger,
		Env:      cfg.Env,
	})
	if err != nil {
		return nil, err
	}

	obs, err := observability.New(observability.Config{EnableTracing: cfg.Tracing})
	if err != nil {
		return nil, err
	}
	metrics, err := observability.NewEngineMetrics(obs.Meter("maestro/daemon"))
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		engine:    eng,
		webhooks:  webhook.New(&meteredRunner{eng, metrics}, cfg.Auth, cfg.WebhookRate, logger),
		obs:       obs,
		metrics:   metrics,
		logger:    logger,
		ensembles: make(map[string]*ensemble.Definition),
	}
	s.schedule = scheduler.New(scheduler.DispatchFunc(s.dispatchScheduled), logger)
	return s, nil
}

// meteredRunner records execution metrics around the engine.
type meteredRunner struct {
	*engine.Engine
	metrics *observability.EngineMetrics
}

func (m *meteredRunner) Execute(ctx context.Context, def *ensemble.Definition, input map[string]any) (*engine.Result, error) {
	result, err := m.Engine.Execute(ctx, def, input)
	if result != nil {
		m.metrics.RecordExecution(ctx, def.Name, result.Status,
			float64(result.Metrics.DurationMs)/1000.0,
			result.Metrics.CacheHits, result.Metrics.Retries)
	}
	return result, err
}

// dispatchScheduled runs a cron-triggered execution.
func (s *Server) dispatchScheduled(ctx context.Context, name string, input map[string]any) {
	s.mu.RLock()
	def, ok := s.ensembles[name]
	s.mu.RUnlock()
	if !ok {
		s.logger.Warn("schedule fired for unknown ensemble", slog.String(ilog.EnsembleKey, name))
		return
	}

	s.metrics.RecordScheduleFiring(ctx, name, "")
	runner := &meteredRunner{s.engine, s.metrics}
	result, err := runner.Execute(context.WithoutCancel(ctx), def, input)
	if err != nil {
		s.logger.Error("scheduled execution failed",
			slog.String(ilog.EnsembleKey, name),
			slog.String("error", err.Error()))
		return
	}
	s.logger.Info("scheduled execution finished",
		slog.String(ilog.EnsembleKey, name),
		slog.String(ilog.ExecutionIDKey, result.ExecutionID),
		slog.String("status", result.Status))
}

// LoadEnsembles reads every .yaml/.yml file in the ensembles directory
// and registers its schedules and webhooks. Broken definitions are
// logged and skipped so one bad file cannot take the daemon down.
func (s *Server) LoadEnsembles() error {
	if s.cfg.EnsemblesDir == "" {
		return nil
	}
	entries, err := os.ReadDir(s.cfg.EnsemblesDir)
	if err != nil {
		return &errors.ConfigError{Key: "ensembles_dir", Reason: "cannot read", Cause: err}
	}

	for _, entry := range entries {
		if entry.IsDir() || !isYAML(entry.Name()) {
			continue
		}
		s.loadOne(filepath.Join(s.cfg.EnsemblesDir, entry.Name()))
	}
	return nil
}

func isYAML(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}

func (s *Server) loadOne(path string) {
	def, err := ensemble.Load(path)
	if err == nil {
		err = def.Validate()
	}
	if err != nil {
		s.logger.Warn("skipping ensemble",
			slog.String("path", path),
			slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	s.ensembles[def.Name] = def
	s.mu.Unlock()

	if err := s.schedule.Register(def); err != nil {
		s.logger.Warn("schedule registration failed",
			slog.String(ilog.EnsembleKey, def.Name),
			slog.String("error", err.Error()))
	}
	if err := s.webhooks.Register(def); err != nil {
		s.logger.Warn("webhook registration failed",
			slog.String(ilog.EnsembleKey, def.Name),
			slog.String("error", err.Error()))
	}
	s.logger.Info("ensemble loaded", slog.String(ilog.EnsembleKey, def.Name))
}

// watch reloads definitions when the ensembles directory changes.
func (s *Server) watch(ctx context.Context) error {
	if s.cfg.EnsemblesDir == "" {
		<-ctx.Done()
		return ctx.Err()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(s.cfg.EnsemblesDir); err != nil {
		return err
	}

	// Editors fire bursts of events per save; debounce into one reload.
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isYAML(event.Name) {
				continue
			}
			pending = time.After(250 * time.Millisecond)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watcher error", slog.String("error", err.Error()))
		case <-pending:
			pending = nil
			s.logger.Info("ensembles changed, reloading")
			if err := s.LoadEnsembles(); err != nil {
				s.logger.Error("reload failed", slog.String("error", err.Error()))
			}
		}
	}
}

// handler builds the daemon's HTTP surface.
func (s *Server) handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/hooks/", s.webhooks)
	mux.Handle("/metrics", s.obs.MetricsHandler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Run serves until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	if err := s.LoadEnsembles(); err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("daemon listening", slog.String("addr", s.cfg.Listen))
		err := httpServer.ListenAndServe()
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	})
	g.Go(func() error { return s.schedule.Run(gctx) })
	g.Go(func() error { return s.watch(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		return s.obs.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}
