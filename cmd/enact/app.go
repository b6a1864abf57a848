package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/matiasleandrokruk/enact/internal/domain/audit"
	"github.com/matiasleandrokruk/enact/internal/domain/environment"
	"github.com/matiasleandrokruk/enact/internal/domain/execution"
	"github.com/matiasleandrokruk/enact/internal/domain/orchestrator"
	"github.com/matiasleandrokruk/enact/internal/domain/policy"
	"github.com/matiasleandrokruk/enact/internal/domain/signing"
	"github.com/matiasleandrokruk/enact/internal/domain/tool"
	"github.com/matiasleandrokruk/enact/internal/infra/config"
	"github.com/matiasleandrokruk/enact/internal/infra/eventbus"
	"github.com/matiasleandrokruk/enact/internal/infra/logging"
	"github.com/matiasleandrokruk/enact/internal/infra/sqlite"
	pkgauth "github.com/matiasleandrokruk/enact/pkg/auth"
)

// app is the wired service graph shared by the commands.
type app struct {
	cfg      config.Config
	logger   zerolog.Logger
	db       *sql.DB
	bus      *eventbus.Bus
	keys     *signing.DirKeyring
	verifier *signing.Engine
	envStore *environment.SQLStore
	registry *tool.LocalRegistry
	audit    *audit.Service
	provider execution.Provider
	orch     *orchestrator.Orchestrator
	// stopAudit ends the recorder and waits for it to drain.
	stopAudit func()
}

// loadConfig reads the environment and the optional TOML overlay.
func loadConfig() (config.Config, error) {
	cfg, err := config.LoadWithFile()
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// newApp opens the store and builds every service. The audit recorder runs
// until close.
func newApp(ctx context.Context, cfg config.Config, errOut io.Writer) (*app, error) {
	logger := logging.InitWriter(errOut, "enact", cfg.LogLevel, cfg.LogFormat)

	catalog, err := policyCatalog(cfg)
	if err != nil {
		return nil, err
	}
	def, err := catalog.Lookup(cfg.Policy)
	if err != nil {
		return nil, err
	}
	if cfg.DBPath != sqlite.MemoryPath {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sqlite.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	sealer, err := environment.NewSealer(cfg.SecretKey)
	if err != nil {
		db.Close()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		bus:      eventbus.New(),
		keys:     signing.NewDirKeyring(cfg.TrustedKeysDir),
		envStore: environment.NewSQLStore(db, sealer),
		audit:    audit.NewService(db),
	}
	a.verifier = signing.NewEngine(a.keys, logger)
	a.registry = tool.NewLocalRegistry(db, pkgauth.PublishSubject, a.publishGate(def))
	a.provider = newProvider(cfg, a.bus, logger)
	a.orch = orchestrator.New(orchestrator.Deps{
		Registry: a.registry,
		Verifier: a.verifier,
		Resolver: environment.NewResolver(cfg.Home, a.envStore, logger),
		Provider: a.provider,
		Bus:      a.bus,
		Logger:   logger,
	}, orchestrator.Options{
		DefaultPolicy:  def,
		Policies:       catalog,
		DefaultTimeout: cfg.DefaultTimeout,
		OperationTTL:   cfg.OperationTTL,
	})

	recCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := audit.NewRecorder(a.audit, a.bus, logger).Start(recCtx)
	a.stopAudit = func() {
		cancel()
		<-done
	}
	return a, nil
}

// policyCatalog turns the configured custom policies and allowlist into a
// catalog.
func policyCatalog(cfg config.Config) (*policy.Catalog, error) {
	custom := make([]policy.VerificationPolicy, 0, len(cfg.Policies))
	for _, pc := range cfg.Policies {
		roles := make([]tool.Role, len(pc.RequireRoles))
		for i, r := range pc.RequireRoles {
			roles[i] = tool.Role(strings.ToLower(strings.TrimSpace(r)))
		}
		custom = append(custom, policy.VerificationPolicy{
			Name:              pc.Name,
			MinimumSignatures: pc.MinimumSignatures,
			RequireRoles:      roles,
			TrustedKeys:       pc.TrustedKeys,
			AllowUnsigned:     pc.AllowUnsigned,
		})
	}
	return policy.NewCatalog(custom, cfg.TrustedKeys)
}

// publishGate verifies signatures under pol before a tool is stored. The
// permissive degrade never applies to publishing.
func (a *app) publishGate(pol policy.VerificationPolicy) tool.PublishGate {
	return func(ctx context.Context, def *tool.Definition) error {
		res, err := a.verifier.Verify(ctx, def, pol)
		if err != nil {
			return err
		}
		if !res.IsValid {
			return fmt.Errorf("%s under %s policy", res.Failure, pol.Name)
		}
		return nil
	}
}

func newProvider(cfg config.Config, bus eventbus.EventBus, logger zerolog.Logger) execution.Provider {
	if cfg.Backend == config.BackendContainer {
		return execution.NewContainerProvider(execution.NewCLIEngine(cfg.EngineBinary), execution.ContainerConfig{
			BaseImage:      cfg.BaseImage,
			EngineTimeout:  cfg.EngineTimeout,
			MaxRetries:     cfg.MaxRetries,
			InitialBackoff: cfg.RetryInitialDelay,
			MaxBackoff:     cfg.RetryMaxDelay,
			HealthInterval: cfg.HealthInterval,
			ShutdownGrace:  cfg.ShutdownGrace,
		}, logger).WithEvents(bus)
	}
	return execution.NewDirectProvider(logger, execution.WithShutdownGrace(cfg.ShutdownGrace))
}

// drainer returns the provider's shutdown surface.
func (a *app) drainer() execution.Drainer {
	d, _ := a.provider.(execution.Drainer)
	return d
}

// engineHealth is nil for backends without a monitored engine.
func (a *app) engineHealth() func() execution.HealthStatus {
	if c, ok := a.provider.(*execution.ContainerProvider); ok {
		return c.Health
	}
	return nil
}

// close drains the provider, then closes the store.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if d := a.drainer(); d != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownGrace)
		errs = append(errs, d.Shutdown(shutdownCtx))
		cancel()
	}
	errs = append(errs, a.closeStore())
	return errors.Join(errs...)
}

// closeStore flushes the audit recorder and closes the database.
func (a *app) closeStore() error {
	a.stopAudit()
	return a.db.Close()
}
