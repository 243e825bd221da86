// Package daemon wires the application together with fx: store, source
// client, sync engine, session manager, query facade and outbox sender, plus
// the lifecycle that starts and stops the background loops.
package daemon

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/igrelay/igrelay/internal/bus"
	"github.com/igrelay/igrelay/internal/config"
	"github.com/igrelay/igrelay/internal/ingest"
	"github.com/igrelay/igrelay/internal/lock"
	"github.com/igrelay/igrelay/internal/logging"
	"github.com/igrelay/igrelay/internal/outbox"
	"github.com/igrelay/igrelay/internal/query"
	"github.com/igrelay/igrelay/internal/session"
	"github.com/igrelay/igrelay/internal/source"
	"github.com/igrelay/igrelay/internal/source/igapi"
	"github.com/igrelay/igrelay/internal/store"
	intsync "github.com/igrelay/igrelay/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved configuration passed to the fx module. Client,
// when non-nil, replaces the real Instagram client (used in tests).
type Params struct {
	Cfg    *config.Config
	Client source.Client
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideLock,
			provideStore,
			provideBus,
			provideClient,
			providePipeline,
			provideCoordinator,
			provideScheduler,
			provideSessionManager,
			provideFacade,
			provideSender,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(p.Cfg.LogPath())
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring data dir lock", zap.String("data_dir", p.Cfg.DataDir))
	l, err := lock.Acquire(p.Cfg.DataDir)
	if err != nil {
		return nil, err
	}
	logger.Info("data dir lock acquired")
	return l, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := p.Cfg.DBPath()
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	// Scope locks are crash recovery state, not config. The data dir lock
	// guarantees no other daemon can be mid-run right now.
	if err := db.ClearScopeLocks(); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideClient(p Params, logger *zap.Logger) (source.Client, error) {
	if p.Client != nil {
		return p.Client, nil
	}
	sessionID := p.Cfg.Source.SessionID
	if sessionID == "" && p.Cfg.Source.SessionFile != "" {
		data, err := os.ReadFile(p.Cfg.Source.SessionFile)
		if err != nil {
			return nil, err
		}
		sessionID = strings.TrimSpace(string(data))
	}
	if sessionID == "" {
		return nil, errors.New("source.session_id or source.session_file is required")
	}
	return igapi.New(igapi.Options{
		SessionID: sessionID,
		PageSize:  p.Cfg.Sync.MessagePageSize,
	}, logger), nil
}

func providePipeline(p Params, db *store.DB, client source.Client, b *bus.Bus, logger *zap.Logger) *ingest.Pipeline {
	return ingest.NewPipeline(db, client, b, logger, p.Cfg.Source.AccountID)
}

func provideCoordinator(p Params, db *store.DB, pipeline *ingest.Pipeline, b *bus.Bus, logger *zap.Logger) *intsync.Coordinator {
	return intsync.NewCoordinator(db, pipeline, b, logger,
		p.Cfg.Sync.RunTimeout.Std(), p.Cfg.Sync.CursorOverlap.Std())
}

func provideScheduler(p Params, coord *intsync.Coordinator, logger *zap.Logger) *intsync.Scheduler {
	return intsync.NewScheduler(coord, p.Cfg.Sync.PollInterval.Std(), logger)
}

func provideSessionManager(db *store.DB, b *bus.Bus, logger *zap.Logger) *session.Manager {
	return session.NewManager(db, b, logger)
}

func provideFacade(db *store.DB) *query.Facade {
	return query.NewFacade(db)
}

func provideSender(p Params, db *store.DB, client source.Client, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, client, b, logger, p.Cfg.Source.AccountID)
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, coord *intsync.Coordinator, sched *intsync.Scheduler, sender *outbox.Sender, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			sched.Start(context.Background())
			sender.Start(context.Background())
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(_ context.Context) error {
			sched.Stop()
			sender.Stop()
			// In-flight runs finalize before the store closes.
			coord.Wait()
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
