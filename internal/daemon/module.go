// Package daemon composes the sync daemon: store, transport session,
// ingestion engine, outbox sender and roster aggregator, wired through fx
// with a clean shutdown order.
package daemon

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/pairloop/chatsync/internal/account"
	"github.com/pairloop/chatsync/internal/bus"
	"github.com/pairloop/chatsync/internal/conversation"
	"github.com/pairloop/chatsync/internal/lock"
	"github.com/pairloop/chatsync/internal/logging"
	"github.com/pairloop/chatsync/internal/outbox"
	"github.com/pairloop/chatsync/internal/rest"
	"github.com/pairloop/chatsync/internal/roster"
	"github.com/pairloop/chatsync/internal/status"
	"github.com/pairloop/chatsync/internal/store"
	intsync "github.com/pairloop/chatsync/internal/sync"
	"github.com/pairloop/chatsync/internal/transport"
)

// Params holds the resolved account and server endpoints passed to the fx
// module.
type Params struct {
	Account   string
	ServerURL string
	SocketURL string
	AuthToken string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideRestClient,
			provideSession,
			provideSyncEngine,
			provideSender,
			provideAggregator,
			provideGuard,
			provideManager,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(account.LogPath(p.Account), p.Account)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := account.EnsureDir(p.Account); err != nil {
		return nil, err
	}
	logger.Info("acquiring account lock", zap.String("account", p.Account))
	l, err := lock.Acquire(account.Dir(p.Account))
	if err != nil {
		return nil, err
	}
	logger.Info("account lock acquired")
	return l, nil
}

func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := account.DBPath(p.Account)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideRestClient(p Params) *rest.Client {
	return rest.NewClient(p.ServerURL, p.AuthToken)
}

func provideSession(p Params, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *transport.Session {
	return transport.NewSession(p.SocketURL, p.AuthToken, b, machine, logger)
}

func provideSyncEngine(p Params, db *store.DB, b *bus.Bus, logger *zap.Logger) (*intsync.Engine, error) {
	accountID, err := strconv.ParseInt(p.Account, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("account id %q is not numeric: %w", p.Account, err)
	}
	return intsync.NewEngine(db, b, accountID, logger), nil
}

func provideSender(db *store.DB, sess *transport.Session, machine *status.Machine, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, sess, machine, b, logger)
}

func provideAggregator(db *store.DB, client *rest.Client, b *bus.Bus, logger *zap.Logger) *roster.Aggregator {
	return roster.NewAggregator(db, client, b, logger)
}

func provideGuard() *conversation.Guard {
	return conversation.NewGuard()
}

func provideManager(p Params, db *store.DB, b *bus.Bus, sess *transport.Session, client *rest.Client, guard *conversation.Guard, logger *zap.Logger) (*conversation.Manager, error) {
	selfID, err := strconv.ParseInt(p.Account, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("account id %q is not numeric: %w", p.Account, err)
	}
	return conversation.NewManager(db, b, sess, client, guard, selfID, logger), nil
}

func registerLifecycle(lc fx.Lifecycle, lk *lock.Lock, db *store.DB, sess *transport.Session, engine *intsync.Engine, sender *outbox.Sender, agg *roster.Aggregator, mgr *conversation.Manager, logger *zap.Logger) {
	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, c := context.WithCancel(context.Background())
			cancel = c

			engine.Start(ctx)
			sess.Start(ctx)
			sender.Start(ctx)

			// Best-effort initial roster refresh; the cached snapshot
			// serves until the server answers.
			go func() {
				rctx, rcancel := context.WithTimeout(ctx, 30*time.Second)
				defer rcancel()
				if err := agg.Refresh(rctx); err != nil {
					logger.Warn("initial roster refresh failed", zap.Error(err))
				}
			}()

			logger.Info("daemon started")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			mgr.CloseAll(ctx)
			sess.Close()
			if cancel != nil {
				cancel()
			}
			sender.Wait()
			engine.Stop()
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
