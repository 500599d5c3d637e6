package daemon

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/pairup/chatlink/internal/api"
	"github.com/pairup/chatlink/internal/bus"
	"github.com/pairup/chatlink/internal/chat"
	"github.com/pairup/chatlink/internal/config"
	"github.com/pairup/chatlink/internal/conn"
	"github.com/pairup/chatlink/internal/crypto"
	"github.com/pairup/chatlink/internal/lock"
	"github.com/pairup/chatlink/internal/logging"
	"github.com/pairup/chatlink/internal/netmon"
	"github.com/pairup/chatlink/internal/queue"
	"github.com/pairup/chatlink/internal/session"
	"github.com/pairup/chatlink/internal/status"
	"github.com/pairup/chatlink/internal/store"
	"github.com/pairup/chatlink/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// probeInterval is how often the connectivity monitor polls the API host.
const probeInterval = 15 * time.Second

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName string
	UserID      string
	Token       string
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideConfig,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideCodec,
			provideQueue,
			provideDialer,
			provideManager,
			provideMonitor,
			provideAPIClient,
			provideChatSession,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	path := session.ConfigPath()
	cfg, err := config.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		logger.Info("no config file, using defaults", zap.String("path", path))
		cfg = config.Default()
	} else if err != nil {
		return nil, err
	}
	if cfg.ServerURL == "" {
		return nil, errors.New("server_url not set in config")
	}
	return cfg, nil
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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

func provideCodec(cfg *config.Config) (*crypto.Codec, error) {
	key, err := cfg.ResolveEncryptionKey()
	if err != nil {
		return nil, err
	}
	return crypto.NewCodec(key)
}

func provideQueue(db *store.DB, b *bus.Bus, logger *zap.Logger) *queue.Queue {
	return queue.New(db, b, logger)
}

func provideDialer(cfg *config.Config, logger *zap.Logger) *transport.WSDialer {
	return transport.NewWSDialer(cfg.ServerURL, logger)
}

func provideManager(d *transport.WSDialer, m *status.Machine, q *queue.Queue, b *bus.Bus, cfg *config.Config, logger *zap.Logger) *conn.Manager {
	return conn.NewManager(d, m, q, b, cfg, logger)
}

func provideMonitor(cfg *config.Config, b *bus.Bus, logger *zap.Logger) *netmon.Monitor {
	return netmon.New(cfg.ProbeURL, probeInterval, b, logger)
}

func provideAPIClient(cfg *config.Config, logger *zap.Logger) *api.Client {
	return api.NewClient(cfg.APIBaseURL, logger)
}

func provideChatSession(mgr *conn.Manager, codec *crypto.Codec, client *api.Client, b *bus.Bus, logger *zap.Logger) *chat.Session {
	return chat.NewSession(mgr, codec, client, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, mgr *conn.Manager, mon *netmon.Monitor, client *api.Client, sess *chat.Session, db *store.DB, lk *lock.Lock, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			mon.Start(context.Background())

			if p.UserID != "" && p.Token != "" {
				client.SetToken(p.Token)
				go func() {
					if err := mgr.Connect(context.Background(), p.UserID, p.Token); err != nil {
						logger.Error("initial connect failed", zap.Error(err))
					}
				}()
			} else {
				logger.Info("no credentials provided, staying offline")
			}

			return nil
		},
		OnStop: func(_ context.Context) error {
			sess.Close()
			mon.Stop()
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
