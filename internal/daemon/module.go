package daemon

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/matheus3301/collab/internal/config"
	"github.com/matheus3301/collab/internal/credential"
	"github.com/matheus3301/collab/internal/lock"
	"github.com/matheus3301/collab/internal/logging"
	"github.com/matheus3301/collab/internal/outbox"
	"github.com/matheus3301/collab/internal/render"
	"github.com/matheus3301/collab/internal/room"
	"github.com/matheus3301/collab/internal/session"
	"github.com/matheus3301/collab/internal/store"
)

// Params holds the resolved room configuration passed to the fx module.
type Params struct {
	RoomName   string
	SocketPath string // optional override for testing; empty = use default
	Address    string // optional relay address override
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideSettings,
			provideLock,
			provideStorage,
			Credentials,
			provideSession,
			NewHealth,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	if err := room.EnsureDir(p.RoomName); err != nil {
		return nil, err
	}
	return logging.New(room.LogPath(p.RoomName), p.RoomName)
}

func provideSettings(p Params, logger *zap.Logger) (config.Room, error) {
	cfg, err := room.Settings(p.RoomName)
	if err != nil {
		return config.Room{}, fmt.Errorf("room settings: %w", err)
	}
	if p.Address != "" {
		cfg.Link.Address = p.Address
	}
	logger.Info("room settings loaded",
		zap.String("address", cfg.Link.Address),
		zap.String("queue_backend", cfg.Queue.Backend),
	)
	return cfg, nil
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	logger.Info("acquiring room lock", zap.String("room", p.RoomName))
	l, err := lock.Acquire(room.Dir(p.RoomName))
	if err != nil {
		return nil, err
	}
	logger.Info("room lock acquired")
	return l, nil
}

// Storage is the room's durable state: the offline queue and checkpoints.
// Both live in the sqlite database or both in the bolt file.
type Storage struct {
	Queue       outbox.Storage
	Checkpoints session.Checkpoints
	close       func() error
}

// Close closes the backing file.
func (s *Storage) Close() error { return s.close() }

// The lock is taken before any storage file is opened.
func provideStorage(p Params, cfg config.Room, _ *lock.Lock, logger *zap.Logger) (*Storage, error) {
	return OpenStorage(p.RoomName, cfg, logger)
}

// OpenStorage opens the room's queue backend. The caller must hold the room
// lock.
func OpenStorage(roomName string, cfg config.Room, logger *zap.Logger) (*Storage, error) {
	switch cfg.Queue.Backend {
	case config.BackendBolt:
		path := room.BoltPath(roomName)
		b, err := store.OpenBolt(path)
		if err != nil {
			return nil, err
		}
		logger.Info("store initialized", zap.String("backend", cfg.Queue.Backend), zap.String("path", path))
		return &Storage{Queue: b, Checkpoints: b, close: b.Close}, nil
	default:
		path := room.DBPath(roomName)
		db, err := store.Open(path)
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
		logger.Info("store initialized", zap.String("backend", cfg.Queue.Backend), zap.String("path", path))
		return &Storage{Queue: db, Checkpoints: db, close: db.Close}, nil
	}
}

// Credentials returns the token provider the settings describe.
func Credentials(cfg config.Room) credential.Provider {
	var p credential.Provider = credential.Static(cfg.Credential.Token)
	if cfg.Credential.TokenFile != "" {
		p = credential.File{Path: cfg.Credential.TokenFile}
	}
	return credential.Checked(p, nil)
}

// Identity picks the client and user ids. Explicit settings win, then the
// claims of a static token.
func Identity(cfg config.Room, logger *zap.Logger) (clientID, userID string) {
	clientID, userID = cfg.OpLog.ClientID, cfg.Presence.UserID
	if cfg.Credential.Token == "" {
		return clientID, userID
	}
	claims, err := credential.ClaimsFromToken(cfg.Credential.Token)
	if err != nil {
		logger.Debug("token carries no readable claims", zap.Error(err))
		return clientID, userID
	}
	if clientID == "" {
		clientID = claims.ClientID
	}
	if userID == "" {
		userID = claims.Subject
	}
	return clientID, userID
}

func provideSession(p Params, cfg config.Room, st *Storage, creds credential.Provider, logger *zap.Logger) (*session.Session, error) {
	clientID, userID := Identity(cfg, logger)
	return session.New(context.Background(), session.Options{
		RoomID:      p.RoomName,
		ClientID:    clientID,
		UserID:      userID,
		DisplayName: cfg.Presence.DisplayName,
		Settings:    cfg,
		Credentials: creds,
		Storage:     st.Queue,
		Checkpoints: st.Checkpoints,
		Sink:        render.LogSink{Logger: logger.Named("room")},
		Logger:      logger,
	})
}

func registerLifecycle(lc fx.Lifecycle, srv *Server, health *Health, sess *session.Session, st *Storage, lk *lock.Lock, logger *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			// Watch the link before it can change.
			health.Watch(ctx, sess)

			go func() {
				if err := srv.Start(); err != nil {
					logger.Error("gRPC server error", zap.Error(err))
				}
			}()

			return sess.Start()
		},
		OnStop: func(stopCtx context.Context) error {
			sess.Stop()
			cancel()
			health.Shutdown()
			srv.Stop(stopCtx)
			var errs []error
			if err := st.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close store: %w", err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped", zap.Int("queued", sess.QueueLen()))
			return errors.Join(errs...)
		},
	})
}
