// Package app wires a configured database to its replication engine, sync
// share, sync server and daemon.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	httpapi "github.com/myworld/mywdb/internal/api/http"
	"github.com/myworld/mywdb/internal/config"
	"github.com/myworld/mywdb/internal/dd"
	"github.com/myworld/mywdb/internal/driver"
	"github.com/myworld/mywdb/internal/geom"
	"github.com/myworld/mywdb/internal/observability"
	"github.com/myworld/mywdb/internal/replication"
	"github.com/myworld/mywdb/internal/server"
	"github.com/myworld/mywdb/internal/storage"
	"github.com/myworld/mywdb/internal/transport"
)

// App owns the session of one database and what is built on it.
type App struct {
	cfg      *config.Config
	progress *observability.Progress

	session  *driver.Session
	share    *storage.Share
	engine   replication.Syncer
	shutdown *server.ShutdownManager

	httpServer *http.Server
	daemon     *replication.Daemon

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an App with the given configuration.
func New(cfg *config.Config) (*App, error) {
	cfg.Resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("failed to create directories: %w", err)
	}
	return &App{cfg: cfg, shutdown: server.NewShutdownManager(server.DefaultShutdownConfig())}, nil
}

// Config returns the resolved configuration.
func (a *App) Config() *config.Config { return a.cfg }

// SetProgress sets the progress sink of engines created afterwards.
func (a *App) SetProgress(p *observability.Progress) { a.progress = p }

// Session opens the configured database on first use.
func (a *App) Session(ctx context.Context) (*driver.Session, error) {
	if a.session != nil {
		return a.session, nil
	}
	d, err := a.cfg.Dialect()
	if err != nil {
		return nil, err
	}
	s, err := driver.Open(ctx, d, a.cfg.DSN())
	if err != nil {
		return nil, err
	}
	if t := a.cfg.Database.StatementTimeout; t > 0 {
		if _, err := s.StatementTimeout(ctx, t); err != nil {
			s.Close()
			return nil, err
		}
	}
	log.Printf("Database opened: dialect=%s", d)
	a.session = s
	return s, nil
}

// Share returns the sync share on first use.
func (a *App) Share(ctx context.Context) (*storage.Share, error) {
	if a.share != nil {
		return a.share, nil
	}
	var store storage.ObjectStorage
	var err error
	switch a.cfg.Sync.Storage {
	case "local":
		store, err = storage.NewLocalStorage(a.cfg.Sync.Root)
	case "s3":
		s3Cfg := storage.DefaultS3Config()
		if a.cfg.Sync.S3.Region != "" {
			s3Cfg.Region = a.cfg.Sync.S3.Region
		}
		if a.cfg.Sync.S3.Endpoint != "" {
			s3Cfg.Endpoint = a.cfg.Sync.S3.Endpoint
			s3Cfg.UsePathStyle = true
		}
		s3Cfg.Prefix = a.cfg.Sync.S3.Prefix
		store, err = storage.NewS3Storage(ctx, a.cfg.Sync.S3.Bucket, s3Cfg)
	default:
		return nil, fmt.Errorf("unsupported sync storage: %s", a.cfg.Sync.Storage)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to initialize sync storage: %w", err)
	}
	log.Printf("Sync share initialized: storage=%s", a.cfg.Sync.Storage)
	a.share = storage.NewShare(store)
	return a.share, nil
}

// Options returns the replication options derived from the configuration.
func (a *App) Options() replication.Options {
	enc, _ := geom.ParseEncoding(a.cfg.Sync.GeomEncoding)
	return replication.Options{
		WorkDir:        a.cfg.Replication.WorkDir,
		TileDir:        a.cfg.Replication.TileDir,
		MaxRecsPerFile: a.cfg.Sync.MaxRecsPerFile,
		GeomEncoding:   enc,
		ChunkSize:      a.cfg.Extract.ChunkSize,
		CodeBundle:     a.cfg.Replication.CodeBundle,
		CodeDir:        a.cfg.Replication.CodeDir,
		ShardSize:      a.cfg.Replication.ShardSize,
		Progress:       a.progress,
	}
}

// transport returns the HTTP transport when a sync server is configured.
func (a *App) transport() (transport.Transport, error) {
	if a.cfg.Sync.ServerURL == "" {
		return nil, nil
	}
	hc := transport.DefaultHTTPConfig(a.cfg.Sync.ServerURL)
	hc.Username = a.cfg.Sync.Username
	hc.Password = a.cfg.Sync.Password
	if a.cfg.Sync.ChunkSize > 0 {
		hc.ChunkSize = a.cfg.Sync.ChunkSize
	}
	return transport.NewHTTP(hc)
}

// Engine returns the replication engine for the role of the database.
func (a *App) Engine(ctx context.Context) (replication.Syncer, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	s, err := a.Session(ctx)
	if err != nil {
		return nil, err
	}
	tr, err := a.transport()
	if err != nil {
		return nil, err
	}
	role, err := replication.DetectRole(ctx, dd.NewManager(s))
	if err != nil {
		return nil, err
	}
	var share *storage.Share
	if role == replication.RoleMaster || tr == nil {
		if share, err = a.Share(ctx); err != nil {
			return nil, err
		}
	}
	if a.engine, err = replication.New(ctx, s, a.Options(), share, tr); err != nil {
		return nil, err
	}
	log.Printf("Replication engine ready: role=%s", a.engine.Role())
	return a.engine, nil
}

// Master returns the engine of a master database.
func (a *App) Master(ctx context.Context) (*replication.Master, error) {
	e, err := a.Engine(ctx)
	if err != nil {
		return nil, err
	}
	m, ok := e.(*replication.Master)
	if !ok {
		return nil, fmt.Errorf("database is a %s, not a master", e.Role())
	}
	return m, nil
}

// Replica returns the engine of an extract or replica database.
func (a *App) Replica(ctx context.Context) (*replication.Replica, error) {
	e, err := a.Engine(ctx)
	if err != nil {
		return nil, err
	}
	r, ok := e.(*replication.Replica)
	if !ok {
		return nil, fmt.Errorf("database is a %s, not an extract or replica", e.Role())
	}
	return r, nil
}

// Start starts the sync daemon and, on a master, the sync server.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("app is already running")
	}
	a.running = true
	a.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	engine, err := a.Engine(ctx)
	if err != nil {
		a.cleanup()
		return err
	}
	if m, ok := engine.(*replication.Master); ok {
		if err := a.startSyncServer(m); err != nil {
			a.cleanup()
			return fmt.Errorf("failed to start sync server: %w", err)
		}
	}

	a.daemon = replication.NewDaemon(replication.DaemonConfig{
		Interval:  a.cfg.Replication.Interval,
		PruneDead: a.cfg.Replication.PruneDead,
	}, engine)
	if err := a.daemon.Start(ctx); err != nil {
		a.cleanup()
		return fmt.Errorf("failed to start sync daemon: %w", err)
	}
	a.shutdown.RegisterCloser(server.CloserFunc(a.daemon.Stop))
	log.Printf("Sync daemon started: interval=%s", a.cfg.Replication.Interval)
	return nil
}

func (a *App) startSyncServer(m *replication.Master) error {
	handler := httpapi.NewSyncHandler(m.Share(), m)
	a.httpServer = &http.Server{
		Addr:         a.cfg.HTTP.Addr,
		Handler:      a.shutdown.Middleware(handler.Routes()),
		ReadTimeout:  a.cfg.HTTP.ReadTimeout,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		IdleTimeout:  a.cfg.HTTP.IdleTimeout,
	}
	a.shutdown.RegisterCloser(server.HTTPServerCloser(a.httpServer, a.shutdown.DrainTimeout()))

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		log.Printf("Sync server listening on %s", a.cfg.HTTP.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Sync server error: %v", err)
		}
	}()
	return nil
}

// Stop stops the daemon and the sync server, then closes the database.
func (a *App) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return a.Close()
	}
	a.running = false
	a.mu.Unlock()

	log.Printf("Initiating graceful shutdown...")
	if a.cancel != nil {
		a.cancel()
	}
	err := a.shutdown.Shutdown(ctx, "stop requested")
	a.wg.Wait()
	return errors.Join(err, a.Close())
}

// WaitForShutdown blocks until a shutdown signal is received.
func (a *App) WaitForShutdown(ctx context.Context) error {
	return a.shutdown.ListenForSignals(ctx)
}

func (a *App) cleanup() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()
	if a.cancel != nil {
		a.cancel()
	}
	a.Close()
}

// Close closes the database session.
func (a *App) Close() error {
	if a.session == nil {
		return nil
	}
	err := a.session.Close()
	a.session, a.engine = nil, nil
	return err
}
