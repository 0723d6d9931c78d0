// Package app wires storage, the engine and the background workers for a
// workspace. The CLI and the HTTP server both start from here.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"signoff/internal/config"
	"signoff/internal/db"
	"signoff/internal/engine"
	"signoff/internal/logging"
	"signoff/internal/migrate"
	"signoff/internal/notify"
	"signoff/internal/scheduler"
)

type Options struct {
	Workspace string
	// Config overrides signoff.yml when set.
	Config *config.Config
	LogOut io.Writer
}

// Context is an opened workspace.
type Context struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Dialect   db.Dialect
	Engine    engine.Engine
	Log       zerolog.Logger

	scheduler  *scheduler.Scheduler
	dispatcher *notify.Dispatcher
	closeSinks func()
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// Open loads config, opens and migrates the database and builds the engine.
// Background workers are not started; see Start.
func Open(opts Options) (*Context, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	log := logging.New(cfg.Log, opts.LogOut)
	conn, dialect, err := db.Open(db.Config{
		Workspace: opts.Workspace,
		Driver:    cfg.Database.Driver,
		DSN:       cfg.Database.DSN,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := migrate.Migrate(conn, dialect); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, dialect, cfg)
	e.Log = logging.Component(log, "engine")
	return &Context{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Dialect:   dialect,
		Engine:    e,
		Log:       log,
	}, nil
}

// Start arms the deferred-approval scheduler and the notification
// dispatcher. Both stop when ctx ends or Close is called.
func (c *Context) Start(ctx context.Context) error {
	if c.cancel != nil {
		return errors.New("already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if c.Config.Scheduler.IsEnabled() {
		s := scheduler.New(c.Engine, c.Config.Scheduler.Sweep, logging.Component(c.Log, "scheduler"))
		c.Engine.AttachScheduler(s)
		if err := s.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("start scheduler: %w", err)
		}
		c.scheduler = s
	}

	notifyLog := logging.Component(c.Log, "notify")
	sinks, closeSinks, err := notify.FromConfig(c.Config.Notifications, notifyLog)
	if err != nil {
		c.stopWorkers()
		return err
	}
	c.closeSinks = closeSinks
	if len(sinks) > 0 {
		d := notify.NewDispatcher(c.Engine.Repo, sinks, notify.Options{
			Interval: time.Duration(c.Config.Notifications.PollIntervalMS) * time.Millisecond,
			Batch:    c.Config.Notifications.BatchSize,
			Log:      notifyLog,
		})
		c.Engine.AttachNotifier(d)
		c.dispatcher = d
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			d.Run(ctx)
		}()
	}
	c.Log.Info().
		Bool("scheduler", c.scheduler != nil).
		Int("sinks", len(sinks)).
		Msg("background workers started")
	return nil
}

// Close stops the workers and closes the database.
func (c *Context) Close() error {
	c.stopWorkers()
	if c.DB == nil {
		return nil
	}
	err := c.DB.Close()
	c.DB = nil
	return err
}

func (c *Context) stopWorkers() {
	if c.cancel != nil {
		c.cancel()
	}
	if c.scheduler != nil {
		c.scheduler.Stop()
		c.scheduler = nil
	}
	c.wg.Wait()
	if c.closeSinks != nil {
		c.closeSinks()
		c.closeSinks = nil
	}
}
