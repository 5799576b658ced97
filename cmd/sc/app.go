package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/zulandar/stagecoach/internal/config"
	"github.com/zulandar/stagecoach/internal/connectivity"
	"github.com/zulandar/stagecoach/internal/delivery"
	"github.com/zulandar/stagecoach/internal/engine"
	"github.com/zulandar/stagecoach/internal/queue"
	"github.com/zulandar/stagecoach/internal/relay"
	"github.com/zulandar/stagecoach/internal/relay/discord"
	"github.com/zulandar/stagecoach/internal/relay/slack"
	"github.com/zulandar/stagecoach/internal/store"
)

// app bundles the wired pipeline for one CLI invocation.
type app struct {
	cfg     *config.Config
	store   *store.Store
	queue   *queue.Queue
	machine *delivery.Machine
	relay   relay.Store
	monitor *connectivity.Monitor
	engine  *engine.Engine
	raw     chan bool
}

// openDB connects the configured storage backend and migrates the schema.
func openDB(cfg *config.Config) (*gorm.DB, error) {
	var db *gorm.DB
	var err error
	switch cfg.Storage.Driver {
	case "mysql":
		db, err = store.ConnectMySQL(cfg.Storage.Host, cfg.Storage.Port, cfg.Storage.Database)
	default:
		db, err = store.ConnectSQLite(cfg.Storage.Path)
	}
	if err != nil {
		return nil, err
	}
	if err := store.AutoMigrate(db); err != nil {
		return nil, err
	}
	return db, nil
}

// openRelay builds the relay backend named by the config.
func openRelay(ctx context.Context, cfg *config.Config) (relay.Store, error) {
	switch cfg.Relay.Platform {
	case "discord":
		s, err := discord.New(discord.Opts{
			BotToken: cfg.Relay.Token,
			Channels: cfg.Relay.Channels,
		})
		if err != nil {
			return nil, err
		}
		if err := s.Connect(ctx); err != nil {
			return nil, err
		}
		return s, nil
	case "slack":
		return slack.New(slack.Opts{
			BotToken: cfg.Relay.Token,
			Channels: cfg.Relay.Channels,
		})
	default:
		return relay.NewMockStore(), nil
	}
}

// openApp loads the config and wires the full pipeline. When online is true
// the engine starts optimistic; one-shot commands pass false and drain the
// queue explicitly instead.
func openApp(ctx context.Context, configPath string, online bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.New(db)
	if err != nil {
		return nil, err
	}
	q, err := queue.New(st)
	if err != nil {
		return nil, err
	}
	machine, err := delivery.NewMachine(st)
	if err != nil {
		return nil, err
	}
	rel, err := openRelay(ctx, cfg)
	if err != nil {
		return nil, err
	}

	raw := make(chan bool, 1)
	monitor, err := connectivity.NewMonitor(connectivity.MonitorOpts{
		Raw:             raw,
		Queue:           q,
		Window:          time.Duration(cfg.Sync.DebounceMS) * time.Millisecond,
		InitiallyOnline: online,
	})
	if err != nil {
		return nil, err
	}

	eng, err := engine.New(engine.Opts{
		Store:    st,
		Queue:    q,
		Machine:  machine,
		Relay:    rel,
		Monitor:  monitor,
		Session:  engine.NewSession(cfg.UserID),
		PageSize: cfg.Sync.PageSize,
		Out:      log.Default(),
	})
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:     cfg,
		store:   st,
		queue:   q,
		machine: machine,
		relay:   rel,
		monitor: monitor,
		engine:  eng,
		raw:     raw,
	}, nil
}

// close releases the relay connection.
func (a *app) close() {
	if err := a.relay.Close(); err != nil {
		fmt.Printf("close relay: %v\n", err)
	}
}
