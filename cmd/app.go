package cmd

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/example/seatwatch/internal/auth"
	"github.com/example/seatwatch/internal/config"
	"github.com/example/seatwatch/internal/crypto"
	"github.com/example/seatwatch/internal/db"
	"github.com/example/seatwatch/internal/jobs"
	"github.com/example/seatwatch/internal/logger"
	"github.com/example/seatwatch/internal/migrate"
	"github.com/example/seatwatch/internal/scheduler"
	"github.com/example/seatwatch/internal/webreg"
)

// app is the wired process: store, users and the job manager on top.
type app struct {
	cfg     config.Config
	log     *logger.Logger
	db      *db.DB
	store   scheduler.Store
	users   auth.Users
	manager *scheduler.Manager
}

type appOptions struct {
	migrate bool
	// memory forces the in-memory store regardless of STORE.
	memory bool
}

func openApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.Logger())

	a := &app{cfg: cfg, log: log}
	if opts.memory || cfg.Store == config.StoreMemory {
		log.Warn("using in-memory store; jobs are lost on exit")
		a.store = jobs.NewMemoryRepo()
		a.users = auth.NewMemoryUsers()
	} else {
		d, err := db.Open(ctx, cfg.DatabaseURL, db.Options{})
		if err != nil {
			return nil, err
		}
		if err := d.Ping(ctx); err != nil {
			d.Close()
			return nil, fmt.Errorf("db ping: %w", err)
		}
		if opts.migrate {
			if err := migrate.Up(ctx, d); err != nil {
				d.Close()
				return nil, err
			}
		}
		a.db = d
		a.store = jobs.NewRepo(d)
		a.users = auth.NewPGUsers(d)
	}

	vault, err := crypto.New(cfg.CredKey)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.manager = scheduler.NewManager(a.store, webreg.New(cfg.WebReg()), vault, cfg.Delivery(), cfg.Scheduler(), log)
	return a, nil
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
}

// findUser resolves a username to its id.
func (a *app) findUser(ctx context.Context, username string) (uuid.UUID, error) {
	id, _, err := a.users.FindUser(ctx, username)
	if err != nil {
		if db.IsNotFound(err) {
			return uuid.Nil, fmt.Errorf("no such user %q", username)
		}
		return uuid.Nil, err
	}
	return id, nil
}
