package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/example/seatwatch/internal/auth"
	"github.com/example/seatwatch/internal/web"
)

const shutdownTimeout = 30 * time.Second

func newServerCmd() *cobra.Command {
	var (
		migrateUp bool
		bootstrap string
	)

	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the HTTP API and the job scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := openApp(ctx, appOptions{migrate: migrateUp})
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.cfg.RequireCookieKeys(); err != nil {
				return err
			}

			authStore := auth.NewStore(a.users, a.cfg.CookieHashKey, a.cfg.CookieBlockKey)
			if bootstrap != "" {
				name, pw, ok := strings.Cut(bootstrap, ":")
				if !ok {
					return fmt.Errorf("--bootstrap-user wants username:password")
				}
				if _, err := authStore.CreateUser(ctx, name, pw); err != nil && !errors.Is(err, auth.ErrUserExists) {
					return fmt.Errorf("bootstrap user: %w", err)
				}
			}

			if err := a.manager.Resume(ctx); err != nil {
				return err
			}

			ws := &web.Server{Auth: authStore, Jobs: a.manager, Log: a.log.Component("web")}
			serveErr := web.Start(ctx, a.cfg.ListenAddr, ws.Routes(), a.log)

			// Jobs stay marked running so the next start resumes them.
			shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
			defer done()
			if err := a.manager.Shutdown(shutdownCtx); err != nil {
				a.log.WithError(err).Warn("scheduler shutdown incomplete")
			}
			return serveErr
		},
	}

	cmd.Flags().BoolVar(&migrateUp, "migrate", true, "run database migrations on startup")
	cmd.Flags().StringVar(&bootstrap, "bootstrap-user", "", "create username:password on startup if missing")

	cmd.Flags().Lookup("migrate").NoOptDefVal = "true"
	return cmd
}
