package main

import (
	"log"

	"github.com/pocketbase/pocketbase"
	"github.com/pocketbase/pocketbase/core"

	"github.com/websoft9/ssh-gateway/backend/internal/config"
	"github.com/websoft9/ssh-gateway/backend/internal/hooks"
	"github.com/websoft9/ssh-gateway/backend/internal/routes"
	"github.com/websoft9/ssh-gateway/backend/internal/worker"

	// Register custom PocketBase migrations.
	_ "github.com/websoft9/ssh-gateway/backend/internal/migrations"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	app := pocketbase.New()

	// Asynq worker: created once, shared across the app lifecycle, used for
	// the audit-log retention sweep (out-of-band of any live session).
	w := worker.New(app, cfg.RedisAddr)

	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		routes.Register(se, cfg)
		return se.Next()
	})

	hooks.Register(app)

	app.OnServe().BindFunc(func(se *core.ServeEvent) error {
		w.Start()

		// Schedule the audit retention sweep daily at 03:00 via PocketBase's
		// own cron scheduler instead of a self-perpetuating Asynq re-enqueue.
		app.Cron().MustAdd("auditLogRetention", "0 3 * * *", func() {
			if err := w.EnqueuePruneAuditLogs(90, 0); err != nil {
				log.Printf("auditLogRetention: enqueue failed: %v", err)
			}
		})

		return se.Next()
	})

	app.OnTerminate().BindFunc(func(e *core.TerminateEvent) error {
		w.Shutdown()
		return e.Next()
	})

	if err := app.Start(); err != nil {
		log.Fatal(err)
	}
}
