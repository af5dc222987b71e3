// Package routes registers all custom API routes for the SSH gateway.
//
// Route groups:
//   - /api/ext/terminal — the Client Event Gateway's WebSocket SSH endpoint
//   - /api/ext/settings — masked read/write of the ssh/session settings groups
//   - /api/ext/auth     — unauthenticated auth helper routes (check-email)
//   - /api/ext/health   — live session liveness snapshot
//   - /api/appos/setup  — first-run superuser bootstrap
package routes

import (
	"net/http"

	"github.com/pocketbase/pocketbase/apis"
	"github.com/pocketbase/pocketbase/core"

	"github.com/websoft9/ssh-gateway/backend/internal/config"
)

// Register mounts all custom route groups on the PocketBase router.
func Register(se *core.ServeEvent, cfg *config.Config) {
	registerTerminalRoutes(se.Router.Group("/api/ext"), cfg)

	RegisterSettings(se)
	registerAuthRoutes(se)
	registerSetupRoutes(se)
	registerHealthRoutes(se)
}

// registerHealthRoutes mounts the session liveness snapshot. Superuser
// only, since it exposes every user's live session IDs and byte counters.
func registerHealthRoutes(se *core.ServeEvent) {
	g := se.Router.Group("/api/ext/health")
	g.Bind(apis.RequireSuperuserAuth())

	g.GET("/sessions", func(e *core.RequestEvent) error {
		return e.JSON(http.StatusOK, map[string]any{
			"count":    sessionRegistry.Count(),
			"sessions": sessionRegistry.Snapshots(),
		})
	})
}
