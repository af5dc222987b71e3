package migrations

import (
	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
	"github.com/websoft9/ssh-gateway/backend/internal/settings"
)

// seed_session_settings seeds the default session/limits row in
// app_settings: idle reap timeout, per-user concurrent session cap, and
// terminal dimension maxima. Only idleTimeoutMinutes is read (by the
// terminal route); maxPerUser, maxRows and maxCols are stored but not
// enforced, and dimensions are clamped to limits.MaxDimension instead.
//
// Uses an insert-if-not-exists pattern for the row.
// The down() function is a no-op — seed data is never rolled back.
func init() {
	m.Register(func(app core.App) error {
		_, err := app.FindFirstRecordByFilter(
			"app_settings",
			"module = {:module} && key = {:key}",
			dbx.Params{"module": "session", "key": "limits"},
		)
		if err == nil {
			// Row already exists — skip.
			return nil
		}
		return settings.SetGroup(app, "session", "limits", map[string]any{
			"idleTimeoutMinutes": 30,
			"maxPerUser":         10,
			"maxRows":            500,
			"maxCols":            500,
		})
	}, func(app core.App) error {
		// Down: no-op — seed data is not rolled back.
		return nil
	})
}
