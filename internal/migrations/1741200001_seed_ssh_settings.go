package migrations

import (
	"github.com/pocketbase/dbx"
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
	"github.com/websoft9/ssh-gateway/backend/internal/settings"
)

// seed_ssh_settings seeds the default ssh/connection and ssh/policy rows in
// app_settings: a dial timeout, the host-key verification posture, and
// which auth methods the gateway accepts. connectTimeoutSeconds and
// maxAuthAttempts are stored but not read by the connector.
//
// Uses an insert-if-not-exists pattern: if the row already exists (e.g. the
// admin has already customised it), the migration does nothing.
// The down() function is a no-op — seed data is never rolled back.
func init() {
	m.Register(func(app core.App) error {
		if _, err := app.FindFirstRecordByFilter(
			"app_settings",
			"module = {:module} && key = {:key}",
			dbx.Params{"module": "ssh", "key": "connection"},
		); err != nil {
			if err := settings.SetGroup(app, "ssh", "connection", map[string]any{
				"connectTimeoutSeconds":      15,
				"knownHostsPath":             "",
				"requireHostKeyVerification": false,
			}); err != nil {
				return err
			}
		}

		if _, err := app.FindFirstRecordByFilter(
			"app_settings",
			"module = {:module} && key = {:key}",
			dbx.Params{"module": "ssh", "key": "policy"},
		); err != nil {
			if err := settings.SetGroup(app, "ssh", "policy", map[string]any{
				"passwordEnabled":            true,
				"privateKeyEnabled":          true,
				"keyboardInteractiveEnabled": true,
				"maxAuthAttempts":            3,
			}); err != nil {
				return err
			}
		}

		return nil
	}, func(app core.App) error {
		// Down: no-op — seed data is not rolled back.
		return nil
	})
}
