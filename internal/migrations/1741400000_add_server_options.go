package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

// add_server_options adds the optional per-server shell override and default
// environment bundle used when a session opens its PTY.
func init() {
	m.Register(func(app core.App) error {
		col, err := app.FindCollectionByNameOrId("servers")
		if err != nil {
			return err
		}

		col.Fields.Add(&core.TextField{
			Name:     "shell",
			Required: false,
		})
		col.Fields.Add(&core.JSONField{
			Name:    "env",
			MaxSize: 1 << 16,
		})

		return app.Save(col)
	}, func(app core.App) error {
		col, err := app.FindCollectionByNameOrId("servers")
		if err != nil {
			return nil
		}
		col.Fields.RemoveByName("shell")
		col.Fields.RemoveByName("env")
		return app.Save(col)
	})
}
