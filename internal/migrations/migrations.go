// Package migrations contains PocketBase Go migrations for the gateway's custom collections.
//
// All migration files use init() to register with the PocketBase migration runner.
// The package must be blank-imported in main.go:
//
//	_ "github.com/websoft9/ssh-gateway/backend/internal/migrations"
package migrations
