// Package migrations embeds the goose SQL migration files for the Membership collaborator's Postgres schema.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
