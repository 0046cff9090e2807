// Package migrations embeds the schema migration files so the conveyor
// binary manages its own schema without requiring files on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
