// Package migrations embeds the SQL migration files so the migrator
// binary can run without shipping loose files.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
