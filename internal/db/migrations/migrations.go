// Package migrations embeds the local schema migration files so the
// binary carries its own schema history.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
