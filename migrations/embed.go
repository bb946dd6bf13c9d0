// Package migrations ships the promoz schema as goose SQL migrations.
package migrations

import "embed"

// FS holds the numbered migration files, applied in version order.
//
//go:embed *.sql
var FS embed.FS
