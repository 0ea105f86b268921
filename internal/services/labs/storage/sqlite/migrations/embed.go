package migrations

import "embed"

// FS contains embedded SQLite migrations for lab storage.
//
//go:embed *.sql
var FS embed.FS
