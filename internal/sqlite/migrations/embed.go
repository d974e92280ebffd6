package migrations

import "embed"

// FS contains embedded SQLite migrations for the highscore store.
//
//go:embed *.sql
var FS embed.FS
