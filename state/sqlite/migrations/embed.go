package migrations

import "embed"

// FS contains embedded SQLite migrations for proposer state.
//
//go:embed *.sql
var FS embed.FS
