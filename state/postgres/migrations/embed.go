package migrations

import "embed"

// FS contains embedded PostgreSQL migrations for proposer state.
//
//go:embed *.sql
var FS embed.FS
