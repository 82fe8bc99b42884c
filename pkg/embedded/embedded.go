// Package embedded provides embedded static assets for the application.
package embedded

import (
	"embed"
)

// Schemas contains the SQL schema files applied on startup:
// - portfolio_schema.sql: positions, snapshots, snapshot_positions, cash
// - ledger_schema.sql: trades (append-only audit trail)
// - history_schema.sql: prices (point-in-time price history)
//
// Embedding the schemas makes the binary self-contained: migrations work
// regardless of working directory, in tests, CI, and production.
//
//go:embed schemas/*.sql
var Schemas embed.FS
