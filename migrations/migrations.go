// Package migrations embeds the relational schema migrations.
package migrations

import "embed"

// FS holds the migration scripts, named for golang-migrate.
//
//go:embed *.sql
var FS embed.FS
