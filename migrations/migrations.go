// Package migrations embeds the Postgres schema so `famulus migrate`
// works from a single binary with no files on disk.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
