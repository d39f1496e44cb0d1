// Package migrations embeds the SQL migration files so the goose
// programmatic API can apply them at daemon boot and in test setup.
package migrations

import "embed"

// FS holds all *.sql migration files embedded at compile time.
// Pass this to the goose provider instead of relying on a filesystem path
// at runtime.
//
//go:embed *.sql
var FS embed.FS
