// Package migrations embeds the goose migration files for both supported
// SQL dialects so the server binary can migrate its own schema on startup.
package migrations

import "embed"

//go:embed postgres/*.sql sqlite/*.sql
var FS embed.FS
