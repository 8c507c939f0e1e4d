// Package migrations embeds the development schema for the authorization
// database the agent reads.
package migrations

import "embed"

// FS holds the schema migrations and development seeds.
//
//go:embed sql/*.sql seeds/*.sql
var FS embed.FS

const (
	// Dir is the directory within FS where migrations live.
	Dir = "sql"
	// SeedsDir holds optional development fixtures.
	SeedsDir = "seeds"
)
