package db

import "embed"

//go:embed migrations/*.sql
var Migrations embed.FS

// SeedFiles holds the JSON schemas that constrain structured LLM output.
//
//go:embed seed/*.json
var SeedFiles embed.FS
