// Package configs embeds the configuration template written by
// `amansync config init`.
//
// Configuration hierarchy (see internal/config Load):
//  1. Built-in defaults (internal/config NewConfig)
//  2. User config (~/.config/amansync/config.yaml)
//  3. Project config (.amansync.yaml)
//  4. .env in the project root
//  5. Environment variables (AMANSYNC_*)
package configs

import _ "embed"

// ProjectConfigTemplate is the commented template for .amansync.yaml.
//
//go:embed amansync.example.yaml
var ProjectConfigTemplate string
