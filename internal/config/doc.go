// Package config handles configuration loading for coven-board.
//
// Configuration is a YAML file (or TOML, by .toml extension) with
// ${VAR_NAME} environment variable expansion. The path comes from
// COVEN_BOARD_CONFIG, falling back to ~/.config/coven/board.yaml.
//
// Duration values use time.ParseDuration syntax:
//
//	sessions:
//	  inactivity_timeout: "24h"
//	events:
//	  heartbeat_interval: "15s"
//
// Anything unset gets a default before Validate runs, so a file with only
// database.path is a working config. Template renders a complete starter
// file for the init command.
package config
