// Package config loads forkevo run configuration from YAML or TOML files.
//
// Values are overlaid on Default, ${VAR} references are expanded from the
// environment before parsing, and durations are written as strings such as
// "30s" or "500ms".
package config
