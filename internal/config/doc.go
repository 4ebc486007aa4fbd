// Package config loads groupcast's JSON/YAML configuration, validates it and
// hot-reloads it on file changes.
package config
