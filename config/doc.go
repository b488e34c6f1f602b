// Package config provides unified configuration loading for DataForge:
// defaults → YAML file → environment variable overrides.
package config
