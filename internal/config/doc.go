// Package config defines the crx-server settings and loads them from a YAML
// file layered with CRX_SERVER_* environment variables and CLI flags.
//
// Validate fills defaults, so a Config returned by Load is ready to use.
package config
