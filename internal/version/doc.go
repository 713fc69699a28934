// Package version exposes build metadata of the crx-server binary.
//
// Version, Commit and BuildTime are injected through -ldflags at build time.
package version
