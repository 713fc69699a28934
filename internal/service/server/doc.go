// Package server composes the artifact HTTP server, the tunnel and the repack
// cycle into one lifecycle: Start, Update, Stop.
package server
